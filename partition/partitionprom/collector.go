// Package partitionprom exports partition allocator statistics as
// Prometheus metrics. The collector drives the root's stats walker on every
// scrape; the walker snapshots under the root lock and emits afterwards, so
// scraping never blocks allocation for long.
package partitionprom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/partitionalloc/partitionalloc/partition"
)

const namespace = "partition_alloc"

type Collector struct {
	root          *partition.Root
	partitionName string
	lightDump     bool

	mmappedBytes       *prometheus.Desc
	committedBytes     *prometheus.Desc
	residentBytes      *prometheus.Desc
	activeBytes        *prometheus.Desc
	decommittableBytes *prometheus.Desc
	discardableBytes   *prometheus.Desc

	bucketActiveBytes   *prometheus.Desc
	bucketResidentBytes *prometheus.Desc
	bucketFullSpans     *prometheus.Desc
	bucketActiveSpans   *prometheus.Desc
	bucketEmptySpans    *prometheus.Desc
	bucketDecommitted   *prometheus.Desc
}

// NewCollector returns a Collector exposing one root's statistics. With
// lightDump set, only the root totals are exported.
func NewCollector(root *partition.Root, partitionName string, lightDump bool) *Collector {
	totals := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name),
			help, []string{"partition"}, nil)
	}
	perBucket := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bucket", name),
			help, []string{"partition", "slot_size", "direct_map"}, nil)
	}
	return &Collector{
		root:          root,
		partitionName: partitionName,
		lightDump:     lightDump,

		mmappedBytes:       totals("mmapped_bytes", "Address space reserved by the partition."),
		committedBytes:     totals("committed_bytes", "Bytes of committed pages."),
		residentBytes:      totals("resident_bytes", "Bytes resident across all spans."),
		activeBytes:        totals("active_bytes", "Bytes handed out to callers."),
		decommittableBytes: totals("decommittable_bytes", "Resident bytes of empty spans."),
		discardableBytes:   totals("discardable_bytes", "Free whole pages inside live spans."),

		bucketActiveBytes:   perBucket("active_bytes", "Bytes handed out from this bucket."),
		bucketResidentBytes: perBucket("resident_bytes", "Bytes resident in this bucket."),
		bucketFullSpans:     perBucket("full_spans", "Slot spans with no free slots."),
		bucketActiveSpans:   perBucket("active_spans", "Slot spans with free slots."),
		bucketEmptySpans:    perBucket("empty_spans", "Fully free, still committed slot spans."),
		bucketDecommitted:   perBucket("decommitted_spans", "Fully free, decommitted slot spans."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mmappedBytes
	ch <- c.committedBytes
	ch <- c.residentBytes
	ch <- c.activeBytes
	ch <- c.decommittableBytes
	ch <- c.discardableBytes
	ch <- c.bucketActiveBytes
	ch <- c.bucketResidentBytes
	ch <- c.bucketFullSpans
	ch <- c.bucketActiveSpans
	ch <- c.bucketEmptySpans
	ch <- c.bucketDecommitted
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.root.DumpStats(c.partitionName, c.lightDump, &dumper{c: c, ch: ch})
}

// dumper adapts one scrape's metric channel to the stats walker.
type dumper struct {
	c  *Collector
	ch chan<- prometheus.Metric
}

func (d *dumper) DumpBucketStats(partitionName string, stats *partition.BucketMemoryStats) {
	slotSize := strconv.FormatUint(stats.BucketSlotSize, 10)
	directMap := strconv.FormatBool(stats.IsDirectMap)
	gauge := func(desc *prometheus.Desc, v uint64) {
		d.ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue,
			float64(v), partitionName, slotSize, directMap)
	}
	gauge(d.c.bucketActiveBytes, stats.ActiveBytes)
	gauge(d.c.bucketResidentBytes, stats.ResidentBytes)
	gauge(d.c.bucketFullSpans, stats.NumFullSpans)
	gauge(d.c.bucketActiveSpans, stats.NumActiveSpans)
	gauge(d.c.bucketEmptySpans, stats.NumEmptySpans)
	gauge(d.c.bucketDecommitted, stats.NumDecommittedSpans)
}

func (d *dumper) DumpTotals(partitionName string, stats *partition.MemoryStats) {
	gauge := func(desc *prometheus.Desc, v uint64) {
		d.ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue,
			float64(v), partitionName)
	}
	gauge(d.c.mmappedBytes, stats.TotalMmappedBytes)
	gauge(d.c.committedBytes, stats.TotalCommittedBytes)
	gauge(d.c.residentBytes, stats.TotalResidentBytes)
	gauge(d.c.activeBytes, stats.TotalActiveBytes)
	gauge(d.c.decommittableBytes, stats.TotalDecommittableBytes)
	gauge(d.c.discardableBytes, stats.TotalDiscardableBytes)
}
