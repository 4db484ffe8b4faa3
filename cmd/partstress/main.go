// partstress exercises a partition root with a randomized alloc/free/realloc
// workload, periodically purging and dumping statistics. It doubles as a
// smoke test for the allocator and, with --web.listen-address, as a live
// Prometheus endpoint for watching bucket behavior under load.
package main

import (
	"math/rand"
	"net/http"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/partitionalloc/partitionalloc/partition"
	"github.com/partitionalloc/partitionalloc/partition/partitionprom"
)

var (
	listenAddress = kingpin.Flag("web.listen-address", "Address to expose Prometheus metrics on; empty disables the endpoint.").Default("").String()
	workers       = kingpin.Flag("stress.workers", "Concurrent allocation workers.").Default("4").Int()
	liveBlocks    = kingpin.Flag("stress.live-blocks", "Live blocks each worker cycles through.").Default("1024").Int()
	maxSize       = kingpin.Flag("stress.max-size", "Exclusive upper bound on random allocation sizes in bytes.").Default("65536").Uint64()
	directEvery   = kingpin.Flag("stress.direct-map-every", "Make an allocation falling on every Nth operation direct-map sized; 0 disables.").Default("4096").Int()
	purgeInterval = kingpin.Flag("stress.purge-interval", "Interval between PurgeMemory calls.").Default("5s").Duration()
	duration      = kingpin.Flag("stress.duration", "How long to run; 0 runs until interrupted.").Default("30s").Duration()
	useCage       = kingpin.Flag("stress.address-cage", "Serve super pages from the process-global address cage.").Bool()
	logLevel      = kingpin.Flag("log.level", "Log level: debug, info, warn, error.").Default("info").String()
)

func main() {
	kingpin.Version("partstress 1.1.0")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("bad --log.level")
	}
	logrus.SetLevel(level)

	partition.UseAddressCage = *useCage
	partition.GlobalInit(func(size uintptr) {
		logrus.WithField("request_bytes", size).Error("allocator out of memory")
	})
	root := partition.NewRoot()

	if *listenAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(partitionprom.NewCollector(root, "stress", false))
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logrus.WithField("address", *listenAddress).Info("serving metrics")
			if err := http.ListenAndServe(*listenAddress, nil); err != nil {
				logrus.WithError(err).Fatal("metrics endpoint failed")
			}
		}()
	}

	deadline := time.Time{}
	if *duration > 0 {
		deadline = time.Now().Add(*duration)
	}

	done := make(chan struct{}, *workers)
	for w := 0; w < *workers; w++ {
		go stressWorker(root, w, deadline, done)
	}

	purgeTicker := time.NewTicker(*purgeInterval)
	defer purgeTicker.Stop()
	finished := 0
	for finished < *workers {
		select {
		case <-purgeTicker.C:
			root.PurgeMemory(partition.PurgeDecommitEmptyPages | partition.PurgeDiscardUnusedSystemPages)
			logrus.Debug("purged")
		case <-done:
			finished++
		}
	}

	root.DumpStats("stress", false, &logDumper{})
}

func stressWorker(root *partition.Root, id int, deadline time.Time, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	rng := rand.New(rand.NewSource(int64(id) + 1))
	blocks := make([]unsafe.Pointer, *liveBlocks)
	sizes := make([]uintptr, *liveBlocks)
	ops := 0
	for deadline.IsZero() || time.Now().Before(deadline) {
		i := rng.Intn(len(blocks))
		switch {
		case blocks[i] == nil:
			size := uintptr(rng.Uint64() % *maxSize)
			if *directEvery > 0 && ops%*directEvery == 0 {
				size = uintptr(1+rng.Intn(2)) << 20
			}
			blocks[i] = root.AllocFlags(partition.AllocZeroFill, size, "stress.block")
			sizes[i] = size
		case rng.Intn(4) == 0:
			newSize := uintptr(rng.Uint64() % *maxSize)
			blocks[i] = root.Realloc(blocks[i], newSize, "stress.block")
			sizes[i] = newSize
		default:
			root.Free(blocks[i])
			blocks[i] = nil
		}
		ops++
	}
	for i, p := range blocks {
		if p != nil {
			root.Free(p)
			blocks[i] = nil
		}
	}
	logrus.WithFields(logrus.Fields{"worker": id, "ops": ops}).Info("worker finished")
}

// logDumper prints the final walk through logrus.
type logDumper struct{}

func (d *logDumper) DumpBucketStats(name string, stats *partition.BucketMemoryStats) {
	logrus.WithFields(logrus.Fields{
		"partition":    name,
		"slot_size":    stats.BucketSlotSize,
		"direct_map":   stats.IsDirectMap,
		"active_bytes": stats.ActiveBytes,
		"resident":     stats.ResidentBytes,
		"full":         stats.NumFullSpans,
		"active":       stats.NumActiveSpans,
		"empty":        stats.NumEmptySpans,
		"decommitted":  stats.NumDecommittedSpans,
	}).Info("bucket")
}

func (d *logDumper) DumpTotals(name string, stats *partition.MemoryStats) {
	logrus.WithFields(logrus.Fields{
		"partition": name,
		"mmapped":   stats.TotalMmappedBytes,
		"committed": stats.TotalCommittedBytes,
		"resident":  stats.TotalResidentBytes,
		"active":    stats.TotalActiveBytes,
	}).Info("totals")
}
