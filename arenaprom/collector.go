// Package arenaprom exports arena metrics to Prometheus.
//
// Arenas are single-owner, so the collector never reads an arena during a
// scrape. The owner pushes snapshots with Observe, and released arenas report
// their final numbers through the hook returned by ReleaseHook.
package arenaprom

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pavanmanishd/dynarena"
)

// Collector is a prometheus.Collector over arena snapshots.
type Collector struct {
	mu       sync.Mutex
	live     map[uint64]dynarena.Metrics
	releases float64
	dtorsRun float64
	failures float64
	released float64 // bytes handed back at release

	inUseDesc       *prometheus.Desc
	capacityDesc    *prometheus.Desc
	chunksDesc      *prometheus.Desc
	slabDesc        *prometheus.Desc
	pendingDesc     *prometheus.Desc
	utilizationDesc *prometheus.Desc
	releasesDesc    *prometheus.Desc
	dtorsRunDesc    *prometheus.Desc
	failuresDesc    *prometheus.Desc
	releasedDesc    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "arena", n) }
	labels := []string{"arena"}
	return &Collector{
		live: make(map[uint64]dynarena.Metrics),

		inUseDesc:       prometheus.NewDesc(name("bytes_in_use"), "Bytes placed in chunk memory.", labels, nil),
		capacityDesc:    prometheus.NewDesc(name("capacity_bytes"), "Total bytes held in chunks and slabs.", labels, nil),
		chunksDesc:      prometheus.NewDesc(name("chunks"), "Number of chunks.", labels, nil),
		slabDesc:        prometheus.NewDesc(name("slab_bytes"), "Bytes placed in typed slabs.", labels, nil),
		pendingDesc:     prometheus.NewDesc(name("destructors_pending"), "Destructors waiting for release.", labels, nil),
		utilizationDesc: prometheus.NewDesc(name("utilization_ratio"), "Ratio of used to total chunk capacity.", labels, nil),
		releasesDesc:    prometheus.NewDesc(name("releases_total"), "Arenas released.", nil, nil),
		dtorsRunDesc:    prometheus.NewDesc(name("destructors_run_total"), "Destructors run by released arenas.", nil, nil),
		failuresDesc:    prometheus.NewDesc(name("destructor_failures_total"), "Destructors that failed or panicked.", nil, nil),
		releasedDesc:    prometheus.NewDesc(name("released_bytes_total"), "Bytes handed back by released arenas.", nil, nil),
	}
}

// Observe records the current state of a. It must be called from the
// goroutine that owns a.
func (c *Collector) Observe(a *dynarena.Arena) {
	m := a.Metrics()
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Released {
		delete(c.live, m.ID)
		return
	}
	c.live[m.ID] = m
}

// ReleaseHook returns an arena option that reports the final snapshot of
// the arena to c.
func (c *Collector) ReleaseHook() dynarena.Option {
	return dynarena.WithReleaseHook(c.OnRelease)
}

// OnRelease accounts for a released arena.
func (c *Collector) OnRelease(m dynarena.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, m.ID)
	c.releases++
	c.dtorsRun += float64(m.DestructorsRun)
	c.failures += float64(m.DestructorFailures)
	c.released += float64(m.Capacity + m.SlabCapacity)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.inUseDesc
	descs <- c.capacityDesc
	descs <- c.chunksDesc
	descs <- c.slabDesc
	descs <- c.pendingDesc
	descs <- c.utilizationDesc
	descs <- c.releasesDesc
	descs <- c.dtorsRunDesc
	descs <- c.failuresDesc
	descs <- c.releasedDesc
}

// Collect emits the last observed snapshot of every live arena and the
// totals of released ones.
func (c *Collector) Collect(m chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.live {
		label := arenaLabel(s)
		m <- prometheus.MustNewConstMetric(c.inUseDesc, prometheus.GaugeValue, float64(s.SizeInUse), label)
		m <- prometheus.MustNewConstMetric(c.capacityDesc, prometheus.GaugeValue, float64(s.Capacity+s.SlabCapacity), label)
		m <- prometheus.MustNewConstMetric(c.chunksDesc, prometheus.GaugeValue, float64(s.NumChunks+s.SlabChunks), label)
		m <- prometheus.MustNewConstMetric(c.slabDesc, prometheus.GaugeValue, float64(s.SlabBytes), label)
		m <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(s.Destructors), label)
		m <- prometheus.MustNewConstMetric(c.utilizationDesc, prometheus.GaugeValue, s.Utilization, label)
	}
	m <- prometheus.MustNewConstMetric(c.releasesDesc, prometheus.CounterValue, c.releases)
	m <- prometheus.MustNewConstMetric(c.dtorsRunDesc, prometheus.CounterValue, c.dtorsRun)
	m <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, c.failures)
	m <- prometheus.MustNewConstMetric(c.releasedDesc, prometheus.CounterValue, c.released)
}

// arenaLabel is the arena's name, or its id when unnamed.
func arenaLabel(m dynarena.Metrics) string {
	if m.Name != "" {
		return m.Name
	}
	return "#" + strconv.FormatUint(m.ID, 10)
}
