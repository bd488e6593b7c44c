// Package metrics exposes Prometheus instrumentation for the FTL
// core, grounded on how talyz-systemd_exporter and lesovsky-pgscv
// register gauges/counters with github.com/prometheus/client_golang
// and scrape values from a live subsystem on each collect.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oichkatzele/flashftl/abm"
	"github.com/oichkatzele/flashftl/allocator"
	"github.com/oichkatzele/flashftl/recycle"
)

// Source is the narrow view of driver state metrics needs to sample.
type Source interface {
	NrFree() int
	NrTotal() int
	NrDirty4KB() int
	PoolPercent() int
	RecycleRuns() int
}

// abmSource adapts *abm.ABM, *allocator.Allocator, and *recycle.Engine
// into a Source.
type abmSource struct {
	a   *abm.ABM
	al  *allocator.Allocator
	rec *recycle.Engine
}

func (s abmSource) NrFree() int        { return s.a.NrFree() }
func (s abmSource) NrTotal() int       { return s.a.NrTotal() }
func (s abmSource) NrDirty4KB() int    { return s.a.NrDirty4KB() }
func (s abmSource) PoolPercent() int   { return s.al.PoolPercent() }
func (s abmSource) RecycleRuns() int   { return s.rec.Runs() }

// NewSource builds a metrics Source over an ABM, allocator, and
// recycle engine.
func NewSource(a *abm.ABM, al *allocator.Allocator, rec *recycle.Engine) Source {
	return abmSource{a: a, al: al, rec: rec}
}

// Collector implements prometheus.Collector over a Source, plus the
// monotonic GC run counter cmd/ftlsim bumps directly.
type Collector struct {
	src Source

	freeBlocks  *prometheus.Desc
	totalBlocks *prometheus.Desc
	dirty4kb    *prometheus.Desc
	poolPercent *prometheus.Desc
	recycleRuns *prometheus.Desc

	GCRuns prometheus.Counter
}

// New builds a Collector sampling src on every Prometheus scrape.
func New(src Source) *Collector {
	return &Collector{
		src:         src,
		freeBlocks:  prometheus.NewDesc("ftl_free_blocks", "Number of blocks currently FREE.", nil, nil),
		totalBlocks: prometheus.NewDesc("ftl_total_blocks", "Total blocks managed by the ABM.", nil, nil),
		dirty4kb:    prometheus.NewDesc("ftl_dirty4kb_blocks", "Number of blocks in DIRTY_4KB.", nil, nil),
		poolPercent: prometheus.NewDesc("ftl_pool_size_percent", "Current POOL_SIZE used to cap dirty-4KB blocks.", nil, nil),
		recycleRuns: prometheus.NewDesc("ftl_recycle_runs_total", "Total number of recycle passes executed.", nil, nil),
		GCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ftl_gc_runs_total",
			Help: "Total number of do_gc passes executed.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeBlocks
	ch <- c.totalBlocks
	ch <- c.dirty4kb
	ch <- c.poolPercent
	ch <- c.recycleRuns
	c.GCRuns.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.freeBlocks, prometheus.GaugeValue, float64(c.src.NrFree()))
	ch <- prometheus.MustNewConstMetric(c.totalBlocks, prometheus.GaugeValue, float64(c.src.NrTotal()))
	ch <- prometheus.MustNewConstMetric(c.dirty4kb, prometheus.GaugeValue, float64(c.src.NrDirty4KB()))
	ch <- prometheus.MustNewConstMetric(c.poolPercent, prometheus.GaugeValue, float64(c.src.PoolPercent()))
	ch <- prometheus.MustNewConstMetric(c.recycleRuns, prometheus.CounterValue, float64(c.src.RecycleRuns()))
	c.GCRuns.Collect(ch)
}
