package cachetable

import (
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a point-in-time snapshot of the cache manager's process-wide
// status counters (spec.md §9 "Global counters... status counters are
// process-wide... expose a snapshot method").
type Metrics struct {
	Hits   int64
	Misses int64

	EvictionsClean   int64
	EvictionsDirty   int64
	EvictionsPartial int64

	CheckpointsRun int64

	// CachePressureMean/P99 summarize the distribution of CachePressure
	// scores sampled by the cleaner's scan, for spotting a workload whose
	// pressure callback has drifted.
	CachePressureMean int64
	CachePressureP99  int64
}

// metricsCollector is the live, mutable counters backing Stats(). All
// counters are atomics; the histogram is guarded by its own mutex since
// hdrhistogram.Histogram is not safe for concurrent RecordValue calls.
type metricsCollector struct {
	hits   atomic.Int64
	misses atomic.Int64

	evictClean   atomic.Int64
	evictDirty   atomic.Int64
	evictPartial atomic.Int64

	checkpointsRun atomic.Int64

	scoreMu sync.Mutex
	scores  *hdrhistogram.Histogram
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		// Cache-pressure scores are client-defined non-negative integers;
		// 1<<32 comfortably covers any plausible score without the
		// histogram itself becoming a size concern.
		scores: hdrhistogram.New(0, 1<<32, 3),
	}
}

func (m *metricsCollector) recordPressureScore(score int64) {
	if score <= 0 {
		return
	}
	m.scoreMu.Lock()
	_ = m.scores.RecordValue(score)
	m.scoreMu.Unlock()
}

func (m *metricsCollector) snapshot() Metrics {
	m.scoreMu.Lock()
	mean := int64(m.scores.Mean())
	p99 := m.scores.ValueAtQuantile(99)
	m.scoreMu.Unlock()

	return Metrics{
		Hits:              m.hits.Load(),
		Misses:            m.misses.Load(),
		EvictionsClean:    m.evictClean.Load(),
		EvictionsDirty:    m.evictDirty.Load(),
		EvictionsPartial:  m.evictPartial.Load(),
		CheckpointsRun:    m.checkpointsRun.Load(),
		CachePressureMean: mean,
		CachePressureP99:  p99,
	}
}

// Stats returns a snapshot of the cache manager's status counters.
func (cm *CacheManager) Stats() Metrics {
	return cm.metrics.snapshot()
}

var (
	hitsDesc             = prometheus.NewDesc("cachetable_hits_total", "Pin calls that found a resident page.", nil, nil)
	missesDesc           = prometheus.NewDesc("cachetable_misses_total", "Pin calls that dispatched a fetch.", nil, nil)
	evictionsCleanDesc   = prometheus.NewDesc("cachetable_evictions_clean_total", "Full evictions of a clean page.", nil, nil)
	evictionsDirtyDesc   = prometheus.NewDesc("cachetable_evictions_dirty_total", "Full evictions requiring a write-back.", nil, nil)
	evictionsPartialDesc = prometheus.NewDesc("cachetable_evictions_partial_total", "Partial evictions.", nil, nil)
	checkpointsRunDesc   = prometheus.NewDesc("cachetable_checkpoints_run_total", "Completed begin/end checkpoint cycles.", nil, nil)
)

// PrometheusCollector adapts a CacheManager's counters to
// prometheus.Collector, wrapping the same atomics Stats() reads rather than
// maintaining a second set of counters.
type PrometheusCollector struct {
	cm *CacheManager
}

// NewPrometheusCollector constructs a Collector for cm. Register it with a
// prometheus.Registry the usual way; it is optional — Stats() alone is
// enough for callers that don't use Prometheus.
func NewPrometheusCollector(cm *CacheManager) *PrometheusCollector {
	return &PrometheusCollector{cm: cm}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hitsDesc
	ch <- missesDesc
	ch <- evictionsCleanDesc
	ch <- evictionsDirtyDesc
	ch <- evictionsPartialDesc
	ch <- checkpointsRunDesc
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.cm.Stats()
	ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(evictionsCleanDesc, prometheus.CounterValue, float64(s.EvictionsClean))
	ch <- prometheus.MustNewConstMetric(evictionsDirtyDesc, prometheus.CounterValue, float64(s.EvictionsDirty))
	ch <- prometheus.MustNewConstMetric(evictionsPartialDesc, prometheus.CounterValue, float64(s.EvictionsPartial))
	ch <- prometheus.MustNewConstMetric(checkpointsRunDesc, prometheus.CounterValue, float64(s.CheckpointsRun))
}
