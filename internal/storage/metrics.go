package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kvs"

// Metrics holds the Prometheus collectors of the storage layer.
type Metrics struct {
	ops           *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	compactions   prometheus.Counter
	reclaimed     prometheus.Counter
	compactionDur prometheus.Histogram
}

// NewMetrics creates the storage collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by operation and result.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"op"}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "runs_total",
			Help:      "Completed compactions.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "reclaimed_bytes_total",
			Help:      "Disk bytes freed by compaction.",
		}),
		compactionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "duration_seconds",
			Help:      "Time spent compacting.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.ops, m.latency, m.compactions, m.reclaimed, m.compactionDur)
	return m
}

// RegisterStats exposes the Stats of e as gauges on reg.
func RegisterStats(reg prometheus.Registerer, e Engine) {
	gauge := func(name, help string, value func(Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(e.Stats()) })
	}
	reg.MustRegister(
		gauge("keys", "Live keys.", func(s Stats) float64 { return float64(s.Keys) }),
		gauge("disk_bytes", "Bytes on disk.", func(s Stats) float64 { return float64(s.DiskBytes) }),
		gauge("uncompacted_bytes", "Superseded bytes awaiting compaction.", func(s Stats) float64 { return float64(s.UncompactedBytes) }),
		gauge("generations", "Segment files on disk.", func(s Stats) float64 { return float64(s.Generations) }),
	)
}

func (m *Metrics) observeOp(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) observeCompaction(reclaimed int64, d time.Duration) {
	if m == nil {
		return
	}
	m.compactions.Inc()
	m.reclaimed.Add(float64(reclaimed))
	m.compactionDur.Observe(d.Seconds())
}
