package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline and its fan-out channels.
type Metrics struct {
	CandidatesExtracted prometheus.Counter
	ParseErrors         prometheus.Counter
	EventsInserted      prometheus.Counter
	Duplicates          *prometheus.CounterVec // label: tier={cache,store}

	// Cycle scheduling metrics.
	CyclesRun     prometheus.Counter
	CyclesSkipped prometheus.Counter
	CyclesFailed  prometheus.Counter
	CycleDuration prometheus.Histogram

	// Recency cache metrics.
	CacheRefreshes prometheus.Counter
	CacheErrors    prometheus.Counter

	// Fan-out metrics.
	StreamSubscribers prometheus.Gauge
	BroadcastsSent    prometheus.Counter
	PushSent          prometheus.Counter
	PushPruned        prometheus.Counter
	PushTransient     prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.CandidatesExtracted,
		m.ParseErrors,
		m.EventsInserted,
		m.Duplicates,
		m.CyclesRun,
		m.CyclesSkipped,
		m.CyclesFailed,
		m.CycleDuration,
		m.CacheRefreshes,
		m.CacheErrors,
		m.StreamSubscribers,
		m.BroadcastsSent,
		m.PushSent,
		m.PushPruned,
		m.PushTransient,
	)

	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CandidatesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "candidates_extracted_total",
			Help:      "Total candidate rows parsed from the upstream source.",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "parse_errors_total",
			Help:      "Total upstream rows skipped because of malformed fields.",
		}),
		EventsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "events_inserted_total",
			Help:      "Total genuinely new events persisted.",
		}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "duplicates_total",
			Help:      "Candidates classified as duplicates, by matching tier.",
		}, []string{"tier"}),
		CyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "cycles_run_total",
			Help:      "Total ingestion cycles executed.",
		}),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "cycles_skipped_total",
			Help:      "Ticks dropped because the previous cycle was still running.",
		}),
		CyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "cycles_failed_total",
			Help:      "Cycles that ended with an error.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quakefeed",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete scrape-dedup-persist-fanout cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CacheRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "cache_refreshes_total",
			Help:      "Recency cache rebuilds after cycles that inserted events.",
		}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "cache_errors_total",
			Help:      "Recency cache read/write failures (service degrades, never fails).",
		}),
		StreamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quakefeed",
			Name:      "stream_subscribers",
			Help:      "Currently connected streaming subscribers.",
		}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "broadcasts_sent_total",
			Help:      "New-event batches broadcast to streaming subscribers.",
		}),
		PushSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "push_sent_total",
			Help:      "Push messages accepted by the provider.",
		}),
		PushPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "push_pruned_total",
			Help:      "Device tokens deleted after a permanent provider rejection.",
		}),
		PushTransient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quakefeed",
			Name:      "push_transient_errors_total",
			Help:      "Transient push failures left for the next cycle.",
		}),
	}
}
