package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "nexusrag",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// RunMetrics collects run-engine (C12) lifecycle and streaming metrics.
type RunMetrics struct {
	RunsStartedTotal     *prometheus.CounterVec
	RunsCompletedTotal   *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	StreamEventsTotal    *prometheus.CounterVec
	StreamHeartbeatsSent prometheus.Counter
}

// NewRunMetrics builds the run-engine collector set.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		RunsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Runs admitted into the run engine.",
		}, []string{"tenant_id"}),
		RunsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "run",
			Name:      "completed_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"tenant_id", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexusrag",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a run from accepted to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "run",
			Name:      "stream_events_total",
			Help:      "SSE events emitted by the run engine, by event type.",
		}, []string{"event_type"}),
		StreamHeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "run",
			Name:      "stream_heartbeats_total",
			Help:      "SSE heartbeat frames sent across all active runs.",
		}),
	}
}

// Collectors returns every metric so callers can register them in one call.
func (m *RunMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunsStartedTotal,
		m.RunsCompletedTotal,
		m.RunDuration,
		m.StreamEventsTotal,
		m.StreamHeartbeatsSent,
	}
}

// IngestMetrics collects ingestion pipeline (C13) job metrics.
type IngestMetrics struct {
	JobsEnqueuedTotal  *prometheus.CounterVec
	JobsFinishedTotal  *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	ChunksWrittenTotal prometheus.Counter
}

// NewIngestMetrics builds the ingestion collector set.
func NewIngestMetrics() *IngestMetrics {
	return &IngestMetrics{
		JobsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "ingest",
			Name:      "jobs_enqueued_total",
			Help:      "Ingestion jobs enqueued.",
		}, []string{"tenant_id"}),
		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "ingest",
			Name:      "jobs_finished_total",
			Help:      "Ingestion jobs that reached a terminal state.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexusrag",
			Subsystem: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Ingestion job processing time, from claim to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		ChunksWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "ingest",
			Name:      "chunks_written_total",
			Help:      "Document chunks written across all ingestion jobs.",
		}),
	}
}

// Collectors returns every metric so callers can register them in one call.
func (m *IngestMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobsEnqueuedTotal,
		m.JobsFinishedTotal,
		m.JobDuration,
		m.ChunksWrittenTotal,
	}
}

// GovernanceMetrics collects rate-limit, quota, kill-switch, and failover
// signals (C5, C7, C10, C15) that operators watch for noisy-neighbor and
// fail-open/closed behavior.
type GovernanceMetrics struct {
	RateLimitRejectedTotal *prometheus.CounterVec
	RateLimitFailOpenTotal *prometheus.CounterVec
	QuotaExceededTotal     *prometheus.CounterVec
	KillSwitchBlockedTotal *prometheus.CounterVec
	FailoverTransitions    *prometheus.CounterVec
}

// NewGovernanceMetrics builds the admission-control collector set.
func NewGovernanceMetrics() *GovernanceMetrics {
	return &GovernanceMetrics{
		RateLimitRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the token bucket rate limiter.",
		}, []string{"scope", "route_class"}),
		RateLimitFailOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Requests admitted because the rate limiter backend was unavailable.",
		}, []string{"scope"}),
		QuotaExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "quota",
			Name:      "exceeded_total",
			Help:      "Requests blocked or flagged by quota caps.",
		}, []string{"tenant_id", "period", "mode"}),
		KillSwitchBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "killswitch",
			Name:      "blocked_total",
			Help:      "Requests blocked by an active kill switch or write freeze.",
		}, []string{"switch_name"}),
		FailoverTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusrag",
			Subsystem: "failover",
			Name:      "transitions_total",
			Help:      "Failover control plane state transitions.",
		}, []string{"from_state", "to_state"}),
	}
}

// Collectors returns every metric so callers can register them in one call.
func (m *GovernanceMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RateLimitRejectedTotal,
		m.RateLimitFailOpenTotal,
		m.QuotaExceededTotal,
		m.KillSwitchBlockedTotal,
		m.FailoverTransitions,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional domain-specific
// collectors passed in.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
