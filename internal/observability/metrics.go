package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runtimeMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	policyChecksTotal *prometheus.CounterVec
	policyBlocksTotal *prometheus.CounterVec

	verificationTotal    *prometheus.CounterVec
	verificationDuration prometheus.Histogram

	truncationsTotal       prometheus.Counter
	truncatedMessagesTotal prometheus.Counter

	spansStartedTotal *prometheus.CounterVec
	spansSealedTotal  *prometheus.CounterVec

	artifactPutsTotal  *prometheus.CounterVec
	artifactBytesTotal prometheus.Counter

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelRetriesTotal *prometheus.CounterVec

	parallelBatchSize prometheus.Histogram
	serialDemotions   prometheus.Counter

	activeSessions          prometheus.Gauge
	sessionArchiveDuration  prometheus.Histogram
	loopStepsTotal          *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *runtimeMetrics
)

func getMetrics() *runtimeMetrics {
	metricsOnce.Do(func() {
		m := &runtimeMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			policyChecksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "policy_checks_total",
					Help: "Total policy checker evaluations by checker and outcome.",
				},
				[]string{"checker", "outcome"},
			),
			policyBlocksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "policy_blocks_total",
					Help: "Total tool calls vetoed by policy, by checker.",
				},
				[]string{"checker"},
			),
			verificationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "verification_total",
					Help: "Total contract verifications by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			verificationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "verification_duration_seconds",
					Help:    "Contract verification duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			truncationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "context_truncations_total",
					Help: "Total context window truncation events.",
				},
			),
			truncatedMessagesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "context_truncated_messages_total",
					Help: "Total messages dropped by context truncation.",
				},
			),
			spansStartedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "trace_spans_started_total",
					Help: "Total spans recorded as pending, by kind.",
				},
				[]string{"kind"},
			),
			spansSealedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "trace_spans_sealed_total",
					Help: "Total spans sealed, by kind and status.",
				},
				[]string{"kind", "status"},
			),
			artifactPutsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "artifact_puts_total",
					Help: "Total artifact store puts by outcome (stored, deduplicated).",
				},
				[]string{"outcome"},
			),
			artifactBytesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "artifact_bytes_total",
					Help: "Total bytes written to the artifact store.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_retries_total",
					Help: "Total model call retries by provider.",
				},
				[]string{"provider"},
			),
			parallelBatchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parallel_batch_size",
					Help:    "Tool calls per parallel batch.",
					Buckets: []float64{1, 2, 4, 8, 16, 32},
				},
			),
			serialDemotions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "parallel_serial_demotions_total",
					Help: "Total call pairs demoted to serial execution by conflict.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current archived session count.",
				},
			),
			sessionArchiveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_archive_duration_seconds",
					Help:    "Session archive write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			loopStepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_loop_steps_total",
					Help: "Total agent loop steps by terminal outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.policyChecksTotal,
			m.policyBlocksTotal,
			m.verificationTotal,
			m.verificationDuration,
			m.truncationsTotal,
			m.truncatedMessagesTotal,
			m.spansStartedTotal,
			m.spansSealedTotal,
			m.artifactPutsTotal,
			m.artifactBytesTotal,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelRetriesTotal,
			m.parallelBatchSize,
			m.serialDemotions,
			m.activeSessions,
			m.sessionArchiveDuration,
			m.loopStepsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordPolicyCheck(checker string, passed bool) {
	m := getMetrics()
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.policyChecksTotal.WithLabelValues(checker, outcome).Inc()
}

func RecordPolicyBlock(checker string) {
	getMetrics().policyBlocksTotal.WithLabelValues(checker).Inc()
}

func RecordVerification(tool string, duration time.Duration, allPassed bool) {
	m := getMetrics()
	outcome := "failed"
	if allPassed {
		outcome = "passed"
	}
	m.verificationTotal.WithLabelValues(tool, outcome).Inc()
	m.verificationDuration.Observe(duration.Seconds())
}

func RecordTruncation(droppedMessages int) {
	m := getMetrics()
	m.truncationsTotal.Inc()
	m.truncatedMessagesTotal.Add(float64(droppedMessages))
}

func RecordSpanStarted(kind string) {
	getMetrics().spansStartedTotal.WithLabelValues(kind).Inc()
}

func RecordSpanSealed(kind string, status string) {
	getMetrics().spansSealedTotal.WithLabelValues(kind, status).Inc()
}

func RecordArtifactPut(bytes int, deduplicated bool) {
	m := getMetrics()
	outcome := "stored"
	if deduplicated {
		outcome = "deduplicated"
	} else {
		m.artifactBytesTotal.Add(float64(bytes))
	}
	m.artifactPutsTotal.WithLabelValues(outcome).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordModelRetry(provider string) {
	getMetrics().modelRetriesTotal.WithLabelValues(provider).Inc()
}

func RecordParallelBatch(size int, demotedPairs int) {
	m := getMetrics()
	m.parallelBatchSize.Observe(float64(size))
	if demotedPairs > 0 {
		m.serialDemotions.Add(float64(demotedPairs))
	}
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionArchive(duration time.Duration) {
	getMetrics().sessionArchiveDuration.Observe(duration.Seconds())
}

func RecordLoopOutcome(outcome string) {
	getMetrics().loopStepsTotal.WithLabelValues(outcome).Inc()
}
