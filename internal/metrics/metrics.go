package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_executions_started_total",
			Help: "Total executions created, by mode and launch kind",
		},
		[]string{"mode", "kind"},
	)

	executionsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_executions_terminal_total",
			Help: "Total executions that reached a terminal status",
		},
		[]string{"status"},
	)

	stepExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_step_executions_total",
			Help: "Total step attempts by outcome",
		},
		[]string{"step", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "discovery_step_duration_seconds",
			Help:    "Remote step invocation duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600, 990},
		},
		[]string{"step"},
	)
)

// RecordExecutionStarted increments the execution launch counter.
// kind is "sync" or "async".
func RecordExecutionStarted(mode, kind string) {
	executionsStarted.WithLabelValues(mode, kind).Inc()
}

// RecordExecutionTerminal increments the terminal-status counter.
func RecordExecutionTerminal(status string) {
	executionsTerminal.WithLabelValues(status).Inc()
}

// RecordStep records the outcome and duration of one step attempt.
func RecordStep(step, status string, duration time.Duration) {
	stepExecutions.WithLabelValues(step, status).Inc()
	stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}
