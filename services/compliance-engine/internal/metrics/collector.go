package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amu_compliance"

// Collector holds the service's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	alertsCreated      *prometheus.CounterVec
	alertsDeduplicated *prometheus.CounterVec
	alertTransitions   *prometheus.CounterVec
	alertPublishErrors prometheus.Counter

	traceAppends       *prometheus.CounterVec
	chainConflicts     prometheus.Counter
	chainVerifications *prometheus.CounterVec

	administrations    *prometheus.CounterVec
	withdrawalLookups  *prometheus.CounterVec
	evaluationDuration prometheus.Histogram

	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
}

// NewCollector registers every metric with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		alertsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "Alerts persisted, by type and severity",
			},
			[]string{"type", "severity"},
		),
		alertsDeduplicated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_deduplicated_total",
				Help:      "Alert drafts collapsed into an open alert with the same fingerprint",
			},
			[]string{"type"},
		),
		alertTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_transitions_total",
				Help:      "Alert status transitions, by action and resulting status",
			},
			[]string{"action", "status"},
		),
		alertPublishErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_publish_errors_total",
				Help:      "Alerts that could not be published downstream",
			},
		),
		traceAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trace_appends_total",
				Help:      "Traceability events appended, by event type",
			},
			[]string{"event_type"},
		),
		chainConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_conflicts_total",
				Help:      "Concurrent append races detected and retried",
			},
		),
		chainVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_verifications_total",
				Help:      "Chain verifications, by result",
			},
			[]string{"result"},
		),
		administrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "administrations_recorded_total",
				Help:      "Antimicrobial administrations recorded, by species",
			},
			[]string{"species"},
		),
		withdrawalLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "withdrawal_lookups_total",
				Help:      "Withdrawal rule lookups, by result (found, missing, degraded)",
			},
			[]string{"result"},
		),
		evaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Time spent evaluating an administration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		tasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_tasks_total",
				Help:      "Scheduled task executions, by task and status",
			},
			[]string{"task", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduled_task_duration_seconds",
				Help:      "Scheduled task execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task"},
		),
	}
}

func (c *Collector) RecordAlertCreated(alertType, severity string) {
	if c == nil {
		return
	}
	c.alertsCreated.WithLabelValues(alertType, severity).Inc()
}

func (c *Collector) RecordAlertDeduplicated(alertType string) {
	if c == nil {
		return
	}
	c.alertsDeduplicated.WithLabelValues(alertType).Inc()
}

func (c *Collector) RecordAlertTransition(action, status string) {
	if c == nil {
		return
	}
	c.alertTransitions.WithLabelValues(action, status).Inc()
}

func (c *Collector) RecordAlertPublishError() {
	if c == nil {
		return
	}
	c.alertPublishErrors.Inc()
}

func (c *Collector) RecordTraceAppend(eventType string) {
	if c == nil {
		return
	}
	c.traceAppends.WithLabelValues(eventType).Inc()
}

func (c *Collector) RecordChainConflict() {
	if c == nil {
		return
	}
	c.chainConflicts.Inc()
}

func (c *Collector) RecordChainVerification(valid bool) {
	if c == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	c.chainVerifications.WithLabelValues(result).Inc()
}

func (c *Collector) RecordAdministration(species string) {
	if c == nil {
		return
	}
	c.administrations.WithLabelValues(species).Inc()
}

func (c *Collector) RecordWithdrawalLookup(result string) {
	if c == nil {
		return
	}
	c.withdrawalLookups.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveEvaluation(duration time.Duration) {
	if c == nil {
		return
	}
	c.evaluationDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordTaskExecution(task, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksExecuted.WithLabelValues(task, status).Inc()
	c.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}
