// Package metrics provides the engine's prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector records engine metrics. A nil *Collector records nothing.
type Collector struct {
	dequeued    *prometheus.CounterVec
	polls       *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activities  *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates the collectors and registers them on reg. Collectors
// already registered by another engine on the same registerer are shared.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.dequeued = register(c, reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dequeued_total",
			Help:      "Workflows leased by this process",
		},
		[]string{"worker_group"},
	))

	c.polls = register(c, reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Dequeue calls, by whether anything was leased",
		},
		[]string{"worker_group", "result"},
	))

	c.runs = register(c, reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow polls by outcome (done, failed, suspended, deleted)",
		},
		[]string{"workflow", "outcome"},
	))

	c.runDuration = register(c, reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one workflow poll",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow"},
	))

	c.activities = register(c, reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Activity calls by outcome (executed, failed, replayed)",
		},
		[]string{"workflow", "activity", "outcome"},
	))

	return c
}

func register[T prometheus.Collector](c *Collector, reg prometheus.Registerer, col T) T {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		c.logger.Warn("metric not registered", zap.Error(err))
	}
	return col
}

// RecordDequeue records one dequeue call that leased n workflows.
func (c *Collector) RecordDequeue(workerGroup string, n int) {
	if c == nil {
		return
	}
	result := "empty"
	if n > 0 {
		result = "leased"
		c.dequeued.WithLabelValues(workerGroup).Add(float64(n))
	}
	c.polls.WithLabelValues(workerGroup, result).Inc()
}

// RecordRun records the outcome of one workflow poll.
func (c *Collector) RecordRun(workflow, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(workflow, outcome).Inc()
	if d > 0 {
		c.runDuration.WithLabelValues(workflow).Observe(d.Seconds())
	}
}

// RecordActivity records one activity call.
func (c *Collector) RecordActivity(workflow, activity, outcome string) {
	if c == nil {
		return
	}
	c.activities.WithLabelValues(workflow, activity, outcome).Inc()
}
