// Package metrics records command execution outcomes. The Prometheus
// recorder is the production exporter; the expvar recorder keeps process-local
// totals for deployments without a scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder observes execution-manager operations.
type Recorder interface {
	// Observe records one operation outcome.
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	// ObserveBuckets records how many executor buckets an operation fanned out to.
	ObserveBuckets(ctx context.Context, operation string, buckets int)
}

// Noop discards observations.
type Noop struct{}

// Observe implements Recorder.
func (Noop) Observe(context.Context, string, bool, time.Duration) {}

// ObserveBuckets implements Recorder.
func (Noop) ObserveBuckets(context.Context, string, int) {}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Prometheus exports command counters and latency histograms.
type Prometheus struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
	buckets  *prometheus.HistogramVec
}

// NewPrometheus creates the collectors under namespace and registers them with
// reg. A collector already registered by an earlier call is reused.
func NewPrometheus(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	if namespace == "" {
		namespace = "warehouse"
	}
	p := &Prometheus{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Execution manager operations by operation and status.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Execution manager operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		buckets: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_buckets",
			Help:      "Executor buckets per operation.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}, []string{"operation"}),
	}
	var err error
	if p.commands, err = register(reg, p.commands); err != nil {
		return nil, err
	}
	if p.duration, err = register(reg, p.duration); err != nil {
		return nil, err
	}
	if p.buckets, err = register(reg, p.buckets); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe implements Recorder.
func (p *Prometheus) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	p.commands.WithLabelValues(operation, status(success)).Inc()
	p.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveBuckets implements Recorder.
func (p *Prometheus) ObserveBuckets(_ context.Context, operation string, buckets int) {
	p.buckets.WithLabelValues(operation).Observe(float64(buckets))
}
