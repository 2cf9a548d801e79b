package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Chorewheel metrics instruments.
type Metrics struct {
	Evaluations    metric.Int64Counter
	RecordChanges  metric.Int64Counter
	DeferredChores metric.Int64Counter
	SweepDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Evaluations, err = meter.Int64Counter("chorewheel.evaluations",
		metric.WithDescription("Reset evaluations by trigger and decision"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordChanges, err = meter.Int64Counter("chorewheel.record_changes",
		metric.WithDescription("Assignee record state changes applied"),
	)
	if err != nil {
		return nil, err
	}

	m.DeferredChores, err = meter.Int64Counter("chorewheel.deferred_chores",
		metric.WithDescription("Chores deferred to the next tick because their lock was held"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("chorewheel.sweep.duration",
		metric.WithDescription("Boundary sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
