package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "loopsymphony"

// Metrics holds all Loop Symphony metric instruments.
type Metrics struct {
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksCancelled metric.Int64Counter
	ToolCalls      metric.Int64Counter
	Failovers      metric.Int64Counter
	TaskIterations metric.Int64Histogram
	TaskDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("loopsymphony.tasks.started",
		metric.WithDescription("Number of tasks started"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("loopsymphony.tasks.completed",
		metric.WithDescription("Number of tasks reaching a successful outcome"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("loopsymphony.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("loopsymphony.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("loopsymphony.toolcalls",
		metric.WithDescription("Number of tool calls"))
	if err != nil {
		return nil, err
	}

	m.Failovers, err = meter.Int64Counter("loopsymphony.failovers",
		metric.WithDescription("Number of room delegation failovers"))
	if err != nil {
		return nil, err
	}

	m.TaskIterations, err = meter.Int64Histogram("loopsymphony.task.iterations",
		metric.WithDescription("Iterations per terminal task"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("loopsymphony.task.duration_seconds",
		metric.WithDescription("Task duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
