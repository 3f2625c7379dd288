package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "loopsymphony"

// StartTaskSpan starts a span for one task execution.
func StartTaskSpan(ctx context.Context, taskID, instrument string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.instrument", instrument),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within an iteration.
func StartToolCallSpan(ctx context.Context, tool, capability string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.tool", tool),
			attribute.String("toolcall.capability", capability),
		),
	)
}

// StartDelegationSpan starts a span for a cross-room delegation.
func StartDelegationSpan(ctx context.Context, taskID, roomID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delegation",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("room.id", roomID),
		),
	)
}
