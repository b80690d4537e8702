package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronoq/chronoq/job"
)

// tracerName is the instrumentation scope name for chronoq tracing.
const tracerName = "github.com/chronoq/chronoq"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: chronoq.job.id, chronoq.job.kind,
// chronoq.partition_key, chronoq.attempt, and the task endpoint. On error,
// the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "chronoq.task.execute",
			trace.WithAttributes(
				attribute.String("chronoq.job.id", j.ID.String()),
				attribute.String("chronoq.job.kind", string(j.Kind)),
				attribute.String("chronoq.partition_key", j.PartitionKey),
				attribute.Int("chronoq.attempt", j.AttemptCount+1),
				attribute.String("chronoq.task.url", j.Task.URL),
				attribute.String("chronoq.task.method", j.Task.Method),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
