// Package telemetry creates OpenTelemetry spans for runs, stages and actions.
//
// Spans are created from the globally registered TracerProvider, so tracing
// is a no-op unless the embedding program installs an SDK provider.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "stageflow"

func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// StartRunSpan creates the root span of a pipeline run.
func StartRunSpan(ctx context.Context, pipeline, runID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "run."+pipeline)
	span.SetAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("run_id", runID),
	)
	return ctx, span
}

// StartStageSpan creates a span for one stage.
func StartStageSpan(ctx context.Context, stage, policy string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "stage."+stage)
	span.SetAttributes(
		attribute.String("stage", stage),
		attribute.String("policy", policy),
	)
	return ctx, span
}

// StartActionSpan creates a span for one action.
func StartActionSpan(ctx context.Context, stage, action, procedure string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "action."+action)
	span.SetAttributes(
		attribute.String("stage", stage),
		attribute.String("action", action),
		attribute.String("procedure", procedure),
	)
	return ctx, span
}

// EndSpan records the terminal state and error, then ends span.
func EndSpan(span trace.Span, state string, err error) {
	span.SetAttributes(attribute.String("state", state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
