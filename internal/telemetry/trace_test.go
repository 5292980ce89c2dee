package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans_NestAndRecordState(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, run := StartRunSpan(context.Background(), "deploy", "run-1")
	ctx, stage := StartStageSpan(ctx, "Build", "sequential")
	_, action := StartActionSpan(ctx, "Build", "Cdk_Synth", "command")
	EndSpan(action, "TIMED_OUT", errors.New("deadline"))
	EndSpan(stage, "FAILED", nil)
	EndSpan(run, "FAILED", nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	a := byName["action.Cdk_Synth"]
	assert.Equal(t, codes.Error, a.Status.Code)
	assert.Equal(t, byName["stage.Build"].SpanContext.SpanID(), a.Parent.SpanID())
	assert.Equal(t, byName["run.deploy"].SpanContext.SpanID(), byName["stage.Build"].Parent.SpanID())
}
