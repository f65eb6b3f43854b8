package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitTracerProviderLogsSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test", LogSpans: true}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "fetch GET")
	span.End()

	entries := logs.FilterMessage("span finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "fetch GET", fields["span"])
	require.NotEmpty(t, fields["trace_id"])
}

func TestInitTracerProviderRejectsBadRatio(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1.5}, zap.NewNop())
	require.Error(t, err)
}
