package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_CreatesInstruments(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotNil(t, m.DocumentsIngested)
	assert.NotNil(t, m.GenerationDuration)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordIngest(ctx, "txt", "ok", time.Second)
		m.RecordPassages(ctx, "embedded", 3)
		m.RecordRetrieval(ctx, 2, time.Millisecond)
		m.RecordGeneration(ctx, "openai", "stop_sequence", 12, time.Second)
	})
}

func TestNew_GlobalProvider(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordIngest(ctx, "pdf", "failed", time.Second)
		m.RecordPassages(ctx, "failed", 1)
		m.RecordRetrieval(ctx, 0, 0)
		m.RecordGeneration(ctx, "ollama", "error", 0, 0)
	})
}
