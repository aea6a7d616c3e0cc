// Package telemetry records ingestion, retrieval and generation metrics
// through OpenTelemetry. Without an installed MeterProvider the global
// no-op provider is used and recording costs nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bull/offline-rag"

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	DocumentsIngested  metric.Int64Counter
	PassagesProcessed  metric.Int64Counter
	IngestDuration     metric.Float64Histogram
	RetrievalDuration  metric.Float64Histogram
	RetrievalResults   metric.Int64Histogram
	GenerationsTotal   metric.Int64Counter
	GeneratedTokens    metric.Int64Counter
	GenerationDuration metric.Float64Histogram
}

// New creates the instruments on meter. A nil meter uses the global provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	documentsIngested, err := meter.Int64Counter(
		"rag.documents.ingested",
		metric.WithDescription("Documents processed by ingestion, by status"),
	)
	if err != nil {
		return nil, err
	}

	passagesProcessed, err := meter.Int64Counter(
		"rag.passages.processed",
		metric.WithDescription("Passages embedded, skipped, removed or failed during ingestion"),
	)
	if err != nil {
		return nil, err
	}

	ingestDuration, err := meter.Float64Histogram(
		"rag.ingest.duration",
		metric.WithDescription("Per-document ingestion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retrievalDuration, err := meter.Float64Histogram(
		"rag.retrieval.duration",
		metric.WithDescription("Retrieval duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retrievalResults, err := meter.Int64Histogram(
		"rag.retrieval.results",
		metric.WithDescription("Passages returned per retrieval"),
	)
	if err != nil {
		return nil, err
	}

	generationsTotal, err := meter.Int64Counter(
		"rag.generations.total",
		metric.WithDescription("Finished generations, by end reason"),
	)
	if err != nil {
		return nil, err
	}

	generatedTokens, err := meter.Int64Counter(
		"rag.generation.tokens",
		metric.WithDescription("Tokens emitted by generation backends"),
	)
	if err != nil {
		return nil, err
	}

	generationDuration, err := meter.Float64Histogram(
		"rag.generation.duration",
		metric.WithDescription("Generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		DocumentsIngested:  documentsIngested,
		PassagesProcessed:  passagesProcessed,
		IngestDuration:     ingestDuration,
		RetrievalDuration:  retrievalDuration,
		RetrievalResults:   retrievalResults,
		GenerationsTotal:   generationsTotal,
		GeneratedTokens:    generatedTokens,
		GenerationDuration: generationDuration,
	}, nil
}

// RecordIngest records one document ingestion. status is "ok" or "failed".
func (m *Metrics) RecordIngest(ctx context.Context, format, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("document.format", format),
		attribute.String("status", status),
	)
	m.DocumentsIngested.Add(ctx, 1, attrs)
	m.IngestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPassages records n passages with outcome embedded, skipped,
// removed or failed.
func (m *Metrics) RecordPassages(ctx context.Context, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PassagesProcessed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetrieval records one retrieval and the number of passages returned.
func (m *Metrics) RecordRetrieval(ctx context.Context, results int, d time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalDuration.Record(ctx, d.Seconds())
	m.RetrievalResults.Record(ctx, int64(results))
}

// RecordGeneration records one finished generation.
func (m *Metrics) RecordGeneration(ctx context.Context, backend, reason string, tokens int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("end_reason", reason),
	)
	m.GenerationsTotal.Add(ctx, 1, attrs)
	m.GeneratedTokens.Add(ctx, int64(tokens), attrs)
	m.GenerationDuration.Record(ctx, d.Seconds(), attrs)
}
