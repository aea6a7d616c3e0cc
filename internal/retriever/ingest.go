package retriever

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bull/offline-rag/internal/chunker"
	"github.com/bull/offline-rag/internal/index"
	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/storage"
)

// DocumentReport describes the outcome of ingesting one document.
type DocumentReport struct {
	Path       string
	DocumentID string
	Format     loader.Format
	Passages   int // passages produced by the chunker
	Embedded   int // new or changed passages written
	Skipped    int // unchanged passages (checksum match)
	Removed    int // ordinals that no longer exist
	Failed     int // passages dropped because their embedding batch failed
	Duration   time.Duration
}

// IngestResult contains statistics about a batch ingestion.
type IngestResult struct {
	TotalDocs      int
	SuccessfulDocs int
	FailedDocs     []FailedDoc
	Embedded       int
	Skipped        int
	Removed        int
	FailedPassages int
	Duration       time.Duration
}

// FailedDoc represents a document that failed to ingest.
type FailedDoc struct {
	Path   string
	Reason string
}

// ProgressFunc is called once per document of a batch, from the goroutine
// that processed it. Exactly one of report and err is non-nil.
type ProgressFunc func(path string, report *DocumentReport, err error)

type pending struct {
	cand     chunker.Candidate
	location string
	ordinal  int
	input    string
}

// Ingest loads, chunks and embeds one document, then writes new and
// changed passages to the index and then the store. Unchanged passages are
// skipped and vanished ordinals are removed. The index receives the
// document's changes as one batch.
func (r *Retriever) Ingest(ctx context.Context, path string, hint loader.Format) (*DocumentReport, error) {
	start := time.Now()
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	docID := storage.DocumentID(path)

	unlock := r.lockDocument(docID)
	defer unlock()

	report, err := r.ingest(ctx, path, docID, hint)
	status := "ok"
	if err != nil {
		status = "failed"
	}
	r.metrics.RecordIngest(ctx, string(report.Format), status, time.Since(start))
	if err != nil {
		return nil, &DocumentError{Path: path, Err: err}
	}
	report.Duration = time.Since(start)

	r.metrics.RecordPassages(ctx, "embedded", report.Embedded)
	r.metrics.RecordPassages(ctx, "skipped", report.Skipped)
	r.metrics.RecordPassages(ctx, "removed", report.Removed)
	r.metrics.RecordPassages(ctx, "failed", report.Failed)
	r.logger.Info("Indexed document",
		"path", path,
		"passages", report.Passages,
		"embedded", report.Embedded,
		"skipped", report.Skipped,
		"removed", report.Removed,
		"failed", report.Failed,
	)
	return report, nil
}

func (r *Retriever) ingest(ctx context.Context, path, docID string, hint loader.Format) (*DocumentReport, error) {
	report := &DocumentReport{Path: path, DocumentID: docID}

	units, format, err := r.loader.Load(ctx, path, hint)
	report.Format = format
	if err != nil {
		return report, err
	}

	// Chunk every unit; ordinals run across the whole document.
	var all []pending
	for _, u := range units {
		cands, err := r.chunker.Chunk(u.Text, r.opts.TargetTokens, r.opts.OverlapTokens)
		if err != nil {
			return report, fmt.Errorf("chunk: %w", err)
		}
		for _, c := range cands {
			input := embedInput(u.Location, c.Text)
			all = append(all, pending{
				cand:     c,
				location: u.Location,
				ordinal:  len(all),
				input:    input,
			})
		}
	}
	report.Passages = len(all)
	r.logger.Debug("Chunked document", "path", path, "units", len(units), "passages", len(all))

	existing, err := r.store.Passages(ctx, docID)
	if err != nil {
		return report, fmt.Errorf("load stored passages: %w", err)
	}
	stored := make(map[int]storage.Passage, len(existing))
	for _, p := range existing {
		stored[p.Ordinal] = p
	}

	var changed []pending
	for _, p := range all {
		sum := chunker.Checksum(p.input)
		if old, ok := stored[p.ordinal]; ok && old.Checksum == sum {
			report.Skipped++
			continue
		}
		changed = append(changed, p)
	}

	var removeOrdinals []int
	var removeIDs []string
	for ord, p := range stored {
		if ord >= len(all) {
			removeOrdinals = append(removeOrdinals, ord)
			removeIDs = append(removeIDs, p.ID)
		}
	}
	sort.Ints(removeOrdinals)
	sort.Strings(removeIDs)
	report.Removed = len(removeOrdinals)

	upserts, failed, err := r.embedPassages(ctx, path, docID, changed)
	if err != nil {
		return report, err
	}
	report.Failed = failed
	report.Embedded = len(upserts)

	// The index is written before the store. If the store write then
	// fails, its old checksums make the next ingest redo the work, and
	// Retrieve drops index hits the store cannot resolve.
	entries := make([]index.Entry, len(upserts))
	for i, p := range upserts {
		entries[i] = index.Entry{PassageID: p.ID, Embedding: p.Embedding, Text: p.Text}
	}
	if err := r.index.Apply(ctx, entries, removeIDs); err != nil {
		return report, fmt.Errorf("index passages: %w", err)
	}

	doc := storage.Document{
		ID:         docID,
		SourcePath: path,
		MimeKind:   string(format),
		IngestedAt: r.now(),
	}
	if err := r.store.SaveDocument(ctx, doc, upserts, removeOrdinals); err != nil {
		return report, fmt.Errorf("store passages: %w", err)
	}
	return report, nil
}

// embedPassages embeds changed passages batch by batch. A failed batch
// drops only its own passages; a dimension mismatch fails the document.
func (r *Retriever) embedPassages(ctx context.Context, path, docID string, changed []pending) ([]storage.Passage, int, error) {
	var out []storage.Passage
	failed := 0
	schemaChecked := false

	for i := 0; i < len(changed); i += r.opts.EmbedBatchSize {
		end := min(i+r.opts.EmbedBatchSize, len(changed))
		batch := changed[i:end]

		inputs := make([]string, len(batch))
		for j, p := range batch {
			inputs[j] = p.input
		}

		vectors, err := r.embedder.Embed(ctx, inputs)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("got %d embeddings for %d passages", len(vectors), len(batch))
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, 0, ctxErr
			}
			failed += len(batch)
			r.logger.Warn("Embedding batch failed, dropping passages",
				"path", path, "first_ordinal", batch[0].ordinal, "count", len(batch), "error", err)
			continue
		}

		for j, v := range vectors {
			if want := r.index.Dimension(); want != 0 && len(v) != want {
				return nil, 0, &index.SchemaError{PassageID: storage.PassageID(docID, batch[j].ordinal), Want: want, Got: len(v)}
			}
		}
		if !schemaChecked && len(vectors) > 0 {
			if err := r.store.EnsureEmbeddingSchema(ctx, r.embedder.Model(), len(vectors[0])); err != nil {
				if errors.Is(err, storage.ErrDimensionMismatch) || errors.Is(err, storage.ErrModelMismatch) {
					return nil, 0, fmt.Errorf("%w: %v", index.ErrSchema, err)
				}
				return nil, 0, err
			}
			schemaChecked = true
		}

		for j, p := range batch {
			out = append(out, storage.Passage{
				ID:         storage.PassageID(docID, p.ordinal),
				DocumentID: docID,
				Ordinal:    p.ordinal,
				Text:       p.cand.Text,
				TokenCount: p.cand.TokenCount,
				Embedding:  vectors[j],
				Checksum:   chunker.Checksum(p.input),
				Location:   p.location,
			})
		}
	}
	return out, failed, nil
}

// embedInput prefixes a passage with its location so section titles
// contribute to the embedding. The checksum covers the same input.
func embedInput(location, text string) string {
	if location == "" {
		return text
	}
	return location + "\n\n" + text
}

// IngestAll ingests paths with at most Options.Concurrency documents in
// flight. Per-document failures are collected in the result and do not
// stop the batch; only context cancellation returns an error.
func (r *Retriever) IngestAll(ctx context.Context, paths []string, progress ProgressFunc) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{TotalDocs: len(paths)}
	r.logger.Info("Starting ingestion", "documents", len(paths), "concurrency", r.opts.Concurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report, err := r.Ingest(gctx, path, "")

			mu.Lock()
			if err != nil {
				r.logger.Warn("Failed to ingest document", "path", path, "error", err)
				result.FailedDocs = append(result.FailedDocs, FailedDoc{Path: path, Reason: failureReason(err)})
			} else {
				result.SuccessfulDocs++
				result.Embedded += report.Embedded
				result.Skipped += report.Skipped
				result.Removed += report.Removed
				result.FailedPassages += report.Failed
			}
			mu.Unlock()

			if progress != nil {
				progress(path, report, err)
			}
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(result.FailedDocs, func(i, j int) bool { return result.FailedDocs[i].Path < result.FailedDocs[j].Path })
	result.Duration = time.Since(start)
	r.logger.Info("Ingestion complete",
		"successful", result.SuccessfulDocs,
		"failed", len(result.FailedDocs),
		"embedded", result.Embedded,
		"skipped", result.Skipped,
		"duration", result.Duration,
	)
	return result, err
}

func failureReason(err error) string {
	var de *DocumentError
	if errors.As(err, &de) {
		return de.Err.Error()
	}
	return err.Error()
}

// CollectPaths returns the supported files under root in lexical order.
// A root that is a file is returned as is.
func CollectPaths(root string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && len(d.Name()) > 1 && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root || loader.Supported(p) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Remove deletes a document and its passages from the store and index.
func (r *Retriever) Remove(ctx context.Context, path string) (int, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	docID := storage.DocumentID(path)
	unlock := r.lockDocument(docID)
	defer unlock()

	ids, err := r.store.DeleteDocument(ctx, docID)
	if err != nil {
		return 0, &DocumentError{Path: path, Err: err}
	}
	if err := r.index.Apply(ctx, nil, ids); err != nil {
		return 0, &DocumentError{Path: path, Err: fmt.Errorf("index removal: %w", err)}
	}
	r.logger.Info("Removed document", "path", path, "passages", len(ids))
	return len(ids), nil
}
