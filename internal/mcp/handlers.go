package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/retriever"
	"github.com/bull/offline-rag/internal/storage"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 20
)

// Service is what the tools call. *retriever.Retriever implements it.
type Service interface {
	Retrieve(ctx context.Context, query string, k int, history []string) ([]retriever.Hit, error)
	Ingest(ctx context.Context, path string, hint loader.Format) (*retriever.DocumentReport, error)
	IngestAll(ctx context.Context, paths []string, progress retriever.ProgressFunc) (*retriever.IngestResult, error)
	Remove(ctx context.Context, path string) (int, error)
	Documents(ctx context.Context) ([]storage.DocumentSummary, error)
	Status(ctx context.Context) (retriever.Status, error)
}

// makeSearchHandler creates the search_passages tool handler.
func makeSearchHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, SearchPassagesInput,
) (*mcp.CallToolResult, SearchPassagesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchPassagesInput) (
		*mcp.CallToolResult, SearchPassagesOutput, error,
	) {
		k := input.MaxResults
		if k <= 0 {
			k = defaultMaxResults
		}
		k = min(k, maxMaxResults)

		hits, err := svc.Retrieve(ctx, input.Query, k, input.History)
		if err != nil {
			return nil, SearchPassagesOutput{}, fmt.Errorf("search failed: %w", err)
		}

		results := make([]PassageResult, len(hits))
		for i, h := range hits {
			results[i] = PassageResult{
				Rank:     h.Rank,
				Source:   h.SourcePath,
				Location: h.Passage.Location,
				Text:     h.Passage.Text,
				Score:    h.Score,
				Semantic: h.Semantic,
				Lexical:  h.Lexical,
			}
		}
		if len(results) == 0 {
			return nil, SearchPassagesOutput{
				Results: []PassageResult{},
				Message: "No matching passages found. Try broader search terms or ingest more documents.",
			}, nil
		}
		return nil, SearchPassagesOutput{Results: results}, nil
	}
}

// makeIngestHandler creates the ingest_document tool handler. A directory
// ingests every supported file below it.
func makeIngestHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, IngestDocumentInput,
) (*mcp.CallToolResult, IngestDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestDocumentInput) (
		*mcp.CallToolResult, IngestDocumentOutput, error,
	) {
		info, err := os.Stat(input.Path)
		if err != nil {
			return nil, IngestDocumentOutput{}, fmt.Errorf("ingest: %w", err)
		}

		if !info.IsDir() {
			report, err := svc.Ingest(ctx, input.Path, loader.Format(input.Format))
			if err != nil {
				return nil, IngestDocumentOutput{
					Documents: 1,
					Failed:    []FailedItem{{Path: input.Path, Reason: err.Error()}},
				}, nil
			}
			return nil, IngestDocumentOutput{
				Documents: 1,
				Succeeded: 1,
				Embedded:  report.Embedded,
				Skipped:   report.Skipped,
				Removed:   report.Removed,
			}, nil
		}

		paths, err := retriever.CollectPaths(input.Path)
		if err != nil {
			return nil, IngestDocumentOutput{}, fmt.Errorf("ingest: %w", err)
		}
		res, err := svc.IngestAll(ctx, paths, nil)
		if err != nil {
			return nil, IngestDocumentOutput{}, fmt.Errorf("ingest: %w", err)
		}
		out := IngestDocumentOutput{
			Documents: res.TotalDocs,
			Succeeded: res.SuccessfulDocs,
			Embedded:  res.Embedded,
			Skipped:   res.Skipped,
			Removed:   res.Removed,
		}
		for _, f := range res.FailedDocs {
			out.Failed = append(out.Failed, FailedItem{Path: f.Path, Reason: f.Reason})
		}
		return nil, out, nil
	}
}

// makeListHandler creates the list_documents tool handler.
func makeListHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, ListDocumentsInput,
) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (
		*mcp.CallToolResult, ListDocumentsOutput, error,
	) {
		docs, err := svc.Documents(ctx)
		if err != nil {
			return nil, ListDocumentsOutput{}, fmt.Errorf("failed to list documents: %w", err)
		}
		out := ListDocumentsOutput{Documents: make([]DocumentInfo, len(docs)), Count: len(docs)}
		for i, d := range docs {
			out.Documents[i] = DocumentInfo{
				Path:       d.SourcePath,
				Format:     d.MimeKind,
				Passages:   d.Passages,
				IngestedAt: d.IngestedAt,
			}
		}
		return nil, out, nil
	}
}

// makeRemoveHandler creates the remove_document tool handler.
func makeRemoveHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, RemoveDocumentInput,
) (*mcp.CallToolResult, RemoveDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RemoveDocumentInput) (
		*mcp.CallToolResult, RemoveDocumentOutput, error,
	) {
		n, err := svc.Remove(ctx, input.Path)
		if err != nil {
			if errors.Is(err, storage.ErrDocumentNotFound) {
				return nil, RemoveDocumentOutput{Path: input.Path, Found: false}, nil
			}
			return nil, RemoveDocumentOutput{}, fmt.Errorf("failed to remove document: %w", err)
		}
		return nil, RemoveDocumentOutput{Path: input.Path, Found: true, Passages: n}, nil
	}
}

// makeStatusHandler creates the get_index_status tool handler.
func makeStatusHandler(svc Service, health map[string]HealthChecker) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		st, err := svc.Status(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("store_error: %w", err)
		}
		out := StatusOutput{
			Documents:      st.Documents,
			Passages:       st.Passages,
			IndexedEntries: st.IndexedEntries,
			Dimension:      st.Dimension,
			StoreModel:     st.StoreModel,
			EmbedderModel:  st.EmbedderModel,
			Health:         checkHealth(ctx, health),
		}
		switch {
		case st.StoreModel != "" && st.StoreModel != st.EmbedderModel:
			out.Warning = fmt.Sprintf("Store was embedded with %q but %q is configured. Re-ingest or switch models.", st.StoreModel, st.EmbedderModel)
		case st.IndexedEntries != st.Passages:
			out.Warning = fmt.Sprintf("Index holds %d entries for %d stored passages. Run a rebuild.", st.IndexedEntries, st.Passages)
		}
		return nil, out, nil
	}
}
