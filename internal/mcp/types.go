// Package mcp exposes the passage index to local MCP clients over stdio.
package mcp

import "time"

// SearchPassagesInput defines the input parameters for the search_passages tool.
type SearchPassagesInput struct {
	// Query is the search text.
	Query string `json:"query" jsonschema:"The question or keywords to search the ingested documents for"`
	// MaxResults is the maximum number of passages to return.
	MaxResults int `json:"max_results,omitempty" jsonschema:"Maximum number of passages to return (1-20, default 5)"`
	// History holds earlier user questions that give the query context.
	History []string `json:"history,omitempty" jsonschema:"Earlier user questions in this conversation, oldest first"`
}

// SearchPassagesOutput contains the search results.
type SearchPassagesOutput struct {
	Results []PassageResult `json:"results"`
	// Message provides informational context (e.g., "No matching passages found").
	Message string `json:"message,omitempty"`
}

// PassageResult is one retrieved passage.
type PassageResult struct {
	Rank     int     `json:"rank"`
	Source   string  `json:"source"`
	Location string  `json:"location,omitempty"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Semantic float64 `json:"semantic"`
	Lexical  float64 `json:"lexical"`
}

// IngestDocumentInput defines the input parameters for the ingest_document tool.
type IngestDocumentInput struct {
	Path string `json:"path" jsonschema:"Absolute path of a document or a directory of documents to ingest"`
	// Format overrides extension-based detection for a single file.
	Format string `json:"format,omitempty" jsonschema:"Optional format override: txt, md, html, pdf or docx"`
}

// IngestDocumentOutput summarises an ingestion.
type IngestDocumentOutput struct {
	Documents int          `json:"documents"`
	Succeeded int          `json:"succeeded"`
	Embedded  int          `json:"embedded"`
	Skipped   int          `json:"skipped"`
	Removed   int          `json:"removed"`
	Failed    []FailedItem `json:"failed,omitempty"`
}

// FailedItem names a document that could not be ingested.
type FailedItem struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ListDocumentsInput takes no parameters.
type ListDocumentsInput struct{}

// ListDocumentsOutput lists ingested documents.
type ListDocumentsOutput struct {
	Documents []DocumentInfo `json:"documents"`
	Count     int            `json:"count"`
}

// DocumentInfo describes one ingested document.
type DocumentInfo struct {
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	Passages   int       `json:"passages"`
	IngestedAt time.Time `json:"ingested_at"`
}

// RemoveDocumentInput defines the input parameters for the remove_document tool.
type RemoveDocumentInput struct {
	Path string `json:"path" jsonschema:"Path of the ingested document to remove"`
}

// RemoveDocumentOutput reports a removal.
type RemoveDocumentOutput struct {
	Path     string `json:"path"`
	Found    bool   `json:"found"`
	Passages int    `json:"passages"`
}

// StatusInput takes no parameters.
type StatusInput struct{}

// StatusOutput contains index status and component health.
type StatusOutput struct {
	Documents      int               `json:"documents"`
	Passages       int               `json:"passages"`
	IndexedEntries int               `json:"indexed_entries"`
	Dimension      int               `json:"dimension"`
	StoreModel     string            `json:"store_model,omitempty"`
	EmbedderModel  string            `json:"embedder_model"`
	Health         map[string]string `json:"health"`
	// Warning is set when the store and index disagree or the model changed.
	Warning string `json:"warning,omitempty"`
}
