package storage

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// namespace roots the deterministic document UUIDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("offline-rag/documents"))

// Document is one ingested source file. Its ID is derived from the
// absolute source path, so re-ingesting a file keeps its identity.
type Document struct {
	ID         string
	SourcePath string
	MimeKind   string // loader format: txt, md, html, pdf, docx
	IngestedAt time.Time
}

// Passage is a chunk of a document together with its embedding.
// Checksum is the sha256 of the embedding input (Location, a blank line,
// then Text; Text alone when Location is empty) and decides whether
// re-ingestion needs to re-embed.
type Passage struct {
	ID         string
	DocumentID string
	Ordinal    int // position in document (0, 1, 2...)
	Text       string
	TokenCount int
	Embedding  []float32
	Checksum   string
	Location   string // "page 3" or "# Guide > ## Install"; may be empty
}

// DocumentSummary is a document with its live passage count.
type DocumentSummary struct {
	Document
	Passages int
}

// Stats summarises the store content.
type Stats struct {
	Documents int
	Passages  int
	Dimension int
	Model     string
}

// DocumentID returns the stable ID for a source path.
func DocumentID(sourcePath string) string {
	if abs, err := filepath.Abs(sourcePath); err == nil {
		sourcePath = abs
	}
	return uuid.NewSHA1(namespace, []byte(filepath.Clean(sourcePath))).String()
}

// PassageID returns the stable ID of the passage at ordinal in a document.
func PassageID(documentID string, ordinal int) string {
	return uuid.NewSHA1(namespace, []byte(documentID+"/passage/"+strconv.Itoa(ordinal))).String()
}
