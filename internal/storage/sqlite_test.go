package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDocument(path string) Document {
	return Document{
		ID:         DocumentID(path),
		SourcePath: path,
		MimeKind:   "txt",
		IngestedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func testPassage(doc Document, ordinal int, text string) Passage {
	return Passage{
		ID:         PassageID(doc.ID, ordinal),
		DocumentID: doc.ID,
		Ordinal:    ordinal,
		Text:       text,
		TokenCount: 2,
		Embedding:  []float32{float32(ordinal), 0.5, -1.25},
		Checksum:   "sum-" + text,
	}
}

func TestDeterministicIDs(t *testing.T) {
	a := DocumentID("/tmp/notes.txt")
	assert.Equal(t, a, DocumentID("/tmp/../tmp/notes.txt"))
	assert.NotEqual(t, a, DocumentID("/tmp/other.txt"))

	assert.Equal(t, PassageID(a, 3), PassageID(a, 3))
	assert.NotEqual(t, PassageID(a, 3), PassageID(a, 4))
	assert.NotEqual(t, PassageID(a, 0), PassageID(DocumentID("/tmp/other.txt"), 0))
}

func TestSaveDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := testDocument("/data/a.txt")

	p0 := testPassage(doc, 0, "first")
	p1 := testPassage(doc, 1, "second")
	p1.Location = "page 2"
	require.NoError(t, s.SaveDocument(ctx, doc, []Passage{p0, p1}, nil))

	got, err := s.DocumentByPath(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "txt", got.MimeKind)
	assert.WithinDuration(t, doc.IngestedAt, got.IngestedAt, time.Second)

	passages, err := s.Passages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, p0, passages[0])
	assert.Equal(t, p1, passages[1])
}

func TestSaveDocumentReplacesAndRemovesOrdinals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := testDocument("/data/b.txt")

	require.NoError(t, s.SaveDocument(ctx, doc, []Passage{
		testPassage(doc, 0, "zero"),
		testPassage(doc, 1, "one"),
		testPassage(doc, 2, "two"),
	}, nil))

	changed := testPassage(doc, 1, "uno")
	require.NoError(t, s.SaveDocument(ctx, doc, []Passage{changed}, []int{2}))

	passages, err := s.Passages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "zero", passages[0].Text)
	assert.Equal(t, "uno", passages[1].Text)
}

func TestSaveDocumentIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := testDocument("/data/c.txt")

	bad := testPassage(doc, 1, "no vector")
	bad.Embedding = nil
	err := s.SaveDocument(ctx, doc, []Passage{testPassage(doc, 0, "ok"), bad}, nil)
	assert.ErrorIs(t, err, ErrMissingEmbedding)

	_, err = s.DocumentByPath(ctx, "/data/c.txt")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteDocumentCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := testDocument("/data/d.txt")
	other := testDocument("/data/e.txt")

	require.NoError(t, s.SaveDocument(ctx, doc, []Passage{testPassage(doc, 0, "x"), testPassage(doc, 1, "y")}, nil))
	require.NoError(t, s.SaveDocument(ctx, other, []Passage{testPassage(other, 0, "z")}, nil))

	removed, err := s.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{PassageID(doc.ID, 0), PassageID(doc.ID, 1)}, removed)

	passages, err := s.Passages(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, passages)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, 1, st.Passages)

	_, err = s.DeleteDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestListDocumentsAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := testDocument("/data/b.md")
	a := testDocument("/data/a.md")
	require.NoError(t, s.SaveDocument(ctx, b, []Passage{testPassage(b, 0, "b0")}, nil))
	require.NoError(t, s.SaveDocument(ctx, a, []Passage{testPassage(a, 0, "a0"), testPassage(a, 1, "a1")}, nil))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "/data/a.md", docs[0].SourcePath)
	assert.Equal(t, 2, docs[0].Passages)
	assert.Equal(t, 1, docs[1].Passages)

	byID, err := s.PassagesByID(ctx, []string{PassageID(a.ID, 1), "missing"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "a1", byID[PassageID(a.ID, 1)].Text)

	var seen int
	require.NoError(t, s.EachPassage(ctx, func(Passage) error { seen++; return nil }))
	assert.Equal(t, 3, seen)
}

func TestEmbeddingSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureEmbeddingSchema(ctx, "nomic-embed-text", 768))
	require.NoError(t, s.EnsureEmbeddingSchema(ctx, "nomic-embed-text", 768))
	assert.ErrorIs(t, s.EnsureEmbeddingSchema(ctx, "nomic-embed-text", 384), ErrDimensionMismatch)
	assert.ErrorIs(t, s.EnsureEmbeddingSchema(ctx, "other", 768), ErrModelMismatch)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 768, st.Dimension)
	assert.Equal(t, "nomic-embed-text", st.Model)

	require.NoError(t, s.ResetEmbeddingSchema(ctx))
	require.NoError(t, s.EnsureEmbeddingSchema(ctx, "hash", 384))
}

func TestOpenSQLiteOnDiskPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	doc := testDocument("/data/persist.txt")
	require.NoError(t, s.SaveDocument(ctx, doc, []Passage{testPassage(doc, 0, "kept")}, nil))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	passages, err := s.Passages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, []float32{0, 0.5, -1.25}, passages[0].Embedding)
}

func TestEmbeddingCodec(t *testing.T) {
	v := []float32{1.5, -0.25, 0, 3.4028235e38}
	got, err := decodeEmbedding(encodeEmbedding(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}
