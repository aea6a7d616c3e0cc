package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	metaDimension = "embedding_dimension"
	metaModel     = "embedding_model"
)

// SQLiteStore is the persistent Passage store. The vector index is
// rebuilt from it at startup, so it is the only state on disk.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the store at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := "file::memory:?_foreign_keys=1"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = "file:" + path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL UNIQUE,
		mime_kind TEXT NOT NULL,
		ingested_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS passages (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		checksum TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		UNIQUE (document_id, ordinal)
	);
	CREATE INDEX IF NOT EXISTS idx_passages_document ON passages(document_id);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureEmbeddingSchema records the embedding model and dimension on first
// use and rejects later writes that disagree with them.
func (s *SQLiteStore) EnsureEmbeddingSchema(ctx context.Context, model string, dimension int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	meta, err := readMeta(ctx, tx)
	if err != nil {
		return err
	}
	if stored, ok := meta[metaDimension]; ok {
		if stored != strconv.Itoa(dimension) {
			return fmt.Errorf("%w: store has %s dimensions, embedder produces %d", ErrDimensionMismatch, stored, dimension)
		}
		if m := meta[metaModel]; m != "" && m != model {
			return fmt.Errorf("%w: store was built with %q, embedder is %q", ErrModelMismatch, m, model)
		}
		return nil
	}

	for k, v := range map[string]string{metaDimension: strconv.Itoa(dimension), metaModel: model} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// ResetEmbeddingSchema forgets the recorded model and dimension. Used when
// the whole store is re-embedded with a different model.
func (s *SQLiteStore) ResetEmbeddingSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key IN (?, ?)`, metaDimension, metaModel)
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readMeta(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// SaveDocument writes a document, upserts its passages and deletes the
// passages at removeOrdinals, all in one transaction.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc Document, upserts []Passage, removeOrdinals []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, source_path, mime_kind, ingested_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET mime_kind = excluded.mime_kind, ingested_at = excluded.ingested_at
	`, doc.ID, doc.SourcePath, doc.MimeKind, doc.IngestedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.SourcePath, err)
	}

	if len(removeOrdinals) > 0 {
		del, err := tx.PrepareContext(ctx, `DELETE FROM passages WHERE document_id = ? AND ordinal = ?`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer del.Close()
		for _, ord := range removeOrdinals {
			if _, err := del.ExecContext(ctx, doc.ID, ord); err != nil {
				return fmt.Errorf("deleting passage %d: %w", ord, err)
			}
		}
	}

	if len(upserts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO passages
				(id, document_id, ordinal, text, token_count, embedding, checksum, location)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, p := range upserts {
			if len(p.Embedding) == 0 {
				return fmt.Errorf("%w: %s", ErrMissingEmbedding, p.ID)
			}
			_, err := stmt.ExecContext(ctx,
				p.ID, doc.ID, p.Ordinal, p.Text, p.TokenCount,
				encodeEmbedding(p.Embedding), p.Checksum, p.Location,
			)
			if err != nil {
				return fmt.Errorf("inserting passage %d: %w", p.Ordinal, err)
			}
		}
	}

	return tx.Commit()
}

// DocumentByPath looks up a document by its source path.
func (s *SQLiteStore) DocumentByPath(ctx context.Context, sourcePath string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_path, mime_kind, ingested_at FROM documents WHERE source_path = ?`, sourcePath)
	return scanDocument(row)
}

// Document looks up a document by ID.
func (s *SQLiteStore) Document(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_path, mime_kind, ingested_at FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (Document, error) {
	var doc Document
	var ingested string
	if err := row.Scan(&doc.ID, &doc.SourcePath, &doc.MimeKind, &ingested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("scanning document: %w", err)
	}
	doc.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingested)
	return doc, nil
}

// ListDocuments returns every document with its passage count, ordered by path.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.source_path, d.mime_kind, d.ingested_at, COUNT(p.id)
		FROM documents d LEFT JOIN passages p ON p.document_id = d.id
		GROUP BY d.id ORDER BY d.source_path
	`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var ds DocumentSummary
		var ingested string
		if err := rows.Scan(&ds.ID, &ds.SourcePath, &ds.MimeKind, &ingested, &ds.Passages); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		ds.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingested)
		out = append(out, ds)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document and its passages. It returns the IDs
// of the removed passages so the caller can drop them from the index.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM passages WHERE document_id = ? ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("listing passages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning passage id: %w", err)
		}
		ids = append(ids, pid)
	}
	rows.Close()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDocumentNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

const passageColumns = `id, document_id, ordinal, text, token_count, embedding, checksum, location`

// Passages returns a document's passages ordered by ordinal.
func (s *SQLiteStore) Passages(ctx context.Context, documentID string) ([]Passage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+passageColumns+` FROM passages WHERE document_id = ? ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying passages: %w", err)
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PassagesByID resolves passage IDs. Unknown IDs are absent from the map.
func (s *SQLiteStore) PassagesByID(ctx context.Context, ids []string) (map[string]Passage, error) {
	out := make(map[string]Passage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	stmt, err := s.db.PrepareContext(ctx, `SELECT `+passageColumns+` FROM passages WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		rows, err := stmt.QueryContext(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("querying passage %s: %w", id, err)
		}
		if rows.Next() {
			p, err := scanPassage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = p
		}
		rows.Close()
	}
	return out, nil
}

// EachPassage calls fn for every stored passage in ID order. It stops at
// the first error returned by fn. fn must not call back into the store.
func (s *SQLiteStore) EachPassage(ctx context.Context, fn func(Passage) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+passageColumns+` FROM passages ORDER BY id`)
	if err != nil {
		return fmt.Errorf("querying passages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats returns document and passage counts plus the embedding schema.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM documents), (SELECT COUNT(*) FROM passages)`,
	).Scan(&st.Documents, &st.Passages)
	if err != nil {
		return Stats{}, fmt.Errorf("counting rows: %w", err)
	}

	meta, err := readMeta(ctx, s.db)
	if err != nil {
		return Stats{}, err
	}
	st.Dimension, _ = strconv.Atoi(meta[metaDimension])
	st.Model = meta[metaModel]
	return st, nil
}

func scanPassage(rows *sql.Rows) (Passage, error) {
	var p Passage
	var blob []byte
	err := rows.Scan(&p.ID, &p.DocumentID, &p.Ordinal, &p.Text, &p.TokenCount, &blob, &p.Checksum, &p.Location)
	if err != nil {
		return Passage{}, fmt.Errorf("scanning passage: %w", err)
	}
	p.Embedding, err = decodeEmbedding(blob)
	if err != nil {
		return Passage{}, fmt.Errorf("passage %s: %w", p.ID, err)
	}
	return p, nil
}

// encodeEmbedding packs a vector as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding blob of %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
