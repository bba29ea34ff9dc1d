package logextract

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS indexes (
	model       TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	dim         INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	model    TEXT NOT NULL,
	position INTEGER NOT NULL,
	doc_id   TEXT NOT NULL,
	name     TEXT NOT NULL,
	content  TEXT NOT NULL,
	vector   BLOB NOT NULL,
	PRIMARY KEY (model, position)
);`

// SQLiteIndexStore persists retrieval indexes in a SQLite file. Vectors are
// stored as zstd-compressed little-endian float32 blobs.
type SQLiteIndexStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenSQLiteIndexStore opens (creating if needed) the store at path.
func OpenSQLiteIndexStore(ctx context.Context, path string) (*SQLiteIndexStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL allows concurrent readers while a writer is active.
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}
	return &SQLiteIndexStore{db: db, enc: enc, dec: dec}, nil
}

func (s *SQLiteIndexStore) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

func (s *SQLiteIndexStore) Load(ctx context.Context, model string) (*Index, error) {
	ix := &Index{Model: model}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, dim, created_at FROM indexes WHERE model = ?`, model,
	).Scan(&ix.Fingerprint, &ix.Dim, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query index %q: %w", model, err)
	}
	ix.CreatedAt = time.Unix(created, 0).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, name, content, vector FROM documents WHERE model = ? ORDER BY position`, model)
	if err != nil {
		return nil, fmt.Errorf("query documents %q: %w", model, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, name, content string
			blob              []byte
		)
		if err := rows.Scan(&id, &name, &content, &blob); err != nil {
			return nil, err
		}
		vec, err := s.decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("document %q: %w", name, err)
		}
		docID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("document %q: %w", name, err)
		}
		ix.Docs = append(ix.Docs, Document{ID: docID, Name: name, Content: content})
		ix.Vectors = append(ix.Vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Save replaces any index stored for ix.Model.
func (s *SQLiteIndexStore) Save(ctx context.Context, ix *Index) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE model = ?`, ix.Model); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO indexes (model, fingerprint, dim, created_at) VALUES (?, ?, ?, ?)`,
		ix.Model, ix.Fingerprint, ix.Dim, ix.CreatedAt.Unix(),
	); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (model, position, doc_id, name, content, vector) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, d := range ix.Docs {
		if _, err := stmt.ExecContext(ctx, ix.Model, i, d.ID.String(), d.Name, d.Content, s.encodeVector(ix.Vectors[i])); err != nil {
			return fmt.Errorf("insert document %q: %w", d.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndexStore) encodeVector(vec []float32) []byte {
	raw := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return s.enc.EncodeAll(raw, make([]byte, 0, len(raw)))
}

func (s *SQLiteIndexStore) decodeVector(blob []byte) ([]float32, error) {
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress vector: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector blob has %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, nil
}
