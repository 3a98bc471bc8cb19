package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DocumentKind classifies a corpus document.
type DocumentKind string

const (
	KindEmail      DocumentKind = "email"
	KindDeposition DocumentKind = "deposition"
	KindFiling     DocumentKind = "filing"
	KindLog        DocumentKind = "log"
	KindOther      DocumentKind = "other"
)

// Document is one immutable corpus entry. Its ID is the citation key.
type Document struct {
	ID        uint64
	Title     string
	Body      string
	Kind      DocumentKind
	Timestamp *time.Time
	Sender    string
	Metadata  string
}

// FTSRow is a raw full-text match before ranking. Score is the bm25 lexical
// relevance, normalized so that higher is better.
type FTSRow struct {
	Document
	Score float64
}

// InsertDocument writes a corpus document. Used by the ingestion collaborator
// and by test fixtures; the query engine itself never writes documents.
func (s *Store) InsertDocument(ctx context.Context, d Document) error {
	var ts any
	if d.Timestamp != nil {
		ts = d.Timestamp.UTC().Format("2006-01-02")
	}
	kind := d.Kind
	if kind == "" {
		kind = KindOther
	}
	meta := d.Metadata
	if meta == "" {
		meta = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, body, kind, timestamp, sender, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Body, string(kind), ts, nullable(d.Sender), meta)
	if err != nil {
		return fmt.Errorf("insert document %d: %w", d.ID, err)
	}
	return nil
}

// SearchFTS runs a full-text match over title and body and returns rows in
// descending lexical relevance. The match expression must already be escaped
// (see search.BuildMatch).
func (s *Store) SearchFTS(ctx context.Context, match string, limit int) ([]FTSRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.body, d.kind, d.timestamp, d.sender, -bm25(documents_fts) AS score
		FROM documents_fts
		JOIN documents d ON d.id = documents_fts.rowid
		WHERE documents_fts MATCH ?
		ORDER BY score DESC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []FTSRow
	for rows.Next() {
		var r FTSRow
		var ts, sender sql.NullString
		if err := rows.Scan(&r.ID, &r.Title, &r.Body, &r.Kind, &ts, &sender, &r.Score); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		if ts.Valid {
			if t, err := time.Parse("2006-01-02", ts.String); err == nil {
				r.Timestamp = &t
			}
		}
		r.Sender = sender.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDocument fetches one document by ID.
func (s *Store) GetDocument(ctx context.Context, id uint64) (*Document, error) {
	var d Document
	var ts, sender sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, kind, timestamp, sender, metadata
		FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.Title, &d.Body, &d.Kind, &ts, &sender, &d.Metadata)
	if err != nil {
		return nil, err
	}
	if ts.Valid {
		if t, err := time.Parse("2006-01-02", ts.String); err == nil {
			d.Timestamp = &t
		}
	}
	d.Sender = sender.String
	return &d, nil
}

// DocumentCount returns the corpus size.
func (s *Store) DocumentCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// DocumentIDsExist reports which of the given IDs are present in the corpus.
func (s *Store) DocumentIDsExist(ctx context.Context, ids []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
