package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Document struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	Name       string    `db:"name"`
	MimeType   string    `db:"mime_type"`
	Size       int64     `db:"size"`
	ChunkCount int       `db:"chunk_count"`
	CreatedAt  time.Time `db:"created_at"`
}

type Chunk struct {
	DocumentID string
	Index      int
	Content    string
}

type SearchResult struct {
	DocName string  `db:"doc_name"`
	Index   int     `db:"chunk_index"`
	Content string  `db:"content"`
	Rank    float64 `db:"score"`
}

var ErrDocumentNotFound = errors.New("document not found")

// Store keeps documents and their chunks next to an FTS5 index. The index
// uses external content, so every chunk write is mirrored into chunks_fts.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// SaveDocument replaces any document with the same id.
func (s *Store) SaveDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteDocument(ctx, tx, doc.ID); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO documents (id, user_id, name, mime_type, size, chunk_count, created_at)
		 VALUES (:id, :user_id, :name, :mime_type, :size, :chunk_count, :created_at)`, doc); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	for _, c := range chunks {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO document_chunks (document_id, chunk_index, content) VALUES (?, ?, ?)`,
			doc.ID, c.Index, c.Content)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (rowid, content) VALUES (?, ?)`, rowID, c.Content); err != nil {
			return fmt.Errorf("index chunk %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

// Search ranks the user's chunks by bm25; lower scores rank first.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	var out []SearchResult
	err := s.db.SelectContext(ctx, &out,
		`SELECT d.name AS doc_name, c.chunk_index, c.content, bm25(chunks_fts) AS score
		 FROM chunks_fts
		 JOIN document_chunks c ON c.id = chunks_fts.rowid
		 JOIN documents d ON d.id = c.document_id
		 WHERE chunks_fts MATCH ? AND d.user_id = ?
		 ORDER BY score LIMIT ?`, match, userID, limit)
	return out, err
}

func (s *Store) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	var out []Document
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, user_id, name, mime_type, size, chunk_count, created_at
		 FROM documents WHERE user_id = ? ORDER BY created_at DESC`, userID)
	return out, err
}

func (s *Store) DeleteDocument(ctx context.Context, userID, id string) error {
	var owner string
	err := s.db.GetContext(ctx, &owner, `SELECT user_id FROM documents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteDocument(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteDocument(ctx context.Context, tx *sqlx.Tx, id string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunks_fts (chunks_fts, rowid, content)
		 SELECT 'delete', id, content FROM document_chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("unindex chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// ftsQuery turns free text into an OR of quoted terms so user input can
// never be parsed as FTS5 syntax.
func ftsQuery(text string) string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}*^-")
		w = strings.ReplaceAll(w, `"`, "")
		if len([]rune(w)) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
		if len(terms) == 16 {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
