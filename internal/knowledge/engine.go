// Package knowledge provides the per-user document knowledge base used for
// retrieval-augmented replies, and a plain file search over a directory.
package knowledge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"omnichat/internal/domain"
)

// Engine manages the knowledge base: adding documents, chunking, and searching.
type Engine struct {
	store        *Store
	chunkSize    int
	overlap      int
	maxFileBytes int64
	logger       *slog.Logger
	now          func() time.Time
}

type EngineConfig struct {
	Store        *Store
	ChunkSize    int // words per chunk (default: 200)
	Overlap      int // overlapping words between chunks
	MaxFileBytes int64
	Logger       *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 200
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = 0
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		chunkSize:    cfg.ChunkSize,
		overlap:      cfg.Overlap,
		maxFileBytes: cfg.MaxFileBytes,
		logger:       cfg.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AddDocument chunks content and stores it for userID. The id is derived
// from the owner and content, so re-adding the same text replaces it.
func (e *Engine) AddDocument(ctx context.Context, userID, name, mimeType, content string) (*Document, error) {
	hash := sha256.Sum256([]byte(userID + "\x00" + content))
	docID := fmt.Sprintf("%x", hash[:8])

	chunks := e.chunkText(content, docID)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %q has no text", name)
	}

	doc := Document{
		ID:         docID,
		UserID:     userID,
		Name:       name,
		MimeType:   mimeType,
		Size:       int64(len(content)),
		ChunkCount: len(chunks),
		CreatedAt:  e.now(),
	}
	if err := e.store.SaveDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	e.logger.Info("document added to knowledge base",
		"user", userID, "name", name, "chunks", len(chunks), "size", len(content))
	return &doc, nil
}

// AddFile ingests a UTF-8 text file.
func (e *Engine) AddFile(ctx context.Context, userID, path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > e.maxFileBytes {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), e.maxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%s is not a text file", path)
	}
	return e.AddDocument(ctx, userID, filepath.Base(path), mimeFor(path), string(data))
}

// Retrieve implements domain.Retriever.
func (e *Engine) Retrieve(ctx context.Context, userID, query string, topK int) ([]domain.RetrievedChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	results, err := e.store.Search(ctx, userID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	out := make([]domain.RetrievedChunk, 0, len(results))
	for _, r := range results {
		out = append(out, domain.RetrievedChunk{
			Source:  fmt.Sprintf("%s#%d", r.DocName, r.Index),
			Content: r.Content,
			Score:   -r.Rank,
		})
	}
	return out, nil
}

func (e *Engine) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	return e.store.ListDocuments(ctx, userID)
}

func (e *Engine) DeleteDocument(ctx context.Context, userID, id string) error {
	return e.store.DeleteDocument(ctx, userID, id)
}

// chunkText splits text into overlapping chunks of approximately chunkSize words.
func (e *Engine) chunkText(text, docID string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	step := e.chunkSize - e.overlap

	for i := 0; i < len(words); i += step {
		end := min(i+e.chunkSize, len(words))
		chunks = append(chunks, Chunk{
			DocumentID: docID,
			Index:      len(chunks),
			Content:    strings.Join(words[i:end], " "),
		})
		if end >= len(words) {
			break
		}
	}
	return chunks
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	default:
		return "text/plain"
	}
}
