package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"omnichat/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(t *testing.T, chunkSize, overlap int) *Engine {
	t.Helper()
	st, err := memory.Open(filepath.Join(t.TempDir(), "kb.db"), testLogger())
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(EngineConfig{
		Store:     NewStore(st.DB()),
		ChunkSize: chunkSize,
		Overlap:   overlap,
		Logger:    testLogger(),
	})
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

// --- Chunking ---

func TestChunkText_Overlap(t *testing.T) {
	e := NewEngine(EngineConfig{ChunkSize: 10, Overlap: 2, Logger: testLogger()})
	chunks := e.chunkText(words(25), "d")

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if !strings.HasPrefix(chunks[1].Content, "w8 w9 w10") {
		t.Errorf("second chunk should start with the overlap, got %q", chunks[1].Content)
	}
	if !strings.HasSuffix(chunks[2].Content, "w24") {
		t.Errorf("last chunk should end with the last word, got %q", chunks[2].Content)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestChunkText_Empty(t *testing.T) {
	e := NewEngine(EngineConfig{Logger: testLogger()})
	if chunks := e.chunkText("   \n ", "d"); chunks != nil {
		t.Fatalf("expected no chunks, got %v", chunks)
	}
}

func TestNewEngine_InvalidOverlap(t *testing.T) {
	e := NewEngine(EngineConfig{ChunkSize: 5, Overlap: 5, Logger: testLogger()})
	if e.overlap != 0 {
		t.Fatalf("overlap >= chunk size must be reset, got %d", e.overlap)
	}
}

// --- Retrieval ---

func TestEngine_RetrieveIsScopedToUser(t *testing.T) {
	e := testEngine(t, 50, 0)
	ctx := context.Background()

	if _, err := e.AddDocument(ctx, "u1", "refunds.md", "text/markdown",
		"Refunds are processed within five business days after the return arrives."); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if _, err := e.AddDocument(ctx, "u2", "other.md", "text/markdown",
		"Refunds for u2 follow a different policy."); err != nil {
		t.Fatal(err)
	}

	got, err := e.Retrieve(ctx, "u1", "how long do refunds take?", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk for u1, got %d: %+v", len(got), got)
	}
	if got[0].Source != "refunds.md#0" || !strings.Contains(got[0].Content, "five business days") {
		t.Fatalf("unexpected chunk %+v", got[0])
	}
}

func TestEngine_RetrieveHandlesFTSSyntax(t *testing.T) {
	e := testEngine(t, 50, 0)
	ctx := context.Background()
	e.AddDocument(ctx, "u1", "a.txt", "text/plain", "alpha beta gamma")

	for _, q := range []string{`"unbalanced`, "NEAR(alpha", "a* OR -", "?!"} {
		if _, err := e.Retrieve(ctx, "u1", q, 3); err != nil {
			t.Errorf("query %q: %v", q, err)
		}
	}
}

func TestEngine_ReAddReplaces(t *testing.T) {
	e := testEngine(t, 50, 0)
	ctx := context.Background()

	doc, _ := e.AddDocument(ctx, "u1", "a.txt", "text/plain", "pricing starts at ten dollars")
	if _, err := e.AddDocument(ctx, "u1", "a.txt", "text/plain", "pricing starts at ten dollars"); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	docs, _ := e.ListDocuments(ctx, "u1")
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("expected one document, got %+v", docs)
	}
	got, _ := e.Retrieve(ctx, "u1", "pricing", 5)
	if len(got) != 1 {
		t.Fatalf("expected index without duplicates, got %d", len(got))
	}
}

func TestEngine_DeleteDocument(t *testing.T) {
	e := testEngine(t, 50, 0)
	ctx := context.Background()
	doc, _ := e.AddDocument(ctx, "u1", "a.txt", "text/plain", "warranty covers two years")

	if err := e.DeleteDocument(ctx, "u2", doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("other user must not delete, got %v", err)
	}
	if err := e.DeleteDocument(ctx, "u1", doc.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	got, err := e.Retrieve(ctx, "u1", "warranty", 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no results after delete, got %v (%v)", got, err)
	}
}

func TestEngine_AddFile(t *testing.T) {
	e := testEngine(t, 50, 0)
	dir := t.TempDir()
	path := filepath.Join(dir, "faq.md")
	os.WriteFile(path, []byte("Shipping is free above fifty dollars."), 0o644)
	bin := filepath.Join(dir, "blob.bin")
	os.WriteFile(bin, []byte{0xff, 0xfe, 0x00}, 0o644)

	doc, err := e.AddFile(context.Background(), "u1", path)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if doc.MimeType != "text/markdown" || doc.Name != "faq.md" {
		t.Errorf("unexpected document %+v", doc)
	}
	if _, err := e.AddFile(context.Background(), "u1", bin); err == nil {
		t.Error("binary file must be rejected")
	}
}

func TestFTSQuery(t *testing.T) {
	if got := ftsQuery(`Hello "world" hello a`); got != `"hello" OR "world"` {
		t.Fatalf("unexpected query %q", got)
	}
	if got := ftsQuery("? !"); got != "" {
		t.Fatalf("expected empty query, got %q", got)
	}
}
