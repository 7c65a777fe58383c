package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSearch_RanksByMatches(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "menu.txt"), "Opening hours: 9am to 5pm. Hours on Sunday vary.")
	writeFile(t, filepath.Join(root, "about.txt"), "We are open most days. See hours in the menu.")
	writeFile(t, filepath.Join(root, "unrelated.txt"), "Nothing to see here.")

	fs := NewFileSearch(root, 0, testLogger())
	got, err := fs.SearchFiles(context.Background(), "u1", "opening hours", 5)
	if err != nil {
		t.Fatalf("SearchFiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %+v", got)
	}
	if got[0].Source != "menu.txt" {
		t.Errorf("best match should be menu.txt, got %s", got[0].Source)
	}
}

func TestFileSearch_UserFoldersArePrivate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "u1", "notes", "plan.txt"), "secret launch plan")
	writeFile(t, filepath.Join(root, "u2", "plan.txt"), "other launch plan")

	fs := NewFileSearch(root, 0, testLogger())
	got, _ := fs.SearchFiles(context.Background(), "u1", "launch", 5)
	if len(got) != 1 || got[0].Source != "u1/notes/plan.txt" {
		t.Fatalf("expected only u1's file, got %+v", got)
	}
	got, _ = fs.SearchFiles(context.Background(), "../u2", "launch", 5)
	if len(got) != 0 {
		t.Fatalf("path-like user ids must not reach other folders, got %+v", got)
	}
}

func TestFileSearch_SkipsLargeAndBinary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "big.txt"), strings.Repeat("invoice ", 100))
	writeFile(t, filepath.Join(root, "bin.dat"), "invoice\x00\x01")

	fs := NewFileSearch(root, 64, testLogger())
	got, _ := fs.SearchFiles(context.Background(), "", "invoice", 5)
	if len(got) != 0 {
		t.Fatalf("expected no hits, got %+v", got)
	}
}

func TestFileSearch_LimitAndShortTerms(t *testing.T) {
	root := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, filepath.Join(root, n), "the policy document")
	}
	fs := NewFileSearch(root, 0, testLogger())

	got, _ := fs.SearchFiles(context.Background(), "", "policy", 2)
	if len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
	if got, _ := fs.SearchFiles(context.Background(), "", "is a", 5); got != nil {
		t.Fatalf("short terms should not search, got %+v", got)
	}
}

func TestSnippet(t *testing.T) {
	text := strings.Repeat("x", 1000) + "needle" + strings.Repeat("y", 1000)
	s := snippet(text, 1000)
	if !strings.HasPrefix(s, "...") || !strings.HasSuffix(s, "...") || !strings.Contains(s, "needle") {
		t.Fatalf("unexpected snippet %q", s)
	}
	if got := snippet("short text", 0); got != "short text" {
		t.Fatalf("got %q", got)
	}
}
