package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSoulFiles_UserOverridesShared(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.md"), []byte("shared persona"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "u1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "u1", "default.md"), []byte("u1 persona"), 0o644); err != nil {
		t.Fatal(err)
	}
	souls := SoulFiles{Dir: dir}

	got, err := souls.Soul(context.Background(), "u1", "")
	if err != nil || got != "u1 persona" {
		t.Fatalf("expected user soul, got %q, %v", got, err)
	}
	got, err = souls.Soul(context.Background(), "u2", "default")
	if err != nil || got != "shared persona" {
		t.Fatalf("expected shared soul, got %q, %v", got, err)
	}
}

func TestSoulFiles_MissingIsEmpty(t *testing.T) {
	got, err := SoulFiles{Dir: t.TempDir()}.Soul(context.Background(), "u1", "sales")
	if err != nil || got != "" {
		t.Fatalf("expected empty soul, got %q, %v", got, err)
	}
}

func TestSoulFiles_RejectsTraversal(t *testing.T) {
	if _, err := (SoulFiles{Dir: t.TempDir()}).Soul(context.Background(), "u1", "../etc"); err == nil {
		t.Fatal("expected error for agent name with a path separator")
	}
}
