package main

import (
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
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func layoutIn(dir string) backupLayout {
	return backupLayout{
		DBPath:    filepath.Join(dir, "data", "omnichat.db"),
		Config:    filepath.Join(dir, "config.json"),
		SoulsDir:  filepath.Join(dir, "ws", "souls"),
		SkillsDir: filepath.Join(dir, "ws", "skills"),
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := layoutIn(t.TempDir())
	snapshot := filepath.Join(t.TempDir(), "snap.db")
	writeFile(t, snapshot, "sqlite-bytes")
	writeFile(t, src.Config, `{"general":{}}`)
	writeFile(t, filepath.Join(src.SoulsDir, "default.md"), "be kind")
	writeFile(t, filepath.Join(src.SoulsDir, "u1", "support.md"), "be brief")
	writeFile(t, filepath.Join(src.SkillsDir, "digest.yaml"), "name: digest")

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	written, err := createBackup(archive, src, snapshot)
	if err != nil {
		t.Fatalf("createBackup: %v", err)
	}
	if len(written) != 5 {
		t.Fatalf("expected 5 members, got %+v", written)
	}

	dst := layoutIn(t.TempDir())
	writeFile(t, dst.DBPath+"-wal", "stale")
	restored, err := extractBackup(archive, dst)
	if err != nil {
		t.Fatalf("extractBackup: %v", err)
	}
	if len(restored) != 5 {
		t.Fatalf("expected 5 restored files, got %v", restored)
	}

	checks := map[string]string{
		dst.DBPath: "sqlite-bytes",
		dst.Config: `{"general":{}}`,
		filepath.Join(dst.SoulsDir, "u1", "support.md"): "be brief",
		filepath.Join(dst.SkillsDir, "digest.yaml"):     "name: digest",
	}
	for path, want := range checks {
		got, err := os.ReadFile(path)
		if err != nil || string(got) != want {
			t.Errorf("%s: got %q, %v", path, got, err)
		}
	}
	if _, err := os.Stat(dst.DBPath + "-wal"); !os.IsNotExist(err) {
		t.Fatal("stale WAL file should be removed after restoring the database")
	}
}

func TestBackup_NothingToBackUp(t *testing.T) {
	l := layoutIn(t.TempDir())
	_, err := createBackup(filepath.Join(t.TempDir(), "b.tar.gz"), l, "")
	if err == nil || !strings.Contains(err.Error(), "nothing to back up") {
		t.Fatalf("expected nothing-to-back-up error, got %v", err)
	}
}

func TestTargetFor_RejectsEscapes(t *testing.T) {
	l := layoutIn("/srv")
	for _, name := range []string{"../etc/passwd", "/etc/passwd", "souls/../../x", "random.txt", "omnichat.db-wal"} {
		if got, ok := targetFor(l, name); ok {
			t.Errorf("%q should be rejected, got %s", name, got)
		}
	}
	if got, ok := targetFor(l, "skills/a.yaml"); !ok || got != filepath.Join("/srv", "ws", "skills", "a.yaml") {
		t.Fatalf("skills member resolved to %q, %v", got, ok)
	}
}

func TestRenderService_Systemd(t *testing.T) {
	out, err := renderService(systemdTemplate, serviceSpec{Exec: "/usr/local/bin/omnichat", Config: "/home/a/.omnichat/config.json", EnvFile: "/home/a/.omnichat/.env"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.Contains(s, "ExecStart=/usr/local/bin/omnichat gateway --config /home/a/.omnichat/config.json") {
		t.Fatalf("unexpected unit:\n%s", s)
	}
	if !strings.Contains(s, "EnvironmentFile=-/home/a/.omnichat/.env") {
		t.Fatalf("missing env file:\n%s", s)
	}
}
