package knowledge

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"omnichat/internal/domain"
)

const snippetRadius = 300

// FileSearch scans text files under a root directory. Files under
// <root>/<userID> are searched first, then shared files directly in root.
type FileSearch struct {
	root         string
	maxFileBytes int64
	logger       *slog.Logger
}

func NewFileSearch(root string, maxFileBytes int64, logger *slog.Logger) *FileSearch {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSearch{root: root, maxFileBytes: maxFileBytes, logger: logger}
}

type fileHit struct {
	path  string
	score int
	text  string
	first int
}

// SearchFiles implements domain.FileSearcher. Files are scored by how many
// query term occurrences they contain; each hit carries a snippet around the
// first match.
func (f *FileSearch) SearchFiles(ctx context.Context, userID, query string, limit int) ([]domain.RetrievedChunk, error) {
	terms := searchTerms(query)
	if len(terms) == 0 || f.root == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	var hits []fileHit
	for _, dir := range f.dirsFor(userID) {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				// Per-user folders are only visited for their owner.
				if path != dir && dir == f.root {
					return filepath.SkipDir
				}
				return nil
			}
			if h, ok := f.scan(path, terms); ok {
				hits = append(hits, h)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		rel, _ := filepath.Rel(f.root, h.path)
		out = append(out, domain.RetrievedChunk{
			Source:  filepath.ToSlash(rel),
			Content: snippet(h.text, h.first),
			Score:   float64(h.score),
		})
	}
	return out, nil
}

func (f *FileSearch) dirsFor(userID string) []string {
	var dirs []string
	if userID != "" && !strings.ContainsAny(userID, `/\`) && userID != ".." {
		user := filepath.Join(f.root, userID)
		if info, err := os.Stat(user); err == nil && info.IsDir() {
			dirs = append(dirs, user)
		}
	}
	return append(dirs, f.root)
}

func (f *FileSearch) scan(path string, terms []string) (fileHit, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > f.maxFileBytes {
		return fileHit{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return fileHit{}, false
	}
	text := string(data)
	lower := strings.ToLower(text)

	h := fileHit{path: path, text: text, first: -1}
	for _, t := range terms {
		n := strings.Count(lower, t)
		if n == 0 {
			continue
		}
		h.score += n
		if idx := strings.Index(lower, t); h.first < 0 || idx < h.first {
			h.first = idx
		}
	}
	return h, h.score > 0
}

func searchTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// snippet returns text around byte offset at, aligned to rune boundaries.
func snippet(text string, at int) string {
	start := max(at-snippetRadius, 0)
	end := min(at+snippetRadius, len(text))
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	s := strings.TrimSpace(text[start:end])
	if start > 0 {
		s = "..." + s
	}
	if end < len(text) {
		s += "..."
	}
	return s
}
