package memory

import (
	"context"
	"strings"

	"omnichat/internal/domain"
)

func (s *Store) SaveMemory(ctx context.Context, mem domain.MemoryEntry) error {
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO memories (account_id, category, content, source, importance, created_at, expires_at)
		 VALUES (:account_id, :category, :content, :source, :importance, :created_at, :expires_at)`,
		mem)
	return err
}

// SearchMemories matches any query word of three or more letters, ranking by
// importance then recency. Expired memories are excluded.
func (s *Store) SearchMemories(ctx context.Context, accountID, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	where := []string{"account_id = ?", "(expires_at IS NULL OR expires_at > ?)"}
	args := []any{accountID, now()}

	var likes []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len([]rune(w)) < 3 {
			continue
		}
		likes = append(likes, "LOWER(content) LIKE ?")
		args = append(args, "%"+w+"%")
		if len(likes) == 8 {
			break
		}
	}
	if len(likes) > 0 {
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}
	args = append(args, limit)

	var out []domain.MemoryEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, account_id, category, content, source, importance, created_at, expires_at
		 FROM memories WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY importance DESC, created_at DESC LIMIT ?`, args...)
	return out, err
}
