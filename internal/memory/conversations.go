package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"omnichat/internal/domain"
)

const threadColumns = `id, account_id, user_id, thread_key, platform, external_channel_id, thread_id, created_at, updated_at`

// GetOrCreateThread resolves a thread by (AccountID, Key). Creation is an
// INSERT OR IGNORE so two concurrent first messages agree on one row.
func (s *Store) GetOrCreateThread(ctx context.Context, t domain.ConversationThread) (*domain.ConversationThread, error) {
	if t.Key == "" {
		t.Key = domain.NewThreadKey(t.Platform, t.ExternalChannelID, t.ThreadID)
	}
	if t.ThreadID == "" {
		t.ThreadID = domain.MainThread
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts

	if _, err := s.db.NamedExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_threads (`+threadColumns+`)
		 VALUES (:id, :account_id, :user_id, :thread_key, :platform, :external_channel_id, :thread_id, :created_at, :updated_at)`,
		t); err != nil {
		return nil, fmt.Errorf("create thread %s: %w", t.Key, err)
	}

	var out domain.ConversationThread
	if err := s.db.GetContext(ctx, &out,
		`SELECT `+threadColumns+` FROM conversation_threads WHERE account_id = ? AND thread_key = ?`,
		t.AccountID, t.Key); err != nil {
		return nil, fmt.Errorf("load thread %s: %w", t.Key, err)
	}
	return &out, nil
}

func (s *Store) ListThreads(ctx context.Context, accountID string, limit int) ([]domain.ConversationThread, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []domain.ConversationThread
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+threadColumns+` FROM conversation_threads
		 WHERE account_id = ? ORDER BY updated_at DESC LIMIT ?`, accountID, limit)
	return out, err
}

type messageRow struct {
	ID             int64     `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Metadata       string    `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r messageRow) toDomain() domain.StoredMessage {
	m := domain.StoredMessage{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           domain.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
	// Metadata is advisory; a corrupt blob leaves it zero.
	_ = json.Unmarshal([]byte(r.Metadata), &m.Metadata)
	return m
}

// AppendMessage stores a turn and bumps the thread's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg domain.StoredMessage) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode message metadata: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, string(msg.Role), msg.Content, string(meta), msg.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("append message to %s: %w", msg.ConversationID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_threads SET updated_at = ? WHERE id = ?`, now(), msg.ConversationID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return id, nil
}

// RecentMessages returns the newest limit turns, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, conversation_id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, limit); err != nil {
		return nil, fmt.Errorf("load history for %s: %w", conversationID, err)
	}

	out := make([]domain.StoredMessage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) ClearMessages(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}
