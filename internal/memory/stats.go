package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"omnichat/internal/domain"
)

// IncrementStats applies the delta with SQL arithmetic so concurrent
// replies on the same account never lose an update.
func (s *Store) IncrementStats(ctx context.Context, accountID string, messages, tokens int64, at time.Time) error {
	at = at.UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_stats (account_id, message_count, tokens_used, last_activity_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   message_count    = message_count + excluded.message_count,
		   tokens_used      = tokens_used + excluded.tokens_used,
		   last_activity_at = excluded.last_activity_at`,
		accountID, messages, tokens, at); err != nil {
		return fmt.Errorf("increment stats for %s: %w", accountID, err)
	}
	if err := touchAccount(ctx, tx, accountID, at); err != nil {
		return fmt.Errorf("touch account %s: %w", accountID, err)
	}
	return tx.Commit()
}

func (s *Store) GetStats(ctx context.Context, accountID string) (*domain.AccountStats, error) {
	var st domain.AccountStats
	err := s.db.GetContext(ctx, &st,
		`SELECT account_id, message_count, tokens_used, last_activity_at FROM account_stats WHERE account_id = ?`,
		accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.AccountStats{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
