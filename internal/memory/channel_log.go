package memory

import (
	"context"
	"fmt"

	"omnichat/internal/domain"
)

const channelMessageInsert = `INSERT %s INTO channel_messages
	(account_id, direction, external_message_id, external_channel_id, thread_id, sender_id, content, content_kind, deleted, created_at)
	VALUES (:account_id, :direction, :external_message_id, :external_channel_id, :thread_id, :sender_id, :content, :content_kind, :deleted, :created_at)`

// RecordInbound is the dedupe point: the partial unique index on inbound
// (account_id, external_message_id) turns a replay into an ignored insert.
func (s *Store) RecordInbound(ctx context.Context, rec domain.ChannelMessage) (bool, error) {
	rec.Direction = domain.DirectionInbound
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	res, err := s.db.NamedExecContext(ctx, fmt.Sprintf(channelMessageInsert, "OR IGNORE"), rec)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", rec.ExternalMessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) RecordOutbound(ctx context.Context, rec domain.ChannelMessage) error {
	rec.Direction = domain.DirectionOutbound
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	if _, err := s.db.NamedExecContext(ctx, fmt.Sprintf(channelMessageInsert, ""), rec); err != nil {
		return fmt.Errorf("record outbound %s: %w", rec.ExternalMessageID, err)
	}
	return nil
}

func (s *Store) UpdateInbound(ctx context.Context, accountID, externalMessageID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_messages SET content = ?
		 WHERE account_id = ? AND external_message_id = ? AND direction = 'inbound'`,
		content, accountID, externalMessageID)
	return err
}

func (s *Store) MarkInboundDeleted(ctx context.Context, accountID, externalMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_messages SET deleted = 1
		 WHERE account_id = ? AND external_message_id = ? AND direction = 'inbound'`,
		accountID, externalMessageID)
	return err
}

// InboundCount is used by status reporting and tests.
func (s *Store) InboundCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM channel_messages WHERE account_id = ? AND direction = 'inbound'`, accountID)
	return n, err
}
