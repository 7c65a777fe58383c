package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"omnichat/internal/domain"
)

// accountRow adds the JSON runtime_config column to the domain type.
type accountRow struct {
	domain.ChannelAccount
	RuntimeJSON string `db:"runtime_config"`
}

func (r accountRow) toDomain() (*domain.ChannelAccount, error) {
	acct := r.ChannelAccount
	acct.RuntimeConfig = domain.DefaultRuntimeConfig()
	if r.RuntimeJSON != "" {
		if err := json.Unmarshal([]byte(r.RuntimeJSON), &acct.RuntimeConfig); err != nil {
			return nil, fmt.Errorf("decode runtime config for account %s: %w", acct.ID, err)
		}
	}
	return &acct, nil
}

const accountColumns = `id, user_id, platform, external_channel_id, is_active, encrypted_credentials,
	runtime_config, delivery_address, last_active_at, created_at`

func (s *Store) getAccount(ctx context.Context, query string, args ...any) (*domain.ChannelAccount, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) selectAccounts(ctx context.Context, query string, args ...any) ([]domain.ChannelAccount, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.ChannelAccount, 0, len(rows))
	for _, r := range rows {
		acct, err := r.toDomain()
		if err != nil {
			s.logger.Warn("skipping account with unreadable config", "account", r.ID, "err", err)
			continue
		}
		out = append(out, *acct)
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.ChannelAccount, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM channel_accounts WHERE id = ?`, id)
}

func (s *Store) FindAccount(ctx context.Context, userID string, p domain.Platform, channelID string) (*domain.ChannelAccount, error) {
	return s.getAccount(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts
		 WHERE user_id = ? AND platform = ? AND external_channel_id = ? AND is_active = 1`,
		userID, p, channelID)
}

func (s *Store) MostRecentAccount(ctx context.Context, userID string, p domain.Platform) (*domain.ChannelAccount, error) {
	return s.getAccount(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts
		 WHERE user_id = ? AND platform = ? AND is_active = 1
		 ORDER BY last_active_at DESC, created_at DESC LIMIT 1`,
		userID, p)
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]domain.ChannelAccount, error) {
	return s.selectAccounts(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE is_active = 1 ORDER BY created_at`)
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]domain.ChannelAccount, error) {
	return s.selectAccounts(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE user_id = ? ORDER BY created_at`, userID)
}

// CreateAccount inserts acct, assigning an id and timestamps when missing.
func (s *Store) CreateAccount(ctx context.Context, acct domain.ChannelAccount) error {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now()
	}
	if acct.LastActiveAt.IsZero() {
		acct.LastActiveAt = acct.CreatedAt
	}
	cfg, err := json.Marshal(acct.RuntimeConfig)
	if err != nil {
		return fmt.Errorf("encode runtime config: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO channel_accounts (`+accountColumns+`)
		 VALUES (:id, :user_id, :platform, :external_channel_id, :is_active, :encrypted_credentials,
		         :runtime_config, :delivery_address, :last_active_at, :created_at)`,
		accountRow{ChannelAccount: acct, RuntimeJSON: string(cfg)})
	if err != nil {
		return fmt.Errorf("create account %s/%s: %w", acct.Platform, acct.ExternalChannelID, err)
	}
	return nil
}

func (s *Store) UpdateRuntimeConfig(ctx context.Context, accountID string, cfg domain.RuntimeConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode runtime config: %w", err)
	}
	return s.updateAccount(ctx, accountID, `UPDATE channel_accounts SET runtime_config = ? WHERE id = ?`, string(data))
}

func (s *Store) UpdateDeliveryAddress(ctx context.Context, accountID, address string) error {
	return s.updateAccount(ctx, accountID, `UPDATE channel_accounts SET delivery_address = ? WHERE id = ?`, address)
}

func (s *Store) UpdateCredentials(ctx context.Context, accountID, sealed string) error {
	return s.updateAccount(ctx, accountID, `UPDATE channel_accounts SET encrypted_credentials = ? WHERE id = ?`, sealed)
}

func (s *Store) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	return s.updateAccount(ctx, accountID, `UPDATE channel_accounts SET is_active = ? WHERE id = ?`, active)
}

func (s *Store) updateAccount(ctx context.Context, accountID, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, accountID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", accountID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// touchAccount is used inside the stats transaction.
func touchAccount(ctx context.Context, tx *sqlx.Tx, accountID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE channel_accounts SET last_active_at = ? WHERE id = ? AND last_active_at < ?`,
		at.UTC(), accountID, at.UTC())
	return err
}
