package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"omnichat/internal/domain"
)

type ruleRow struct {
	ID               string    `db:"id"`
	UserID           string    `db:"user_id"`
	ChannelAccountID string    `db:"channel_account_id"`
	Name             string    `db:"name"`
	Priority         int       `db:"priority"`
	TriggerType      string    `db:"trigger_type"`
	TriggerPattern   string    `db:"trigger_pattern"`
	TriggerConfig    string    `db:"trigger_config"`
	ActionType       string    `db:"action_type"`
	ActionConfig     string    `db:"action_config"`
	IsEnabled        bool      `db:"is_enabled"`
	CreatedAt        time.Time `db:"created_at"`
}

// ListRules returns every rule of the user, highest priority first.
func (s *Store) ListRules(ctx context.Context, userID string) ([]domain.AutoReplyRule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, channel_account_id, name, priority, trigger_type, trigger_pattern,
		        trigger_config, action_type, action_config, is_enabled, created_at
		 FROM auto_reply_rules WHERE user_id = ? ORDER BY priority DESC, created_at ASC`, userID); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	out := make([]domain.AutoReplyRule, 0, len(rows))
	for _, r := range rows {
		rule := domain.AutoReplyRule{
			ID:               r.ID,
			UserID:           r.UserID,
			ChannelAccountID: r.ChannelAccountID,
			Name:             r.Name,
			Priority:         r.Priority,
			TriggerType:      domain.TriggerType(r.TriggerType),
			TriggerPattern:   r.TriggerPattern,
			ActionType:       domain.ActionType(r.ActionType),
			IsEnabled:        r.IsEnabled,
			CreatedAt:        r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.TriggerConfig), &rule.TriggerConfig); err != nil {
			s.logger.Warn("rule has unreadable trigger config", "rule", r.ID, "err", err)
			continue
		}
		if err := json.Unmarshal([]byte(r.ActionConfig), &rule.ActionConfig); err != nil {
			s.logger.Warn("rule has unreadable action config", "rule", r.ID, "err", err)
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// SaveRule inserts or replaces a rule by id.
func (s *Store) SaveRule(ctx context.Context, rule domain.AutoReplyRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now()
	}
	trig, err := json.Marshal(rule.TriggerConfig)
	if err != nil {
		return err
	}
	act, err := json.Marshal(rule.ActionConfig)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO auto_reply_rules
		 (id, user_id, channel_account_id, name, priority, trigger_type, trigger_pattern,
		  trigger_config, action_type, action_config, is_enabled, created_at)
		 VALUES (:id, :user_id, :channel_account_id, :name, :priority, :trigger_type, :trigger_pattern,
		  :trigger_config, :action_type, :action_config, :is_enabled, :created_at)`,
		ruleRow{
			ID:               rule.ID,
			UserID:           rule.UserID,
			ChannelAccountID: rule.ChannelAccountID,
			Name:             rule.Name,
			Priority:         rule.Priority,
			TriggerType:      string(rule.TriggerType),
			TriggerPattern:   rule.TriggerPattern,
			TriggerConfig:    string(trig),
			ActionType:       string(rule.ActionType),
			ActionConfig:     string(act),
			IsEnabled:        rule.IsEnabled,
			CreatedAt:        rule.CreatedAt.UTC(),
		})
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *Store) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE auto_reply_rules SET is_enabled = ? WHERE id = ?`, enabled, ruleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", ruleID)
	}
	return nil
}
