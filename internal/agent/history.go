package agent

import "omnichat/internal/domain"

// DefaultHistoryTurns is the number of stored turns sent to the model when
// the account does not configure a context window.
const DefaultHistoryTurns = 20

func historyLimit(cfg domain.RuntimeConfig) int {
	if cfg.ContextWindow > 0 {
		return cfg.ContextWindow
	}
	return DefaultHistoryTurns
}

// trimHistory converts stored turns to model messages, dropping the turn
// with id skip (the message being answered) and keeping at most limit of
// the newest turns. Input is oldest first.
func trimHistory(stored []domain.StoredMessage, skip int64, limit int) []domain.Message {
	kept := make([]domain.StoredMessage, 0, len(stored))
	for _, m := range stored {
		if m.ID == skip || m.Content == "" {
			continue
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	// A history that opens with an assistant turn confuses some models.
	for len(kept) > 0 && kept[0].Role == domain.RoleAssistant {
		kept = kept[1:]
	}

	out := make([]domain.Message, len(kept))
	for i, m := range kept {
		out[i] = domain.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
