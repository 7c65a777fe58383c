package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is applied in order; each step runs once and is recorded in
// schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "channel accounts, threads, messages, raw channel log, rules, stats",
		SQL: `
		CREATE TABLE IF NOT EXISTS channel_accounts (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL,
			platform              TEXT NOT NULL,
			external_channel_id   TEXT NOT NULL,
			is_active             INTEGER NOT NULL DEFAULT 1,
			encrypted_credentials TEXT NOT NULL DEFAULT '',
			runtime_config        TEXT NOT NULL DEFAULT '{}',
			delivery_address      TEXT NOT NULL DEFAULT '',
			last_active_at        DATETIME NOT NULL,
			created_at            DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_user_platform ON channel_accounts(user_id, platform, last_active_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_channel ON channel_accounts(user_id, platform, external_channel_id);

		CREATE TABLE IF NOT EXISTS conversation_threads (
			id                  TEXT PRIMARY KEY,
			account_id          TEXT NOT NULL REFERENCES channel_accounts(id),
			user_id             TEXT NOT NULL,
			thread_key          TEXT NOT NULL,
			platform            TEXT NOT NULL,
			external_channel_id TEXT NOT NULL,
			thread_id           TEXT NOT NULL,
			created_at          DATETIME NOT NULL,
			updated_at          DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_key ON conversation_threads(account_id, thread_key);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversation_threads(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, id);

		CREATE TABLE IF NOT EXISTS channel_messages (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id          TEXT NOT NULL,
			direction           TEXT NOT NULL,
			external_message_id TEXT NOT NULL DEFAULT '',
			external_channel_id TEXT NOT NULL DEFAULT '',
			thread_id           TEXT NOT NULL DEFAULT '',
			sender_id           TEXT NOT NULL DEFAULT '',
			content             TEXT NOT NULL DEFAULT '',
			content_kind        TEXT NOT NULL DEFAULT 'text',
			deleted             INTEGER NOT NULL DEFAULT 0,
			created_at          DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_messages_inbound
			ON channel_messages(account_id, external_message_id) WHERE direction = 'inbound';

		CREATE TABLE IF NOT EXISTS auto_reply_rules (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			channel_account_id TEXT NOT NULL DEFAULT '',
			name               TEXT NOT NULL DEFAULT '',
			priority           INTEGER NOT NULL DEFAULT 0,
			trigger_type       TEXT NOT NULL,
			trigger_pattern    TEXT NOT NULL DEFAULT '',
			trigger_config     TEXT NOT NULL DEFAULT '{}',
			action_type        TEXT NOT NULL,
			action_config      TEXT NOT NULL DEFAULT '{}',
			is_enabled         INTEGER NOT NULL DEFAULT 1,
			created_at         DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rules_user ON auto_reply_rules(user_id, priority);

		CREATE TABLE IF NOT EXISTS account_stats (
			account_id       TEXT PRIMARY KEY,
			message_count    INTEGER NOT NULL DEFAULT 0,
			tokens_used      INTEGER NOT NULL DEFAULT 0,
			last_activity_at DATETIME NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "long-term memories per account",
		SQL: `
		CREATE TABLE IF NOT EXISTS memories (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id  TEXT NOT NULL,
			category    TEXT NOT NULL,
			content     TEXT NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			importance  INTEGER NOT NULL DEFAULT 5,
			created_at  DATETIME NOT NULL,
			expires_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_memories_account ON memories(account_id, importance);
		`,
	},
	{
		Version:     3,
		Description: "knowledge documents, chunks, FTS5 index",
		SQL: `
		CREATE TABLE IF NOT EXISTS documents (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			mime_type   TEXT NOT NULL DEFAULT '',
			size        INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);

		CREATE TABLE IF NOT EXISTS document_chunks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(document_id, chunk_index);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content,
			content='document_chunks',
			content_rowid='id'
		);
		`,
	},
}

// RunMigrations applies all pending migrations inside one transaction each.
// When a whole-script run fails (upgrades from a hand-created schema), the
// statements are replayed one by one and "already exists" failures skipped.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			logger.Warn("migration script failed, retrying per statement", "version", m.Version, "err", err)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped", "stmt", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns 0 for a database that was never migrated.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
