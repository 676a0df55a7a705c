package store

import "fmt"

// The DDL is kept portable across SQLite and PostgreSQL: TEXT keys, BIGINT
// millisecond-epoch timestamps, and INTEGER 0/1 flags so the same filter SQL
// runs on both engines. deleted_emails deliberately has no FK to
// mail_accounts: the Eternal Memory archive survives account removal.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS mail_accounts (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT 'gmail',
	email             TEXT NOT NULL,
	sync_status       TEXT NOT NULL DEFAULT 'idle',
	sync_started_at   BIGINT,
	sync_completed_at BIGINT,
	sync_error        TEXT,
	history_id        BIGINT NOT NULL DEFAULT 0,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL,
	UNIQUE (user_id, provider, email)
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	account_id    TEXT PRIMARY KEY REFERENCES mail_accounts(id) ON DELETE CASCADE,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	scope         TEXT NOT NULL DEFAULT '',
	expires_at    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
	message_id       TEXT NOT NULL,
	account_id       TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
	thread_id        TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	snippet          TEXT NOT NULL DEFAULT '',
	from_email       TEXT NOT NULL DEFAULT '',
	from_name        TEXT NOT NULL DEFAULT '',
	labels           TEXT NOT NULL DEFAULT '[]',
	category         TEXT,
	size_bytes       BIGINT NOT NULL DEFAULT 0,
	has_attachments  INTEGER NOT NULL DEFAULT 0,
	attachments      TEXT,
	is_unread        INTEGER NOT NULL DEFAULT 0,
	is_starred       INTEGER NOT NULL DEFAULT 0,
	is_trash         INTEGER NOT NULL DEFAULT 0,
	is_spam          INTEGER NOT NULL DEFAULT 0,
	is_important     INTEGER NOT NULL DEFAULT 0,
	internal_date    BIGINT NOT NULL DEFAULT 0,
	synced_at        BIGINT NOT NULL DEFAULT 0,
	unsubscribe_link TEXT,
	PRIMARY KEY (message_id, account_id)
);

CREATE INDEX IF NOT EXISTS idx_emails_account ON emails(account_id);
CREATE INDEX IF NOT EXISTS idx_emails_from ON emails(account_id, from_email);
CREATE INDEX IF NOT EXISTS idx_emails_category ON emails(account_id, category);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(account_id, internal_date);
CREATE INDEX IF NOT EXISTS idx_emails_size ON emails(account_id, size_bytes);
CREATE INDEX IF NOT EXISTS idx_emails_unread ON emails(account_id, is_unread);
CREATE INDEX IF NOT EXISTS idx_emails_starred ON emails(account_id, is_starred);
CREATE INDEX IF NOT EXISTS idx_emails_trash ON emails(account_id, is_trash);
CREATE INDEX IF NOT EXISTS idx_emails_spam ON emails(account_id, is_spam);
CREATE INDEX IF NOT EXISTS idx_emails_important ON emails(account_id, is_important);

CREATE TABLE IF NOT EXISTS senders (
	account_id TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
	email      TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	count      BIGINT NOT NULL DEFAULT 0,
	total_size BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, email)
);

CREATE INDEX IF NOT EXISTS idx_senders_count ON senders(account_id, count DESC);

CREATE TABLE IF NOT EXISTS deleted_emails (
	message_id       TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	thread_id        TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	snippet          TEXT NOT NULL DEFAULT '',
	from_email       TEXT NOT NULL DEFAULT '',
	from_name        TEXT NOT NULL DEFAULT '',
	labels           TEXT NOT NULL DEFAULT '[]',
	category         TEXT,
	size_bytes       BIGINT NOT NULL DEFAULT 0,
	has_attachments  INTEGER NOT NULL DEFAULT 0,
	attachments      TEXT,
	is_unread        INTEGER NOT NULL DEFAULT 0,
	is_starred       INTEGER NOT NULL DEFAULT 0,
	is_spam          INTEGER NOT NULL DEFAULT 0,
	is_important     INTEGER NOT NULL DEFAULT 0,
	internal_date    BIGINT NOT NULL DEFAULT 0,
	unsubscribe_link TEXT,
	deleted_at       BIGINT NOT NULL,
	PRIMARY KEY (message_id, account_id)
);

CREATE INDEX IF NOT EXISTS idx_deleted_account ON deleted_emails(account_id);

CREATE TABLE IF NOT EXISTS unsubscribed_senders (
	account_id      TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
	sender_email    TEXT NOT NULL,
	unsubscribed_at BIGINT NOT NULL,
	PRIMARY KEY (account_id, sender_email)
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
	user_id             TEXT NOT NULL,
	type                TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	payload             TEXT NOT NULL DEFAULT '{}',
	total_messages      BIGINT NOT NULL DEFAULT 0,
	processed_messages  BIGINT NOT NULL DEFAULT 0,
	next_page_token     TEXT NOT NULL DEFAULT '',
	last_error          TEXT NOT NULL DEFAULT '',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	resumed_at          BIGINT,
	processed_at_resume BIGINT NOT NULL DEFAULT 0,
	started_at          BIGINT,
	completed_at        BIGINT,
	created_at          BIGINT NOT NULL,
	updated_at          BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id, type, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_running
	ON jobs(account_id, type) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS ai_query_cache (
	query_id   TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	filter     TEXT NOT NULL,
	count      BIGINT NOT NULL,
	size_bytes BIGINT NOT NULL,
	created_at BIGINT NOT NULL
);
`

// InitSchema creates all tables and indexes if they don't exist.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}
