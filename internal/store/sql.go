package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour behind a DSN.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DialectFor picks the driver from a DSN: postgres URLs go to lib/pq,
// anything else is treated as a sqlite file path.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// SQLStore implements all repositories on database/sql.
type SQLStore struct {
	db          *sql.DB
	dialect     Dialect
	Accounts    *SQLAccountRepo
	Rules       *SQLRuleRepo
	Campaigns   *SQLCampaignRepo
	Contacts    *SQLContactRepo
	Messages    *SQLMessageRepo
	Audit       *SQLAuditRepo
	Transitions *SQLTransitionRepo
}

// Open connects to the relational store and runs migrations.
func Open(dsn string) (*SQLStore, error) {
	dialect := DialectFor(dsn)

	source := dsn
	if dialect == DialectSQLite {
		source = dsn + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	c := conn{db: db, dialect: dialect}
	return &SQLStore{
		db:          db,
		dialect:     dialect,
		Accounts:    &SQLAccountRepo{c},
		Rules:       &SQLRuleRepo{c},
		Campaigns:   &SQLCampaignRepo{c},
		Contacts:    &SQLContactRepo{c},
		Messages:    &SQLMessageRepo{c},
		Audit:       &SQLAuditRepo{c},
		Transitions: &SQLTransitionRepo{c},
	}, nil
}

// DB exposes the underlying handle for packages that own their own tables.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the dialect the store was opened with.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Rebind rewrites '?' placeholders for the store's dialect.
func (s *SQLStore) Rebind(query string) string {
	return conn{dialect: s.dialect}.rebind(query)
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB, dialect Dialect) error {
	migration := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'DISCONNECTED',
		last_seen_at TIMESTAMP,
		settings TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_workspace ON accounts(workspace_id, status);

	CREATE TABLE IF NOT EXISTS session_creds (
		account_id TEXT PRIMARY KEY,
		data {{BLOB}} NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_keys (
		account_id TEXT NOT NULL,
		category TEXT NOT NULL,
		key_id TEXT NOT NULL,
		value {{BLOB}} NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (account_id, category, key_id)
	);

	CREATE TABLE IF NOT EXISTS auto_reply_rules (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		account_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		pattern_type TEXT NOT NULL,
		pattern_value TEXT NOT NULL,
		reply_mode TEXT NOT NULL,
		reply_text TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		window_start TEXT NOT NULL DEFAULT '',
		window_end TEXT NOT NULL DEFAULT '',
		window_days TEXT NOT NULL DEFAULT '[]',
		timezone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_workspace ON auto_reply_rules(workspace_id, active, priority);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contact_tags (
		contact_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (contact_id, tag),
		FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		schedule_at TIMESTAMP,
		target_tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status, schedule_at);

	CREATE TABLE IF NOT EXISTS campaign_targets (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_try_at TIMESTAMP,
		UNIQUE (campaign_id, contact_id),
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_targets_status ON campaign_targets(campaign_id, status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		campaign_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		provider_message_id TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id, created_at);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_transitions (
		id {{SERIAL}},
		account_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_account ON session_transitions(account_id, id);
	`

	blob, serial := "BLOB", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		blob, serial = "BYTEA", "BIGSERIAL PRIMARY KEY"
	}
	migration = strings.NewReplacer("{{BLOB}}", blob, "{{SERIAL}}", serial).Replace(migration)

	_, err := db.Exec(migration)
	return err
}

// conn rebinds '?' placeholders for postgres before handing queries to database/sql.
type conn struct {
	db      *sql.DB
	dialect Dialect
}

func (c conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.rebind(query), args...)
}

// now returns the current time in UTC; every stored timestamp is UTC so
// sqlite's textual comparison stays ordered.
func now() time.Time {
	return time.Now().UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
