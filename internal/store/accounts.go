package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLAccountRepo implements AccountRepository.
type SQLAccountRepo struct {
	conn
}

const accountColumns = `id, workspace_id, label, status, last_seen_at, settings, created_at`

func (r *SQLAccountRepo) Upsert(ctx context.Context, acc *Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now()
	}
	if acc.Status == "" {
		acc.Status = AccountDisconnected
	}
	if acc.Settings == nil {
		acc.Settings = map[string]any{}
	}
	query := `
		INSERT INTO accounts (id, workspace_id, label, status, last_seen_at, settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			label = excluded.label,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at,
			settings = excluded.settings
	`
	_, err := r.exec(ctx, query,
		acc.ID, acc.WorkspaceID, acc.Label, acc.Status, nullTime(acc.LastSeenAt),
		encodeJSON(acc.Settings), acc.CreatedAt.UTC(),
	)
	return err
}

func (r *SQLAccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.queryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *SQLAccountRepo) WorkspaceOf(ctx context.Context, id string) (string, error) {
	var workspaceID string
	err := r.queryRow(ctx, "SELECT workspace_id FROM accounts WHERE id = ?", id).Scan(&workspaceID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return workspaceID, err
}

func (r *SQLAccountRepo) UpdateStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	res, err := r.exec(ctx,
		"UPDATE accounts SET status = ?, last_seen_at = ? WHERE id = ?",
		status, lastSeen.UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSetting updates one key of the account's settings document.
func (r *SQLAccountRepo) SetSetting(ctx context.Context, id, key string, value any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, r.rebind("SELECT settings FROM accounts WHERE id = ?"), id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	settings := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return fmt.Errorf("corrupt settings for account %s: %w", id, err)
		}
	}
	settings[key] = value

	if _, err := tx.ExecContext(ctx, r.rebind("UPDATE accounts SET settings = ? WHERE id = ?"), encodeJSON(settings), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListConnected returns a workspace's CONNECTED accounts in first-seen order.
func (r *SQLAccountRepo) ListConnected(ctx context.Context, workspaceID string) ([]Account, error) {
	rows, err := r.query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE workspace_id = ? AND status = ? ORDER BY created_at, id",
		workspaceID, AccountConnected,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (r *SQLAccountRepo) List(ctx context.Context) ([]Account, error) {
	rows, err := r.query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var acc Account
	var lastSeen sql.NullTime
	var settings string
	if err := row.Scan(&acc.ID, &acc.WorkspaceID, &acc.Label, &acc.Status, &lastSeen, &settings, &acc.CreatedAt); err != nil {
		return nil, err
	}
	acc.LastSeenAt = timePtr(lastSeen)
	acc.Settings = map[string]any{}
	if settings != "" {
		_ = json.Unmarshal([]byte(settings), &acc.Settings)
	}
	return &acc, nil
}

func scanAccounts(rows *sql.Rows) ([]Account, error) {
	var accounts []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}
