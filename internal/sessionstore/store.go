// Package sessionstore persists per-account session credentials and keyed
// key material in the relational store.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// Store reads and writes the session_creds and session_keys tables.
// Every failure is returned as an apperr STORAGE error.
type Store struct {
	db     *sql.DB
	rebind func(string) string
	enc    *Encryptor
}

// New creates a Store on top of an opened relational store.
func New(sqlStore *store.SQLStore, enc *Encryptor) *Store {
	return &Store{
		db:     sqlStore.DB(),
		rebind: sqlStore.Rebind,
		enc:    enc,
	}
}

func storageErr(err error, op string) error {
	return apperr.WrapRetryable(err, apperr.CodeStorage, op)
}

// Load returns the stored credentials for accountID, creating and persisting
// fresh credentials on first run.
func (s *Store) Load(ctx context.Context, accountID string) (*Credentials, error) {
	creds, err := s.read(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		return creds, nil
	}

	fresh, err := NewCredentials()
	if err != nil {
		return nil, storageErr(err, "init credentials")
	}
	data, err := s.encode(fresh)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO session_creds (account_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO NOTHING`),
		accountID, data, time.Now().UTC(),
	)
	if err != nil {
		return nil, storageErr(err, "insert credentials")
	}

	// a concurrent first load may have won the insert
	creds, err = s.read(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, apperr.New(apperr.CodeStorage, "credentials vanished after insert")
	}
	return creds, nil
}

// HasCredentials reports whether a credentials record exists.
func (s *Store) HasCredentials(ctx context.Context, accountID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM session_creds WHERE account_id = ?"), accountID).Scan(&n)
	if err != nil {
		return false, storageErr(err, "count credentials")
	}
	return n > 0, nil
}

// SaveCredentials overwrites the account's credentials record.
func (s *Store) SaveCredentials(ctx context.Context, accountID string, creds *Credentials) error {
	if creds == nil {
		return apperr.New(apperr.CodeInvalidInput, "nil credentials")
	}
	creds.UpdatedAt = time.Now().UTC()
	data, err := s.encode(creds)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO session_creds (account_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		accountID, data, creds.UpdatedAt,
	)
	if err != nil {
		return storageErr(err, "save credentials")
	}
	return nil
}

// GetKeys returns the values stored under category for the given ids.
// Missing ids are absent from the result.
func (s *Store) GetKeys(ctx context.Context, accountID, category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, accountID, category)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT key_id, value FROM session_keys WHERE account_id = ? AND category = ? AND key_id IN ("+placeholders+")"),
		args...,
	)
	if err != nil {
		return nil, storageErr(err, "query keys")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var sealed []byte
		if err := rows.Scan(&id, &sealed); err != nil {
			return nil, storageErr(err, "scan key")
		}
		value, err := s.enc.Open(sealed)
		if err != nil {
			return nil, storageErr(err, "decrypt key")
		}
		out[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate keys")
	}
	return out, nil
}

// SetKeys upserts one key value; a nil value deletes the key.
func (s *Store) SetKeys(ctx context.Context, accountID, category, id string, value []byte) error {
	if value == nil {
		_, err := s.db.ExecContext(ctx, s.rebind(
			"DELETE FROM session_keys WHERE account_id = ? AND category = ? AND key_id = ?"),
			accountID, category, id,
		)
		if err != nil {
			return storageErr(err, "delete key")
		}
		return nil
	}

	sealed, err := s.enc.Seal(value)
	if err != nil {
		return storageErr(err, "encrypt key")
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO session_keys (account_id, category, key_id, value, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, category, key_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		accountID, category, id, sealed, time.Now().UTC(),
	)
	if err != nil {
		return storageErr(err, "upsert key")
	}
	return nil
}

// Delete removes the credentials and every key for accountID.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM session_keys WHERE account_id = ?"), accountID); err != nil {
		return storageErr(err, "delete keys")
	}
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM session_creds WHERE account_id = ?"), accountID); err != nil {
		return storageErr(err, "delete credentials")
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "commit delete")
	}
	return nil
}

// Keys returns the key store view bound to one account.
func (s *Store) Keys(accountID string) *AccountKeys {
	return &AccountKeys{store: s, accountID: accountID}
}

// AccountKeys is the per-session key store handed to the protocol adapter.
type AccountKeys struct {
	store     *Store
	accountID string
}

func (k *AccountKeys) GetKeys(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	return k.store.GetKeys(ctx, k.accountID, category, ids)
}

func (k *AccountKeys) SetKeys(ctx context.Context, category, id string, value []byte) error {
	return k.store.SetKeys(ctx, k.accountID, category, id, value)
}

func (s *Store) read(ctx context.Context, accountID string) (*Credentials, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT data FROM session_creds WHERE account_id = ?"), accountID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "read credentials")
	}

	data, err := s.enc.Open(sealed)
	if err != nil {
		return nil, storageErr(err, "decrypt credentials")
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, storageErr(err, "decode credentials")
	}
	return &creds, nil
}

func (s *Store) encode(creds *Credentials) ([]byte, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, storageErr(err, "encode credentials")
	}
	sealed, err := s.enc.Seal(data)
	if err != nil {
		return nil, storageErr(err, "encrypt credentials")
	}
	return sealed, nil
}
