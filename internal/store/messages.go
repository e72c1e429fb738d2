package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// SQLMessageRepo implements MessageRepository.
type SQLMessageRepo struct {
	conn
}

func (r *SQLMessageRepo) Create(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = MessageQueued
	}
	ts := now()
	msg.CreatedAt, msg.UpdatedAt = ts, ts
	_, err := r.exec(ctx, `
		INSERT INTO messages (id, account_id, recipient, body, source, campaign_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AccountID, msg.Recipient, msg.Body, msg.Source, msg.CampaignID, msg.Status, ts, ts,
	)
	return err
}

func (r *SQLMessageRepo) Get(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := r.queryRow(ctx, `
		SELECT id, account_id, recipient, body, source, campaign_id, status, provider_message_id,
		       error_code, error_detail, created_at, updated_at
		FROM messages WHERE id = ?`, id,
	).Scan(&msg.ID, &msg.AccountID, &msg.Recipient, &msg.Body, &msg.Source, &msg.CampaignID, &msg.Status,
		&msg.ProviderMessageID, &msg.ErrorCode, &msg.ErrorDetail, &msg.CreatedAt, &msg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *SQLMessageRepo) MarkSent(ctx context.Context, id, providerID string) error {
	return r.mark(ctx, `
		UPDATE messages SET status = ?, provider_message_id = ?, error_code = '', error_detail = '', updated_at = ?
		WHERE id = ?`, MessageSent, providerID, now(), id)
}

func (r *SQLMessageRepo) MarkFailed(ctx context.Context, id, code, detail string) error {
	return r.mark(ctx, `
		UPDATE messages SET status = ?, error_code = ?, error_detail = ?, updated_at = ?
		WHERE id = ?`, MessageFailed, code, detail, now(), id)
}

func (r *SQLMessageRepo) mark(ctx context.Context, query string, args ...any) error {
	res, err := r.exec(ctx, query, args...)
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
