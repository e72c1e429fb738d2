package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SQLCampaignRepo implements CampaignRepository.
type SQLCampaignRepo struct {
	conn
}

const campaignColumns = `id, workspace_id, name, status, account_id, message, schedule_at, target_tags, created_at, updated_at, completed_at`

func (r *SQLCampaignRepo) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	ts := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	tags := c.TargetTags
	if tags == nil {
		tags = []string{}
	}
	_, err := r.exec(ctx, `
		INSERT INTO campaigns (id, workspace_id, name, status, account_id, message, schedule_at, target_tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name, c.Status, c.AccountID, c.Message, nullTime(c.ScheduleAt),
		encodeJSON(tags), c.CreatedAt.UTC(), c.UpdatedAt,
	)
	return err
}

func (r *SQLCampaignRepo) Get(ctx context.Context, id string) (*Campaign, error) {
	row := r.queryRow(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListDue returns SCHEDULED campaigns whose schedule time has passed.
func (r *SQLCampaignRepo) ListDue(ctx context.Context, at time.Time) ([]Campaign, error) {
	rows, err := r.query(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE status = ? AND schedule_at IS NOT NULL AND schedule_at <= ? ORDER BY schedule_at, id",
		CampaignScheduled, at.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ListCanceledWithQueued returns ids of CANCELED campaigns that still have QUEUED targets.
func (r *SQLCampaignRepo) ListCanceledWithQueued(ctx context.Context) ([]string, error) {
	rows, err := r.query(ctx, `
		SELECT DISTINCT c.id FROM campaigns c
		JOIN campaign_targets t ON t.campaign_id = c.id
		WHERE c.status = ? AND t.status = ?`,
		CampaignCanceled, TargetQueued,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Transition moves a campaign from one status to another. It reports false
// when the campaign was not in the expected status.
func (r *SQLCampaignRepo) Transition(ctx context.Context, id, from, to string) (bool, error) {
	res, err := r.exec(ctx,
		"UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, now(), id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *SQLCampaignRepo) CountTargets(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := r.queryRow(ctx, "SELECT COUNT(*) FROM campaign_targets WHERE campaign_id = ?", campaignID).Scan(&count)
	return count, err
}

// AddTargets creates QUEUED targets for the given contacts, skipping ones that exist.
func (r *SQLCampaignRepo) AddTargets(ctx context.Context, campaignID string, contactIDs []string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO campaign_targets (id, campaign_id, contact_id, status, attempts)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(campaign_id, contact_id) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, contactID := range contactIDs {
		res, err := stmt.ExecContext(ctx, uuid.NewString(), campaignID, contactID, TargetQueued)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

func (r *SQLCampaignRepo) QueuedContactIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.query(ctx,
		"SELECT contact_id FROM campaign_targets WHERE campaign_id = ? AND status = ? ORDER BY id",
		campaignID, TargetQueued,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLCampaignRepo) GetTarget(ctx context.Context, campaignID, contactID string) (*CampaignTarget, error) {
	var t CampaignTarget
	var lastTry sql.NullTime
	err := r.queryRow(ctx, `
		SELECT id, campaign_id, contact_id, status, attempts, last_error, last_try_at
		FROM campaign_targets WHERE campaign_id = ? AND contact_id = ?`,
		campaignID, contactID,
	).Scan(&t.ID, &t.CampaignID, &t.ContactID, &t.Status, &t.Attempts, &t.LastError, &lastTry)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.LastTryAt = timePtr(lastTry)
	return &t, nil
}

// FinishTarget moves a QUEUED target to a terminal status, bumping its attempt
// count. It reports false if the target was no longer QUEUED.
func (r *SQLCampaignRepo) FinishTarget(ctx context.Context, campaignID, contactID, status, lastErr string) (bool, error) {
	res, err := r.exec(ctx, `
		UPDATE campaign_targets
		SET status = ?, attempts = attempts + 1, last_error = ?, last_try_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND status = ?`,
		status, lastErr, now(), campaignID, contactID, TargetQueued,
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *SQLCampaignRepo) CancelQueuedTargets(ctx context.Context, campaignID string) (int64, error) {
	res, err := r.exec(ctx,
		"UPDATE campaign_targets SET status = ? WHERE campaign_id = ? AND status = ?",
		TargetCanceled, campaignID, TargetQueued,
	)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// CompleteIfDrained flips a PROCESSING campaign to COMPLETED when no target is
// QUEUED. The check and the update are one statement, so only one caller wins.
func (r *SQLCampaignRepo) CompleteIfDrained(ctx context.Context, campaignID string) (bool, error) {
	ts := now()
	res, err := r.exec(ctx, `
		UPDATE campaigns SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (SELECT 1 FROM campaign_targets WHERE campaign_id = ? AND status = ?)`,
		CampaignCompleted, ts, ts, campaignID, CampaignProcessing, campaignID, TargetQueued,
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *SQLCampaignRepo) Stats(ctx context.Context, campaignID string) (TargetStats, error) {
	var stats TargetStats
	rows, err := r.query(ctx,
		"SELECT status, COUNT(*) FROM campaign_targets WHERE campaign_id = ? GROUP BY status",
		campaignID,
	)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		switch status {
		case TargetQueued:
			stats.Queued = count
		case TargetSent:
			stats.Sent = count
		case TargetFailed:
			stats.Failed = count
		case TargetCanceled:
			stats.Canceled = count
		}
	}
	return stats, rows.Err()
}

func scanCampaign(row scanner) (*Campaign, error) {
	var c Campaign
	var scheduleAt, completedAt sql.NullTime
	var tags string
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &c.AccountID, &c.Message,
		&scheduleAt, &tags, &c.CreatedAt, &c.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	c.ScheduleAt = timePtr(scheduleAt)
	c.CompletedAt = timePtr(completedAt)
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &c.TargetTags)
	}
	return &c, nil
}
