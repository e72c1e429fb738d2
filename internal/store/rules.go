package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// SQLRuleRepo implements AutoReplyRuleRepository.
type SQLRuleRepo struct {
	conn
}

func (r *SQLRuleRepo) Upsert(ctx context.Context, rule *AutoReplyRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now()
	}
	var accountID sql.NullString
	if rule.AccountID != "" {
		accountID = sql.NullString{String: rule.AccountID, Valid: true}
	}
	days := rule.WindowDays
	if days == nil {
		days = []int{}
	}
	query := `
		INSERT INTO auto_reply_rules
		(id, workspace_id, account_id, name, active, priority, pattern_type, pattern_value, reply_mode,
		 reply_text, webhook_url, webhook_secret, cooldown_seconds, window_start, window_end, window_days,
		 timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			account_id = excluded.account_id,
			name = excluded.name,
			active = excluded.active,
			priority = excluded.priority,
			pattern_type = excluded.pattern_type,
			pattern_value = excluded.pattern_value,
			reply_mode = excluded.reply_mode,
			reply_text = excluded.reply_text,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret,
			cooldown_seconds = excluded.cooldown_seconds,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			window_days = excluded.window_days,
			timezone = excluded.timezone
	`
	_, err := r.exec(ctx, query,
		rule.ID, rule.WorkspaceID, accountID, rule.Name, rule.Active, rule.Priority,
		rule.PatternType, rule.PatternValue, rule.ReplyMode, rule.ReplyText, rule.WebhookURL,
		rule.WebhookSecret, rule.CooldownSeconds, rule.WindowStart, rule.WindowEnd,
		encodeJSON(days), rule.Timezone, rule.CreatedAt.UTC(),
	)
	return err
}

// ListActive returns the active rules that apply to an account, highest
// priority first, ties broken by creation order.
func (r *SQLRuleRepo) ListActive(ctx context.Context, workspaceID, accountID string) ([]AutoReplyRule, error) {
	query := `
		SELECT id, workspace_id, account_id, name, active, priority, pattern_type, pattern_value, reply_mode,
		       reply_text, webhook_url, webhook_secret, cooldown_seconds, window_start, window_end, window_days,
		       timezone, created_at
		FROM auto_reply_rules
		WHERE workspace_id = ? AND active = TRUE AND (account_id IS NULL OR account_id = ?)
		ORDER BY priority DESC, created_at ASC, id ASC
	`
	rows, err := r.query(ctx, query, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []AutoReplyRule
	for rows.Next() {
		var rule AutoReplyRule
		var accID sql.NullString
		var days string
		err := rows.Scan(
			&rule.ID, &rule.WorkspaceID, &accID, &rule.Name, &rule.Active, &rule.Priority,
			&rule.PatternType, &rule.PatternValue, &rule.ReplyMode, &rule.ReplyText, &rule.WebhookURL,
			&rule.WebhookSecret, &rule.CooldownSeconds, &rule.WindowStart, &rule.WindowEnd, &days,
			&rule.Timezone, &rule.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		rule.AccountID = accID.String
		if days != "" {
			_ = json.Unmarshal([]byte(days), &rule.WindowDays)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
