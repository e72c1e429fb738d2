package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// SQLAuditRepo implements AuditRepository.
type SQLAuditRepo struct {
	conn
}

func (r *SQLAuditRepo) Record(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	_, err := r.exec(ctx, `
		INSERT INTO audit_logs (id, workspace_id, actor_id, action, target_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkspaceID, entry.ActorID, entry.Action, entry.TargetID, entry.Reason, entry.CreatedAt.UTC(),
	)
	return err
}

func (r *SQLAuditRepo) List(ctx context.Context, workspaceID string, limit int) ([]AuditEntry, error) {
	rows, err := r.query(ctx, `
		SELECT id, workspace_id, actor_id, action, target_id, reason, created_at
		FROM audit_logs WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ActorID, &e.Action, &e.TargetID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SQLTransitionRepo implements TransitionRepository.
type SQLTransitionRepo struct {
	conn
}

func (r *SQLTransitionRepo) LogTransition(ctx context.Context, accountID string, from, to state.State, trigger string) error {
	_, err := r.exec(ctx,
		"INSERT INTO session_transitions (account_id, from_state, to_state, trigger, timestamp) VALUES (?, ?, ?, ?, ?)",
		accountID, string(from), string(to), trigger, now(),
	)
	return err
}

func (r *SQLTransitionRepo) History(ctx context.Context, accountID string, limit int) ([]Transition, error) {
	rows, err := r.query(ctx,
		"SELECT id, account_id, from_state, to_state, trigger, timestamp FROM session_transitions WHERE account_id = ? ORDER BY id DESC LIMIT ?",
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.AccountID, &from, &to, &t.Trigger, &t.Timestamp); err != nil {
			return nil, err
		}
		t.FromState = state.State(from)
		t.ToState = state.State(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
