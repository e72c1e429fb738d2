package store

import (
	"context"
	"database/sql"
	"strings"
)

// SQLContactRepo implements ContactRepository.
type SQLContactRepo struct {
	conn
}

func (r *SQLContactRepo) Upsert(ctx context.Context, c *Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO contacts (id, workspace_id, name, phone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			phone = excluded.phone`),
		c.ID, c.WorkspaceID, c.Name, c.Phone, c.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM contact_tags WHERE contact_id = ?"), c.ID); err != nil {
		return err
	}
	for _, tag := range c.Tags {
		if _, err := tx.ExecContext(ctx, r.rebind("INSERT INTO contact_tags (contact_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING"), c.ID, tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLContactRepo) Get(ctx context.Context, id string) (*Contact, error) {
	var c Contact
	err := r.queryRow(ctx,
		"SELECT id, workspace_id, name, phone, created_at FROM contacts WHERE id = ?", id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Phone, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.query(ctx, "SELECT tag FROM contact_tags WHERE contact_id = ? ORDER BY tag", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		c.Tags = append(c.Tags, tag)
	}
	return &c, rows.Err()
}

// IDsByTags returns contacts in a workspace carrying any of the tags. An
// empty tag filter selects every contact in the workspace.
func (r *SQLContactRepo) IDsByTags(ctx context.Context, workspaceID string, tags []string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if len(tags) == 0 {
		rows, err = r.query(ctx, "SELECT id FROM contacts WHERE workspace_id = ? ORDER BY created_at, id", workspaceID)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		args := []any{workspaceID}
		for _, tag := range tags {
			args = append(args, tag)
		}
		rows, err = r.query(ctx, `
			SELECT c.id FROM contacts c
			WHERE c.workspace_id = ?
			AND EXISTS (SELECT 1 FROM contact_tags t WHERE t.contact_id = c.id AND t.tag IN (`+placeholders+`))
			ORDER BY c.created_at, c.id`, args...)
	}
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
