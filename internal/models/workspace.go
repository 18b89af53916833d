package models

import (
	"context"
	"database/sql"
	"fmt"
)

type Workspace struct {
	ID   string
	Slug string
}

func CreateWorkspace(ctx context.Context, db *sql.DB, w *Workspace) error {
	if _, err := db.ExecContext(ctx, `INSERT INTO workspaces (id, slug) VALUES (?, ?)`, w.ID, w.Slug); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// WorkspaceIDBySlug returns sql.ErrNoRows when no workspace has slug.
func WorkspaceIDBySlug(ctx context.Context, db *sql.DB, slug string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT id FROM workspaces WHERE slug = ?`, slug).Scan(&id)
	return id, err
}
