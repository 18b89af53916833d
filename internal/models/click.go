package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Click is an archived click event. Rows are keyed by the event id so a
// retried archive pass cannot insert the same event twice.
type Click struct {
	ID          string
	LinkID      int64
	WorkspaceID string
	Slug        string
	Domain      string
	URL         string
	ClickedAt   time.Time
	IP          string
	Referer     string
	Country     string
	City        string
	Continent   string
	Browser     string
	OS          string
	Device      string
	Trigger     string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMTerm     string
	UTMContent  string
}

func BatchInsertClicks(ctx context.Context, db *sql.DB, clicks []Click) error {
	if len(clicks) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO clicks (id, link_id, workspace_id, slug, domain, url, clicked_at, ip, referer, country, city, continent, browser, os, device, trigger_kind, utm_source, utm_medium, utm_campaign, utm_term, utm_content) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range clicks {
		_, err := stmt.ExecContext(ctx,
			c.ID, c.LinkID, c.WorkspaceID, c.Slug, c.Domain, c.URL, c.ClickedAt.UTC(), c.IP, c.Referer,
			c.Country, c.City, c.Continent, c.Browser, c.OS, c.Device, c.Trigger,
			c.UTMSource, c.UTMMedium, c.UTMCampaign, c.UTMTerm, c.UTMContent,
		)
		if err != nil {
			return fmt.Errorf("insert click: %w", err)
		}
	}

	return tx.Commit()
}

func ArchivedClickCount(ctx context.Context, db *sql.DB, linkID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clicks WHERE link_id = ?`, linkID).Scan(&count)
	return count, err
}
