package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Link is the projection of a short link the edge pipeline reads. The
// dashboard owns its lifecycle; the edge only reads it and invalidates its
// cached copies when told about a mutation.
type Link struct {
	ID            int64      `json:"id"`
	WorkspaceID   string     `json:"workspace_id"`
	Slug          string     `json:"slug"`
	Domain        string     `json:"domain"`
	URL           string     `json:"url"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ExpirationURL string     `json:"expiration_url,omitempty"`
	// Password is a bcrypt hash; empty means the link is not gated.
	Password  string    `json:"password,omitempty"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *Link) ShortURL() string {
	return "https://" + l.Domain + "/" + l.Slug
}

// Expired reports whether the link had an expiry at or before now.
func (l *Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

func (l *Link) HasPassword() bool {
	return l.Password != ""
}

// TempWorkspace owns anonymous temporary links.
const TempWorkspace = "temp"

const linkColumns = `id, workspace_id, slug, domain, url, expires_at, expiration_url, password, archived, created_at, updated_at`

func CreateLink(ctx context.Context, db *sql.DB, l *Link) error {
	l.Domain = strings.ToLower(l.Domain)
	res, err := db.ExecContext(ctx,
		`INSERT INTO links (workspace_id, slug, domain, url, expires_at, expiration_url, password) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.WorkspaceID, l.Slug, l.Domain, l.URL, nullTime(l.ExpiresAt), nullString(l.ExpirationURL), nullString(l.Password),
	)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	id, _ := res.LastInsertId()
	l.ID = id

	// Re-read to get timestamps
	return GetLinkByID(ctx, db, l)
}

func GetLinkByID(ctx context.Context, db *sql.DB, l *Link) error {
	row := db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE id = ?`, l.ID)
	return scanLink(row, l)
}

// GetResolvableLink returns the non-archived link for slug+domain, or
// sql.ErrNoRows.
func GetResolvableLink(ctx context.Context, db *sql.DB, slug, domain string) (*Link, error) {
	l := &Link{}
	row := db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE domain = ? AND slug = ? AND archived = 0`,
		strings.ToLower(domain), slug,
	)
	if err := scanLink(row, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetLinkBySlug returns the link for slug+domain, archived or not.
func GetLinkBySlug(ctx context.Context, db *sql.DB, slug, domain string) (*Link, error) {
	l := &Link{}
	row := db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE domain = ? AND slug = ?`,
		strings.ToLower(domain), slug,
	)
	if err := scanLink(row, l); err != nil {
		return nil, err
	}
	return l, nil
}

func UpdateLink(ctx context.Context, db *sql.DB, l *Link) error {
	res, err := db.ExecContext(ctx,
		`UPDATE links SET slug = ?, domain = ?, url = ?, expires_at = ?, expiration_url = ?, password = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		l.Slug, strings.ToLower(l.Domain), l.URL, nullTime(l.ExpiresAt), nullString(l.ExpirationURL), nullString(l.Password), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return GetLinkByID(ctx, db, l)
}

func ArchiveLink(ctx context.Context, db *sql.DB, id int64) error {
	res, err := db.ExecContext(ctx, `UPDATE links SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive link: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ArchiveLinksBySlug archives every listed slug on domain and returns how
// many rows changed.
func ArchiveLinksBySlug(ctx context.Context, db *sql.DB, domain string, slugs []string) (int64, error) {
	if len(slugs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(slugs)+1)
	args = append(args, strings.ToLower(domain))
	for _, s := range slugs {
		args = append(args, s)
	}
	query := `UPDATE links SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE domain = ? AND slug IN (` + placeholders(len(slugs)) + `)`
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("archive links: %w", err)
	}
	return res.RowsAffected()
}

func DeleteLink(ctx context.Context, db *sql.DB, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func SlugExists(ctx context.Context, db *sql.DB, slug, domain string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links WHERE slug = ? AND domain = ?`, slug, strings.ToLower(domain)).Scan(&count)
	return count > 0, err
}

// ExistingLinkIDs reports which of ids still have a row in links. Archived
// links still exist.
func ExistingLinkIDs(ctx context.Context, db *sql.DB, ids []int64) (map[int64]bool, error) {
	found := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, `SELECT id FROM links WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("existing links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan link id: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// LinkStore adapts the free functions to the resolver's source-of-truth
// interface.
type LinkStore struct {
	DB *sql.DB
}

func (s LinkStore) ResolvableLink(ctx context.Context, domain, slug string) (*Link, error) {
	return GetResolvableLink(ctx, s.DB, slug, domain)
}

func scanLink(row *sql.Row, l *Link) error {
	var (
		archived      int
		expiresAt     sql.NullTime
		expirationURL sql.NullString
		password      sql.NullString
	)
	if err := row.Scan(&l.ID, &l.WorkspaceID, &l.Slug, &l.Domain, &l.URL, &expiresAt, &expirationURL, &password, &archived, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return err
	}
	l.Archived = archived == 1
	l.ExpiresAt = nil
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	l.ExpirationURL = expirationURL.String
	l.Password = password.String
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
