package db

import "database/sql"

func Migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
    id          TEXT PRIMARY KEY,
    slug        TEXT NOT NULL UNIQUE,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS links (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace_id    TEXT    NOT NULL DEFAULT '',
    slug            TEXT    NOT NULL,
    domain          TEXT    NOT NULL,
    url             TEXT    NOT NULL,
    expires_at      DATETIME,
    expiration_url  TEXT,
    password        TEXT,
    archived        INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(slug, domain)
);

CREATE INDEX IF NOT EXISTS idx_links_domain_slug ON links(domain, slug) WHERE archived = 0;

-- Clicks that aged out of the hot analytics buffer.
CREATE TABLE IF NOT EXISTS clicks (
    id              TEXT PRIMARY KEY,
    link_id         INTEGER NOT NULL,
    workspace_id    TEXT NOT NULL DEFAULT '',
    slug            TEXT NOT NULL DEFAULT '',
    domain          TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL DEFAULT '',
    clicked_at      DATETIME NOT NULL,
    ip              TEXT,
    referer         TEXT,
    country         TEXT,
    city            TEXT,
    continent       TEXT,
    browser         TEXT,
    os              TEXT,
    device          TEXT,
    trigger_kind    TEXT,
    utm_source      TEXT,
    utm_medium      TEXT,
    utm_campaign    TEXT,
    utm_term        TEXT,
    utm_content     TEXT
);

CREATE INDEX IF NOT EXISTS idx_clicks_link_id ON clicks(link_id);
CREATE INDEX IF NOT EXISTS idx_clicks_clicked_at ON clicks(clicked_at);
`
