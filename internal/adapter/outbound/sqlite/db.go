// Package sqlite implements per-tenant persistence on embedded SQLite
// databases. Every tenant store owns one database file: the global
// singleton carries the route directory, error pages, and operator
// tables in addition to its ruleset; route tenants carry rules only.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// rulesSchema is present in every tenant database. The route_id column
// binds an auto-generated admission rule to its route explicitly; it is
// empty for operator-defined rules.
const rulesSchema = `
CREATE TABLE IF NOT EXISTS rules (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	enabled         BOOLEAN NOT NULL DEFAULT 1,
	action          TEXT NOT NULL CHECK(action IN ('block', 'challenge', 'allow', 'log')),
	expression_json TEXT NOT NULL DEFAULT '[]',
	tags_json       TEXT NOT NULL DEFAULT '[]',
	priority        INTEGER NOT NULL DEFAULT 0,
	trigger_alert   BOOLEAN NOT NULL DEFAULT 0,
	block_http_code INTEGER NOT NULL DEFAULT 0,
	route_id        TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rules_enabled_priority ON rules(enabled, priority);
CREATE INDEX IF NOT EXISTS idx_rules_route ON rules(route_id);
`

// globalSchema holds the tables only the global tenant carries. Users,
// auth gates, threat-feed metadata, and integrations are opaque keyed
// records to the core; external subsystems own their contents.
const globalSchema = `
CREATE TABLE IF NOT EXISTS routes (
	id                  TEXT PRIMARY KEY,
	incoming_host       TEXT UNIQUE NOT NULL,
	origin_type         TEXT NOT NULL CHECK(origin_type IN ('service', 'url')),
	origin_url          TEXT NOT NULL DEFAULT '',
	origin_service_name TEXT NOT NULL DEFAULT '',
	enabled             BOOLEAN NOT NULL DEFAULT 1,
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS error_pages (
	http_code    INTEGER PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT 'text/html',
	body         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS auth_gates (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS threat_feeds (
	name         TEXT PRIMARY KEY,
	payload      TEXT NOT NULL DEFAULT '{}',
	refreshed_at DATETIME
);

CREATE TABLE IF NOT EXISTS integrations (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_routes_enabled_host ON routes(enabled, incoming_host);
`

// Open opens (creating if needed) a tenant database at path with WAL
// journaling and a busy timeout, and ensures its schema. Global selects
// whether the directory tables are created.
func Open(path string, global bool) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent configuration writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(rulesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rules schema: %w", err)
	}
	if global {
		if _, err := db.Exec(globalSchema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create global schema: %w", err)
		}
	}

	return db, nil
}

// isUniqueViolation detects a UNIQUE constraint failure from the driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
