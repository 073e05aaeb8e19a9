package storage

import (
	"fmt"
	"unicode"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "durable"

// ValidSchema returns schema if it is a conservative identifier and
// DefaultSchema otherwise.
func ValidSchema(schema string) string {
	if schema == "" {
		return DefaultSchema
	}
	// Keep identifiers conservative to avoid SQL injection. If invalid, fall back.
	for i, r := range schema {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultSchema
		}
		if i == 0 && unicode.IsDigit(r) {
			return DefaultSchema
		}
	}
	return schema
}

// PostgresSchemaSQL returns the DDL for the given Postgres schema.
//
// Payloads are stored as jsonb, so the configured codec must produce JSON.
func PostgresSchemaSQL(schema string) string {
	schema = ValidSchema(schema)
	schemaIdent := pgx.Identifier{schema}.Sanitize()
	t := newPostgresTables(schema)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	id             text PRIMARY KEY,
	name           text NOT NULL,
	task_group     text NOT NULL DEFAULT '',
	throttle_group text,
	priority       int NOT NULL DEFAULT 0,
	input          jsonb,
	output         jsonb,
	error          text,
	state          text NOT NULL,
	eta            timestamptz NOT NULL,
	queued         timestamptz NOT NULL,
	updated        timestamptz NOT NULL,
	lock_token     text,
	locked_ttl     timestamptz,
	parent_id      text,
	last_id        text,
	group_name     text,
	is_workflow    boolean NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS workflow_items_due_idx
	ON %s (task_group, eta, priority) WHERE is_workflow;

CREATE INDEX IF NOT EXISTS workflow_items_parent_idx
	ON %s (parent_id);

CREATE INDEX IF NOT EXISTS workflow_items_group_idx
	ON %s (group_name) WHERE group_name IS NOT NULL;

CREATE INDEX IF NOT EXISTS workflow_items_throttle_idx
	ON %s (throttle_group, eta) WHERE throttle_group IS NOT NULL;
`, schemaIdent, t.items, t.items, t.items, t.items, t.items)
}

// SQLiteSchemaSQL is the DDL for the SQLite store. Timestamps are unix
// milliseconds.
const SQLiteSchemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_items (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	task_group     TEXT NOT NULL DEFAULT '',
	throttle_group TEXT,
	priority       INTEGER NOT NULL DEFAULT 0,
	input          BLOB,
	output         BLOB,
	error          TEXT,
	state          TEXT NOT NULL,
	eta            INTEGER NOT NULL,
	queued         INTEGER NOT NULL,
	updated        INTEGER NOT NULL,
	lock_token     TEXT,
	locked_ttl     INTEGER,
	parent_id      TEXT,
	last_id        TEXT,
	group_name     TEXT,
	is_workflow    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS workflow_items_due_idx
	ON workflow_items (task_group, eta, priority) WHERE is_workflow;

CREATE INDEX IF NOT EXISTS workflow_items_parent_idx
	ON workflow_items (parent_id);

CREATE INDEX IF NOT EXISTS workflow_items_group_idx
	ON workflow_items (group_name) WHERE group_name IS NOT NULL;

CREATE INDEX IF NOT EXISTS workflow_items_throttle_idx
	ON workflow_items (throttle_group, eta) WHERE throttle_group IS NOT NULL;
`
