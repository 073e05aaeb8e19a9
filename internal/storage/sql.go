package storage

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// This file centralizes SQL statement strings so call sites don't need to
// format table names inline. Statements are written with $n placeholders;
// for SQLite they are rebound to ?n, which binds the same ordinal.

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// itemColumns is the column order every scan and upsert uses.
const itemColumns = `id, name, task_group, throttle_group, priority, input, output, error, state,
	eta, queued, updated, lock_token, locked_ttl, parent_id, last_id, group_name, is_workflow`

type tables struct {
	items   string
	dialect dialect
}

func newPostgresTables(schema string) tables {
	return tables{
		items:   pgx.Identifier{ValidSchema(schema), "workflow_items"}.Sanitize(),
		dialect: dialectPostgres,
	}
}

func newSQLiteTables() tables {
	return tables{items: `workflow_items`, dialect: dialectSQLite}
}

func (t tables) bind(q string) string {
	if t.dialect == dialectPostgres {
		return q
	}
	return strings.ReplaceAll(q, "$", "?")
}

func (t tables) selectItemSQL() string {
	return t.bind(`SELECT ` + itemColumns + ` FROM ` + t.items + ` WHERE id = $1`)
}

func (t tables) selectWorkflowSQL() string {
	return t.bind(`SELECT ` + itemColumns + ` FROM ` + t.items + ` WHERE id = $1 AND is_workflow`)
}

// selectItemForUpdateSQL locks the row for the rest of a Save transaction.
// SQLite transactions are opened IMMEDIATE, which already holds the write lock.
func (t tables) selectItemForUpdateSQL() string {
	if t.dialect == dialectPostgres {
		return t.selectItemSQL() + ` FOR UPDATE`
	}
	return t.selectItemSQL()
}

func (t tables) upsertItemSQL() string {
	return t.bind(`
		INSERT INTO ` + t.items + ` (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			task_group = EXCLUDED.task_group,
			throttle_group = EXCLUDED.throttle_group,
			priority = EXCLUDED.priority,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			state = EXCLUDED.state,
			eta = EXCLUDED.eta,
			queued = EXCLUDED.queued,
			updated = EXCLUDED.updated,
			lock_token = EXCLUDED.lock_token,
			locked_ttl = EXCLUDED.locked_ttl,
			parent_id = EXCLUDED.parent_id,
			last_id = EXCLUDED.last_id,
			group_name = EXCLUDED.group_name,
			is_workflow = EXCLUDED.is_workflow
	`)
}

// selectDueSQL: $1 task group, $2 now, $3 limit.
func (t tables) selectDueSQL() string {
	return t.bind(`
		SELECT ` + itemColumns + `
		FROM ` + t.items + `
		WHERE task_group = $1
			AND is_workflow
			AND eta <= $2
			AND (lock_token IS NULL OR locked_ttl IS NULL OR locked_ttl <= $2)
		ORDER BY eta, priority
		LIMIT $3
	`)
}

// claimSQL: $1 id, $2 lock token, $3 lease expiry, $4 now.
func (t tables) claimSQL() string {
	return t.bind(`
		UPDATE ` + t.items + `
		SET lock_token = $2, locked_ttl = $3
		WHERE id = $1
			AND is_workflow
			AND eta <= $4
			AND (lock_token IS NULL OR locked_ttl IS NULL OR locked_ttl <= $4)
		RETURNING ` + itemColumns + `
	`)
}

func (t tables) selectChildrenSQL() string {
	return t.bind(`SELECT id FROM ` + t.items + ` WHERE parent_id = $1 LIMIT $2`)
}

func (t tables) deleteItemSQL() string {
	return t.bind(`DELETE FROM ` + t.items + ` WHERE id = $1`)
}

// lastThrottledSQL: $1 throttle group. queued is the throttled start a
// workflow was given and never moves, whatever state it is in now.
func (t tables) lastThrottledSQL() string {
	return t.bind(`
		SELECT max(queued)
		FROM ` + t.items + `
		WHERE throttle_group = $1 AND is_workflow
	`)
}
