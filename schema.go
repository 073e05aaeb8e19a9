package durable

import "github.com/nvcnvn/durable/internal/storage"

// SchemaSQL is the Postgres DDL for DefaultSchema.
//
// Notes:
// - workflow instances and step memos share the workflow_items table.
// - payloads are stored as jsonb (default codec is JSON).
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the Postgres DDL for a given schema name.
//
// The schema name is validated conservatively and will fall back to DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	return storage.PostgresSchemaSQL(DBConfig{Schema: schema}.schema())
}

// SQLiteSchemaSQL is the DDL applied by SQLiteStore.Seed.
const SQLiteSchemaSQL = storage.SQLiteSchemaSQL
