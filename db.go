package durable

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nvcnvn/durable/internal/storage"
)

// DefaultSchema is the Postgres schema used when none is configured.
//
// The table name (workflow_items) is unprefixed, so a dedicated schema avoids
// collisions with application tables.
const DefaultSchema = storage.DefaultSchema

// DBConfig configures where the Postgres store keeps its table.
type DBConfig struct {
	// Schema is the Postgres schema containing workflow_items.
	// If empty or not a plain identifier, DefaultSchema is used.
	Schema string
}

func (c DBConfig) schema() string {
	return storage.ValidSchema(c.Schema)
}

// PostgresStore is the Postgres-backed Store.
type PostgresStore = storage.Postgres

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore = storage.SQLite

// NewPostgresStore returns a Store over pool. Call Seed once to create the schema.
func NewPostgresStore(pool *pgxpool.Pool, cfg DBConfig) *PostgresStore {
	return storage.NewPostgres(pool, cfg.schema())
}

// OpenSQLiteStore opens a SQLite database file as a Store. The file is
// opened in WAL mode so several workers in one process can share it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	return storage.OpenSQLite(path)
}
