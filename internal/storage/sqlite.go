package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteDSNOptions enables WAL, waits on locks instead of failing with
// SQLITE_BUSY, and opens every transaction with BEGIN IMMEDIATE so a Save
// holds the write lock from its first read.
const sqliteDSNOptions = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite stores workflow items in a SQLite database through database/sql.
type SQLite struct {
	db *sql.DB
	t  tables

	// Now is used for Updated/Queued defaults. Defaults to time.Now in UTC.
	Now func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+sqliteDSNOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQLite(db), nil
}

// NewSQLite wraps an already opened database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{
		db:  db,
		t:   newSQLiteTables(),
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Seed(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchemaSQL); err != nil {
		return fmt.Errorf("seed schema: %w", err)
	}
	return nil
}

func (s *SQLite) GetWorkflow(ctx context.Context, id string) (*Item, error) {
	return s.get(ctx, s.db, s.t.selectWorkflowSQL(), id)
}

func (s *SQLite) GetAny(ctx context.Context, id string) (*Item, error) {
	return s.get(ctx, s.db, s.t.selectItemSQL(), id)
}

func (s *SQLite) get(ctx context.Context, db sqlQueryer, query, id string) (*Item, error) {
	it, err := scanSQLiteItem(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %q: %w", id, err)
	}
	return it, nil
}

func (s *SQLite) Save(ctx context.Context, id string, mutate func(*Item)) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.get(ctx, tx, s.t.selectItemForUpdateSQL(), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	it := applySave(existing, id, s.Now(), mutate)

	if _, err := tx.ExecContext(ctx, s.t.upsertItemSQL(), sqliteArgs(it)...); err != nil {
		return nil, fmt.Errorf("save item %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return it, nil
}

func (s *SQLite) Dequeue(ctx context.Context, taskGroup string, now time.Time, lease time.Duration) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, s.t.selectDueSQL(), taskGroup, now.UnixMilli(), DequeueLimit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	var candidates []*Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, it)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	expires := now.Add(lease)
	claimed := make([]*Item, 0, len(candidates))
	for _, it := range candidates {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		row := s.db.QueryRowContext(ctx, s.t.claimSQL(), it.ID, uuid.NewString(), expires.UnixMilli(), now.UnixMilli())
		fresh, err := scanSQLiteItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim %q: %w", it.ID, err)
		}
		claimed = append(claimed, fresh)
	}
	return claimed, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, s.t.selectChildrenSQL(), id, DeletePageSize)
	if err != nil {
		return false, fmt.Errorf("select children: %w", err)
	}
	var children []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			_ = rows.Close()
			return false, err
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return false, err
	}
	_ = rows.Close()

	for _, child := range children {
		done, err := s.Delete(ctx, child)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	if len(children) >= DeletePageSize {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, s.t.deleteItemSQL(), id); err != nil {
		return false, fmt.Errorf("delete %q: %w", id, err)
	}
	return true, nil
}

func (s *SQLite) LastThrottled(ctx context.Context, group string) (time.Time, bool, error) {
	var queued sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.t.lastThrottledSQL(), group).Scan(&queued); err != nil {
		return time.Time{}, false, fmt.Errorf("last throttled: %w", err)
	}
	if !queued.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(queued.Int64), true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func sqliteArgs(it *Item) []any {
	var lockedTTL sql.NullInt64
	if it.LockedTTL != nil {
		lockedTTL = sql.NullInt64{Int64: it.LockedTTL.UnixMilli(), Valid: true}
	}
	return []any{
		it.ID,
		it.Name,
		it.TaskGroup,
		nullString(it.ThrottleGroup),
		it.Priority,
		it.Input,
		it.Output,
		nullString(it.Error),
		string(it.State),
		it.ETA.UnixMilli(),
		it.Queued.UnixMilli(),
		it.Updated.UnixMilli(),
		nullString(it.LockToken),
		lockedTTL,
		nullString(it.ParentID),
		nullString(it.LastID),
		nullString(it.GroupName),
		it.IsWorkflow,
	}
}

func scanSQLiteItem(row rowScanner) (*Item, error) {
	var (
		it                   Item
		state                string
		eta, queued, updated int64
		lockedTTL            sql.NullInt64
		throttle, errText    sql.NullString
		lockToken, parent    sql.NullString
		last, groupName      sql.NullString
	)
	err := row.Scan(
		&it.ID, &it.Name, &it.TaskGroup, &throttle, &it.Priority,
		&it.Input, &it.Output, &errText, &state,
		&eta, &queued, &updated,
		&lockToken, &lockedTTL, &parent, &last, &groupName, &it.IsWorkflow,
	)
	if err != nil {
		return nil, err
	}
	it.State = State(state)
	it.ETA = fromMillis(eta)
	it.Queued = fromMillis(queued)
	it.Updated = fromMillis(updated)
	it.ThrottleGroup = throttle.String
	it.Error = errText.String
	it.LockToken = lockToken.String
	it.ParentID = parent.String
	it.LastID = last.String
	it.GroupName = groupName.String
	if lockedTTL.Valid {
		ttl := fromMillis(lockedTTL.Int64)
		it.LockedTTL = &ttl
	}
	return &it, nil
}
