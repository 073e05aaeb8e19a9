package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores workflow items in a single Postgres table.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	t      tables

	// Now is used for Updated/Queued defaults. Defaults to time.Now in UTC.
	Now func() time.Time
}

// NewPostgres returns a store over pool using the given schema (DefaultSchema
// when empty or invalid).
func NewPostgres(pool *pgxpool.Pool, schema string) *Postgres {
	schema = ValidSchema(schema)
	return &Postgres{
		pool:   pool,
		schema: schema,
		t:      newPostgresTables(schema),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Pool returns the underlying pool.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// Schema returns the Postgres schema holding the table.
func (s *Postgres) Schema() string { return s.schema }

func (s *Postgres) Seed(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("seed schema: %w", err)
	}
	return nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*Item, error) {
	return s.get(ctx, s.pool, s.t.selectWorkflowSQL(), id)
}

func (s *Postgres) GetAny(ctx context.Context, id string) (*Item, error) {
	return s.get(ctx, s.pool, s.t.selectItemSQL(), id)
}

func (s *Postgres) get(ctx context.Context, db DBTX, query, id string) (*Item, error) {
	it, err := scanPostgresItem(db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %q: %w", id, err)
	}
	return it, nil
}

// Save loads id under a row lock (or starts a fresh item), applies mutate and
// upserts the result in one transaction.
func (s *Postgres) Save(ctx context.Context, id string, mutate func(*Item)) (*Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := s.get(ctx, tx, s.t.selectItemForUpdateSQL(), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	it := applySave(existing, id, s.Now(), mutate)

	if _, err := tx.Exec(ctx, s.t.upsertItemSQL(), postgresArgs(it)...); err != nil {
		return nil, fmt.Errorf("save item %q: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// Dequeue selects due, unleased workflows of taskGroup and claims each with a
// conditional UPDATE. Only rows this call won are returned, as they read
// after the claim.
func (s *Postgres) Dequeue(ctx context.Context, taskGroup string, now time.Time, lease time.Duration) ([]*Item, error) {
	rows, err := s.pool.Query(ctx, s.t.selectDueSQL(), taskGroup, now, DequeueLimit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	var candidates []*Item
	for rows.Next() {
		it, err := scanPostgresItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expires := now.Add(lease)
	claimed := make([]*Item, 0, len(candidates))
	for _, it := range candidates {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		fresh, err := scanPostgresItem(s.pool.QueryRow(ctx, s.t.claimSQL(), it.ID, uuid.NewString(), expires, now))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim %q: %w", it.ID, err)
		}
		claimed = append(claimed, fresh)
	}
	return claimed, nil
}

// Delete removes id after its children. It returns false when a full page of
// children was removed and the caller should try again later.
func (s *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	rows, err := s.pool.Query(ctx, s.t.selectChildrenSQL(), id, DeletePageSize)
	if err != nil {
		return false, fmt.Errorf("select children: %w", err)
	}
	children, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return false, fmt.Errorf("select children: %w", err)
	}
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
	if _, err := s.pool.Exec(ctx, s.t.deleteItemSQL(), id); err != nil {
		return false, fmt.Errorf("delete %q: %w", id, err)
	}
	return true, nil
}

func (s *Postgres) LastThrottled(ctx context.Context, group string) (time.Time, bool, error) {
	var queued *time.Time
	if err := s.pool.QueryRow(ctx, s.t.lastThrottledSQL(), group).Scan(&queued); err != nil {
		return time.Time{}, false, fmt.Errorf("last throttled: %w", err)
	}
	if queued == nil {
		return time.Time{}, false, nil
	}
	return queued.UTC(), true, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func postgresArgs(it *Item) []any {
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
		it.ETA,
		it.Queued,
		it.Updated,
		nullString(it.LockToken),
		it.LockedTTL,
		nullString(it.ParentID),
		nullString(it.LastID),
		nullString(it.GroupName),
		it.IsWorkflow,
	}
}

func scanPostgresItem(row rowScanner) (*Item, error) {
	var (
		it        Item
		state     string
		lockedTTL *time.Time

		throttle, errText, lockToken, parent, last, groupName *string
	)
	err := row.Scan(
		&it.ID, &it.Name, &it.TaskGroup, &throttle, &it.Priority,
		&it.Input, &it.Output, &errText, &state,
		&it.ETA, &it.Queued, &it.Updated,
		&lockToken, &lockedTTL, &parent, &last, &groupName, &it.IsWorkflow,
	)
	if err != nil {
		return nil, err
	}
	it.State = State(state)
	it.ThrottleGroup = fromNullString(throttle)
	it.Error = fromNullString(errText)
	it.LockToken = fromNullString(lockToken)
	it.ParentID = fromNullString(parent)
	it.LastID = fromNullString(last)
	it.GroupName = fromNullString(groupName)
	it.ETA = it.ETA.UTC()
	it.Queued = it.Queued.UTC()
	it.Updated = it.Updated.UTC()
	if lockedTTL != nil {
		ttl := lockedTTL.UTC()
		it.LockedTTL = &ttl
	}
	return &it, nil
}
