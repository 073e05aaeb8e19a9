package storage

import (
	"errors"
	"time"
)

// State is the lifecycle state of an Item.
type State string

const (
	StateQueued State = "queued"
	StateFailed State = "failed"
	StateDone   State = "done"
)

// DeletePageSize bounds how many children Delete removes per call.
const DeletePageSize = 100

// DequeueLimit bounds how many candidates Dequeue considers per call.
const DequeueLimit = 20

// ErrNotFound indicates the row does not exist.
var ErrNotFound = errors.New("durable: not found")

// Item is one row of the workflow_items table.
//
// Workflow instances (IsWorkflow) and step memos share the row shape. For a
// step memo, ParentID is the owning workflow and Name is the activity name.
type Item struct {
	ID            string
	Name          string
	TaskGroup     string
	ThrottleGroup string
	Priority      int
	Input         []byte
	Output        []byte
	Error         string
	State         State
	// ETA is the next processing time of a queued workflow, the scheduled
	// (or actual) completion time of a step, or the retention expiry of a
	// finished workflow.
	ETA       time.Time
	Queued    time.Time
	Updated   time.Time
	LockToken string
	LockedTTL *time.Time
	ParentID  string
	LastID    string
	GroupName string

	IsWorkflow bool
}

// Terminal reports whether the item is done or failed.
func (it *Item) Terminal() bool {
	return it.State == StateDone || it.State == StateFailed
}

// ClearLease drops the lease fields.
func (it *Item) ClearLease() {
	it.LockToken = ""
	it.LockedTTL = nil
}

// Clone returns a copy that shares no mutable state with it.
func (it *Item) Clone() *Item {
	c := *it
	if it.Input != nil {
		c.Input = append([]byte(nil), it.Input...)
	}
	if it.Output != nil {
		c.Output = append([]byte(nil), it.Output...)
	}
	if it.LockedTTL != nil {
		ttl := *it.LockedTTL
		c.LockedTTL = &ttl
	}
	return &c
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromNullString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// applySave finishes a read-merge-write: it applies mutate to the loaded (or
// fresh) item and fills the defaults every saved row must carry.
func applySave(existing *Item, id string, now time.Time, mutate func(*Item)) *Item {
	it := existing
	if it == nil {
		it = &Item{ID: id}
	}
	if mutate != nil {
		mutate(it)
	}
	it.ID = id
	if it.State == "" {
		it.State = StateQueued
	}
	if it.Queued.IsZero() {
		it.Queued = now
	}
	if it.ETA.IsZero() {
		it.ETA = now
	}
	it.Updated = now
	return it
}
