package durable

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nvcnvn/durable/internal/storage"
)

// Item is a row of the workflow_items table. It is either a workflow
// instance (IsWorkflow) or the memo of one step of a workflow.
type Item = storage.Item

// State is the lifecycle state of an Item.
type State = storage.State

const (
	StateQueued = storage.StateQueued
	StateFailed = storage.StateFailed
	StateDone   = storage.StateDone
)

// DefaultSuspendTTL is how long a suspended workflow sleeps when nothing
// more precise is known (e.g. waiting for a child to finish).
const DefaultSuspendTTL = 24 * time.Hour

// Error definitions
var (
	// ErrNotFound indicates the workflow does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrAlreadyExists is returned by Queue with ThrowIfExists when the id is taken.
	ErrAlreadyExists = errors.New("durable: workflow already exists")

	// ErrNotWaiting is returned by RaiseEvent with ThrowIfNotWaiting when the
	// workflow is not blocked in WaitForExternalEvent.
	ErrNotWaiting = errors.New("durable: workflow is not waiting for an event")

	// ErrUnknownWorkflow indicates no schema is registered under the stored name.
	ErrUnknownWorkflow = errors.New("durable: unknown workflow")

	// ErrUnknownActivity indicates Invoke was called with an unregistered name.
	ErrUnknownActivity = errors.New("durable: unknown activity")

	// ErrDuplicateWorkflow is returned by Register for a name already in use.
	ErrDuplicateWorkflow = errors.New("durable: workflow already registered")
)

// SuspendedError is the only non-fault error a workflow body produces. It
// means "nothing more can happen now, run me again no sooner than
// ResumeAfter from now". It unwinds Run through ordinary error returns and
// must be passed through untouched by workflow code.
type SuspendedError struct {
	ResumeAfter time.Duration
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("durable: suspended for %s", e.ResumeAfter)
}

// Suspend returns a SuspendedError, using DefaultSuspendTTL when ttl <= 0.
func Suspend(ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSuspendTTL
	}
	return &SuspendedError{ResumeAfter: ttl}
}

// IsSuspended reports whether err (or anything it wraps) is a suspension.
func IsSuspended(err error) (*SuspendedError, bool) {
	var se *SuspendedError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ActivityError is a memoized activity failure. Replays return the same
// error without running the activity again; Err is only set on the poll that
// actually ran the activity.
type ActivityError struct {
	Activity string
	Message  string
	Err      error
}

func (e *ActivityError) Error() string {
	return "activity " + e.Activity + ": " + e.Message
}

func (e *ActivityError) Unwrap() error { return e.Err }

// ChildFailedError is returned by RunChild when the child workflow failed.
type ChildFailedError struct {
	ChildID string
	Message string
}

func (e *ChildFailedError) Error() string {
	return "child workflow " + e.ChildID + " failed: " + e.Message
}

// StepPanicError wraps a panic that occurred during activity execution.
type StepPanicError struct {
	Value any
	Stack string
}

func (e StepPanicError) Error() string {
	return fmt.Sprintf("durable: activity panicked: %v", e.Value)
}

// WorkflowPanicError wraps a panic raised by a workflow body.
//
// This is distinct from StepPanicError: activity panics are caught inside
// Invoke, while this covers panics in Run itself.
type WorkflowPanicError struct {
	Value any
	Stack string
}

func (e WorkflowPanicError) Error() string {
	if e.Stack == "" {
		return fmt.Sprintf("durable: workflow panicked: %v", e.Value)
	}
	return fmt.Sprintf("durable: workflow panicked: %v\n%s", e.Value, e.Stack)
}

// Event is an external event delivered through RaiseEvent.
type Event struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Decode unmarshals the event result into v.
func (e *Event) Decode(v any) error {
	if len(e.Result) == 0 {
		return nil
	}
	return json.Unmarshal(e.Result, v)
}

// Status is the read-only projection returned by Get.
type Status struct {
	ID     string
	Name   string
	State  State
	Output json.RawMessage
	Error  string
	ETA    time.Time
}
