package durable

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Context is passed to workflow code. It is rebuilt on every poll and
// carries the virtual clock that makes replays deterministic.
//
// The virtual clock starts at the time the workflow was queued for and
// moves forward only when a step completes, to that step's completion time.
type Context struct {
	engine *Engine
	item   *Item
	schema *Schema
	scope  *lazyScope

	current time.Time
	// lastID is the step this poll suspended on.
	lastID string
}

func newContext(e *Engine, item *Item, schema *Schema) *Context {
	return &Context{
		engine:  e,
		item:    item,
		schema:  schema,
		scope:   e.newScope(item.ID),
		current: item.Queued,
	}
}

// ID returns the workflow id.
func (c *Context) ID() string { return c.item.ID }

// Name returns the workflow name.
func (c *Context) Name() string { return c.item.Name }

// ETA returns the time this poll was scheduled for.
func (c *Context) ETA() time.Time { return c.item.ETA }

// CurrentTime returns the virtual time of the orchestration.
func (c *Context) CurrentTime() time.Time { return c.current }

// Logger returns the engine logger tagged with the workflow.
func (c *Context) Logger() *zap.Logger {
	return c.engine.logger.With(zap.String("workflow_id", c.item.ID), zap.String("workflow", c.item.Name))
}

func (c *Context) advance(t time.Time) {
	if t.After(c.current) {
		c.current = t
	}
}

func (c *Context) fork() *Context {
	return &Context{
		engine:  c.engine,
		item:    c.item,
		schema:  c.schema,
		scope:   c.scope,
		current: c.current,
	}
}

// memoID addresses the memo of one step invocation. Unique steps ignore the
// virtual time so they run at most once per argument.
func (c *Context) memoID(name string, args []byte, unique bool) string {
	key := string(args)
	if len(key) > maxArgsKeyLen {
		key = hashKey(args)
	}
	disc := uniqueDiscriminator
	if !unique {
		disc = strconv.FormatInt(c.current.UnixMilli(), 10)
	}
	return c.item.ID + ":" + name + ":" + key + ":" + disc
}

func hashKey(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Delay durably waits d of virtual time.
//
// The wait completes on the first poll at or after CurrentTime()+d;
// earlier polls return a *SuspendedError that must be returned from Run.
func (c *Context) Delay(ctx context.Context, d time.Duration) error {
	args, err := c.engine.codec.Marshal(d.Milliseconds())
	if err != nil {
		return fmt.Errorf("marshal delay: %w", err)
	}
	id := c.memoID(delayStepName, args, false)
	if memo, err := c.lookupStep(ctx, id); err != nil {
		return err
	} else if memo != nil && memo.State == StateDone {
		c.advance(memo.ETA)
		return nil
	}
	_, err = c.settleTimer(ctx, id, delayStepName, args, c.current.Add(d))
	return err
}

type waitArgs struct {
	Names   []string `json:"names,omitempty"`
	Timeout int64    `json:"timeout"`
}

// WaitForExternalEvent suspends until RaiseEvent delivers an event (one of
// names, when given) or timeout of virtual time elapses. A timeout yields a
// nil *Event and no error.
func (c *Context) WaitForExternalEvent(ctx context.Context, timeout time.Duration, names ...string) (*Event, error) {
	args, err := c.engine.codec.Marshal(waitArgs{Names: names, Timeout: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("marshal wait: %w", err)
	}
	id := c.memoID(waitStepName, args, false)
	memo, err := c.lookupStep(ctx, id)
	if err != nil {
		return nil, err
	}
	if memo == nil || memo.State != StateDone {
		memo, err = c.settleTimer(ctx, id, waitStepName, args, c.current.Add(timeout))
		if err != nil {
			return nil, err
		}
	}
	c.advance(memo.ETA)
	return c.engine.decodeEvent(memo.Output)
}

func (c *Context) lookupStep(ctx context.Context, id string) (*Item, error) {
	memo, err := c.engine.store.GetAny(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", id, err)
	}
	return memo, nil
}

// settleTimer completes a delay/wait step whose target has been reached, or
// persists it as pending and suspends until target. Queued records the
// virtual instant the step started at. A step finished concurrently (an
// event arriving) is left untouched and returned.
func (c *Context) settleTimer(ctx context.Context, id, name string, args []byte, target time.Time) (*Item, error) {
	now := c.engine.now()
	due := !now.Before(target)
	memo, err := c.engine.store.Save(ctx, id, func(it *Item) {
		if it.Terminal() {
			return
		}
		it.Name = name
		it.ParentID = c.item.ID
		it.IsWorkflow = false
		it.Input = args
		it.Queued = c.current
		it.ETA = target
		if due {
			it.State = StateDone
			it.Output = nil
		} else {
			it.State = StateQueued
		}
	})
	if err != nil {
		return nil, fmt.Errorf("persist step %s: %w", id, err)
	}
	if memo.State == StateDone {
		c.advance(memo.ETA)
		return memo, nil
	}
	c.lastID = id
	return nil, Suspend(target.Sub(now))
}

// Branch is one arm of All.
type Branch func(ctx context.Context, wf *Context) error

// All runs branches concurrently, each on its own copy of the virtual clock
// starting at the current instant.
//
// If any branch suspended, All returns the suspension with the earliest
// resume time, so a partially finished fan-out means "still waiting" rather
// than a failure. Otherwise it returns the first error in branch order. The
// virtual clock then advances to the latest branch clock.
func (c *Context) All(ctx context.Context, branches ...Branch) error {
	forks := make([]*Context, len(branches))
	errs := make([]error, len(branches))

	var g errgroup.Group
	for i, branch := range branches {
		fork := c.fork()
		forks[i] = fork
		g.Go(func() error {
			errs[i] = runBranch(ctx, fork, branch)
			return nil
		})
	}
	_ = g.Wait()

	var (
		suspended *SuspendedError
		firstErr  error
	)
	for i, err := range errs {
		c.advance(forks[i].current)
		if se, ok := IsSuspended(err); ok {
			if suspended == nil || se.ResumeAfter < suspended.ResumeAfter {
				suspended = se
			}
			if c.lastID == "" {
				c.lastID = forks[i].lastID
			}
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if suspended != nil {
		return suspended
	}
	return firstErr
}

func runBranch(ctx context.Context, wf *Context, branch Branch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = WorkflowPanicError{Value: r, Stack: string(buf[:n])}
		}
	}()
	return branch(ctx, wf)
}
