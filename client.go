package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier carries wake hints between processes sharing a store.
//
// Notifications are best-effort; workers must still poll as a fallback.
type Notifier interface {
	// Notify hints workers of taskGroup that something is due.
	Notify(ctx context.Context, taskGroup string) error
	// Listen calls wake for every hint until ctx is done.
	Listen(ctx context.Context, wake func()) error
}

// Queue creates a workflow instance of the workflow registered as name and
// returns its id.
func (eng *Engine) Queue(ctx context.Context, name string, input any, opts ...QueueOption) (string, error) {
	raw, err := eng.codec.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	return eng.queueRaw(ctx, name, raw, opts...)
}

func (eng *Engine) queueRaw(ctx context.Context, name string, input []byte, opts ...QueueOption) (string, error) {
	schema, ok := eng.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	cfg := getQueueConfig(opts)

	now := eng.now()
	eta := now
	if !cfg.eta.IsZero() {
		eta = cfg.eta.UTC().Truncate(time.Millisecond)
	}
	if cfg.throttleGroup != "" && cfg.maxPerSecond > 0 {
		last, ok, err := eng.store.LastThrottled(ctx, cfg.throttleGroup)
		if err != nil {
			return "", err
		}
		if earliest := last.Add(throttleInterval(cfg.maxPerSecond)); ok && eta.Before(earliest) {
			eta = earliest
		}
	}

	create := func(id string) (created bool, err error) {
		_, err = eng.store.Save(ctx, id, func(it *Item) {
			if !it.Queued.IsZero() {
				return
			}
			created = true
			it.Name = name
			it.IsWorkflow = true
			it.TaskGroup = schema.TaskGroup
			it.Priority = schema.Priority
			it.ThrottleGroup = cfg.throttleGroup
			it.GroupName = cfg.groupName
			it.ParentID = cfg.parentID
			it.Input = input
			it.State = StateQueued
			it.Queued = eta
			it.ETA = eta
		})
		return created, err
	}

	id := cfg.id
	if id == "" {
		for {
			id = newWorkflowID()
			_, err := eng.store.GetAny(ctx, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return "", err
			}
			if _, err := create(id); err != nil {
				return "", fmt.Errorf("queue %s: %w", name, err)
			}
			break
		}
	} else {
		var (
			created bool
			err     error
		)
		for attempt := 0; attempt < queueAttempts; attempt++ {
			if created, err = create(id); err == nil {
				break
			}
			eng.logger.Warn("queue attempt failed", zap.String("workflow_id", id), zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if err != nil {
			return "", fmt.Errorf("queue %s: %w", name, err)
		}
		if !created {
			if cfg.throwIfExists {
				return "", fmt.Errorf("%w: %s", ErrAlreadyExists, id)
			}
			return id, nil
		}
	}

	eng.logger.Debug("workflow queued", zap.String("workflow_id", id), zap.String("workflow", name), zap.Time("eta", eta))
	if !eta.After(now) {
		eng.wake(ctx, schema.TaskGroup)
	}
	return id, nil
}

// newWorkflowID returns a time-ordered UUIDv7, which keeps inserts into the
// primary key index mostly sequential.
func newWorkflowID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// wake releases local pollers and hints remote ones.
func (eng *Engine) wake(ctx context.Context, taskGroup string) {
	eng.waiter.ReleaseAll()
	if eng.notifier == nil {
		return
	}
	if err := eng.notifier.Notify(ctx, taskGroup); err != nil {
		eng.logger.Warn("notify failed", zap.String("task_group", taskGroup), zap.Error(err))
	}
}

// Get returns the state, output and error of a workflow.
func (eng *Engine) Get(ctx context.Context, id string) (*Status, error) {
	it, err := eng.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		ID:     it.ID,
		Name:   it.Name,
		State:  it.State,
		Output: it.Output,
		Error:  it.Error,
		ETA:    it.ETA,
	}, nil
}

// RaiseEvent delivers ev to workflow id if it is blocked in
// WaitForExternalEvent (for ev.Name, when names were given). The waiting
// step completes with ev and the workflow is woken. Otherwise the event is
// dropped, or ErrNotWaiting is returned with ThrowIfNotWaiting.
func (eng *Engine) RaiseEvent(ctx context.Context, id string, ev Event, opts ...EventOption) error {
	cfg := getEventConfig(opts)
	notWaiting := func() error {
		eng.logger.Debug("event dropped", zap.String("workflow_id", id), zap.String("event", ev.Name))
		if cfg.throwIfNotWaiting {
			return fmt.Errorf("%w: %s", ErrNotWaiting, id)
		}
		return nil
	}

	wf, err := eng.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal() || wf.LastID == "" {
		return notWaiting()
	}
	step, err := eng.store.GetAny(ctx, wf.LastID)
	if errors.Is(err, ErrNotFound) {
		return notWaiting()
	}
	if err != nil {
		return err
	}
	if !eng.awaits(step, ev.Name) {
		return notWaiting()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	now := eng.now()
	delivered := false
	if _, err := eng.store.Save(ctx, step.ID, func(it *Item) {
		if it.State != StateQueued {
			return
		}
		delivered = true
		it.State = StateDone
		it.Output = payload
		// Completing after the wait began keeps the next step at a new
		// virtual instant, so a following wait gets its own memo.
		it.ETA = now
		if !now.After(it.Queued) {
			it.ETA = it.Queued.Add(time.Millisecond)
		}
	}); err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	if !delivered {
		return notWaiting()
	}

	if _, err := eng.store.Save(ctx, id, func(it *Item) {
		if it.Terminal() {
			return
		}
		it.ClearLease()
		it.ETA = now
	}); err != nil {
		return fmt.Errorf("wake workflow: %w", err)
	}
	eng.logger.Debug("event delivered", zap.String("workflow_id", id), zap.String("event", ev.Name))
	eng.wake(ctx, wf.TaskGroup)
	return nil
}

// awaits reports whether step is a pending wait accepting an event named name.
func (eng *Engine) awaits(step *Item, name string) bool {
	if step.Name != waitStepName || step.State != StateQueued {
		return false
	}
	var args waitArgs
	if err := eng.codec.Unmarshal(step.Input, &args); err != nil {
		return false
	}
	return len(args.Names) == 0 || slices.Contains(args.Names, name)
}

// Queue creates an instance of this workflow.
func (h *Handle[I, O]) Queue(ctx context.Context, eng *Engine, in I, opts ...QueueOption) (string, error) {
	return eng.Queue(ctx, h.name, in, opts...)
}

// Get returns the typed output of a done workflow along with its status.
// The output is the zero value until the workflow is done.
func (h *Handle[I, O]) Get(ctx context.Context, eng *Engine, id string) (O, *Status, error) {
	var out O
	st, err := eng.Get(ctx, id)
	if err != nil {
		return out, nil, err
	}
	if st.Name != h.name {
		return out, nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrNotFound, id, st.Name, h.name)
	}
	if st.State == StateDone {
		if err := eng.codec.Unmarshal(st.Output, &out); err != nil {
			return out, st, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return out, st, nil
}

// RunChild runs this workflow as a child of wf. See the package-level RunChild.
func (h *Handle[I, O]) RunChild(ctx context.Context, wf *Context, in I, opts ...QueueOption) (O, error) {
	return RunChild[O](ctx, wf, h.name, in, opts...)
}
