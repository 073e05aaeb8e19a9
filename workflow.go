package durable

import (
	"context"
	"errors"
	"fmt"
)

// childID addresses a child by its parent, name and input, so replays of
// the parent attach to the same child.
func childID(parentID, childName string, input []byte) string {
	key := parentID + childName + string(input)
	if len(key) > maxChildKeyLen {
		return hashKey([]byte(key))
	}
	return key
}

// RunChild starts the workflow registered as childName (or attaches to it
// on replay) and suspends until it is done or failed. A failed child is
// reported as *ChildFailedError.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func RunChild[O any](ctx context.Context, wf *Context, childName string, input any, opts ...QueueOption) (O, error) {
	var zero O
	raw, err := wf.engine.codec.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("marshal child input: %w", err)
	}
	id := childID(wf.ID(), childName, raw)

	child, err := wf.engine.store.GetWorkflow(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		opts = append(opts, WithID(id), WithParentID(wf.ID()))
		if _, err := wf.engine.queueRaw(ctx, childName, raw, opts...); err != nil {
			return zero, fmt.Errorf("queue child %s: %w", childName, err)
		}
	case err != nil:
		return zero, fmt.Errorf("load child %s: %w", id, err)
	case child.State == StateDone:
		wf.advance(child.Updated)
		var out O
		if err := wf.engine.codec.Unmarshal(child.Output, &out); err != nil {
			return zero, fmt.Errorf("unmarshal child output: %w", err)
		}
		return out, nil
	case child.State == StateFailed:
		wf.advance(child.Updated)
		return zero, &ChildFailedError{ChildID: id, Message: child.Error}
	}

	// The child wakes the parent when it finishes.
	wf.lastID = id
	return zero, Suspend(DefaultSuspendTTL)
}
