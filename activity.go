package durable

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Invoke calls the activity registered as name with args, memoizing its
// outcome.
//
// A completed memo is replayed without running the activity, fast-forwarding
// the virtual clock to the memo's completion time. Failures are memoized
// too and come back as *ActivityError on every replay.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func Invoke[R any](ctx context.Context, wf *Context, name string, args any) (R, error) {
	var zero R
	raw, err := wf.invoke(ctx, name, args)
	if err != nil {
		return zero, err
	}
	var out R
	if err := wf.engine.codec.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("unmarshal %s result: %w", name, err)
	}
	return out, nil
}

func (c *Context) invoke(ctx context.Context, name string, args any) ([]byte, error) {
	act, ok := c.schema.activity(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownActivity, c.schema.Name, name)
	}
	rawArgs, err := c.engine.codec.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", name, err)
	}
	id := c.memoID(name, rawArgs, act.unique)

	memo, err := c.lookupStep(ctx, id)
	if err != nil {
		return nil, err
	}
	if memo != nil {
		switch memo.State {
		case StateDone:
			c.advance(memo.ETA)
			c.engine.metrics.RecordActivity(c.schema.Name, name, "replayed")
			return memo.Output, nil
		case StateFailed:
			c.advance(memo.ETA)
			c.engine.metrics.RecordActivity(c.schema.Name, name, "replayed")
			return nil, &ActivityError{Activity: name, Message: memo.Error}
		}
	}

	scope, err := c.scope.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("build scope: %w", err)
	}
	out, runErr := executeActivityWithRecovery(ctx, act.fn, scope, rawArgs)
	if se, ok := IsSuspended(runErr); ok {
		return nil, se
	}

	now := c.engine.now()
	saved, err := c.engine.store.Save(ctx, id, func(it *Item) {
		it.Name = name
		it.ParentID = c.item.ID
		it.IsWorkflow = false
		it.Input = rawArgs
		it.Queued = now
		it.ETA = now
		if runErr != nil {
			it.State = StateFailed
			it.Error = runErr.Error()
			it.Output = nil
		} else {
			it.State = StateDone
			it.Error = ""
			it.Output = out
		}
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", name, err)
	}
	c.advance(saved.ETA)

	if runErr != nil {
		c.engine.metrics.RecordActivity(c.schema.Name, name, "failed")
		c.Logger().Warn("activity failed", zap.String("activity", name), zap.Error(runErr))
		return nil, &ActivityError{Activity: name, Message: runErr.Error(), Err: runErr}
	}
	c.engine.metrics.RecordActivity(c.schema.Name, name, "executed")
	return out, nil
}

// executeActivityWithRecovery runs fn, turning a panic into StepPanicError.
// This ensures an activity panic doesn't crash the entire worker.
func executeActivityWithRecovery(ctx context.Context, fn ActivityFunc, scope *Scope, args []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = StepPanicError{Value: r, Stack: string(buf[:n])}
		}
	}()
	return fn(ctx, scope, args)
}
