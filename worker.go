package durable

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ProcessQueueOnce leases the due workflows of workerGroup (at most 20) and
// runs them one after another. A failing item is logged and skipped. It
// returns how many items were leased.
//
// Cancelling ctx interrupts the dequeue but not a run in progress.
func (eng *Engine) ProcessQueueOnce(ctx context.Context, workerGroup string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	items, err := eng.store.Dequeue(ctx, workerGroup, eng.now(), eng.leaseDuration)
	eng.metrics.RecordDequeue(workerGroup, len(items))
	if err != nil {
		if ctx.Err() != nil {
			return len(items), ctx.Err()
		}
		if len(items) == 0 {
			return 0, fmt.Errorf("failed to dequeue: %w", err)
		}
		eng.logger.Error("dequeue interrupted", zap.String("worker_group", workerGroup), zap.Error(err))
	}

	runCtx := context.WithoutCancel(ctx)
	for _, item := range items {
		if err := eng.run(runCtx, item); err != nil {
			eng.logger.Error("workflow run failed",
				zap.String("workflow_id", item.ID),
				zap.String("workflow", item.Name),
				zap.Error(err),
			)
		}
	}
	return len(items), nil
}

// Start polls workerGroup until ctx is cancelled. It loops immediately
// after a non-empty batch and otherwise sleeps up to the idle timeout, or
// until new work is queued or an event is raised.
func (eng *Engine) Start(ctx context.Context, workerGroup string) error {
	if eng.notifier != nil {
		go func() {
			if err := eng.notifier.Listen(ctx, eng.waiter.ReleaseAll); err != nil && ctx.Err() == nil {
				eng.logger.Warn("notifier stopped", zap.Error(err))
			}
		}()
	}

	log := eng.logger.With(zap.String("worker_group", workerGroup))
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		release := eng.waiter.Chan()
		n, err := eng.ProcessQueueOnce(ctx, workerGroup)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("poll failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		eng.waiter.Wait(ctx, release, eng.idleTimeout)
	}
}

// run replays one leased workflow and persists the outcome.
func (eng *Engine) run(ctx context.Context, item *Item) error {
	log := eng.logger.With(zap.String("workflow_id", item.ID), zap.String("workflow", item.Name))
	start := time.Now()

	if item.Terminal() {
		return eng.expire(ctx, item, log)
	}

	var (
		output []byte
		runErr error
		wfCtx  *Context
	)
	if schema, ok := eng.registry.Lookup(item.Name); ok {
		wfCtx = newContext(eng, item, schema)
		output, runErr = executeWorkflowWithRecovery(ctx, schema, wfCtx, item.Input)
	} else {
		runErr = fmt.Errorf("%w: %s", ErrUnknownWorkflow, item.Name)
	}

	now := eng.now()
	if se, ok := IsSuspended(runErr); ok {
		_, err := eng.store.Save(ctx, item.ID, func(it *Item) {
			if wfCtx.lastID != "" {
				it.LastID = wfCtx.lastID
			}
			// A different lease token means the workflow was woken while
			// running; keep it due.
			if it.LockToken != item.LockToken {
				return
			}
			it.ETA = now.Add(se.ResumeAfter)
			it.ClearLease()
		})
		if err != nil {
			return fmt.Errorf("persist suspension: %w", err)
		}
		eng.metrics.RecordRun(item.Name, "suspended", time.Since(start))
		log.Debug("workflow suspended", zap.Duration("resume_after", se.ResumeAfter), zap.String("last_id", wfCtx.lastID))
		return nil
	}

	outcome := "done"
	if runErr != nil {
		outcome = "failed"
	}
	_, err := eng.store.Save(ctx, item.ID, func(it *Item) {
		if runErr != nil {
			it.State = StateFailed
			it.Error = runErr.Error()
			it.ETA = now.Add(eng.failedPreserveTime)
		} else {
			it.State = StateDone
			it.Output = output
			it.Error = ""
			it.ETA = now.Add(eng.preserveTime)
		}
		if it.ParentID != "" {
			it.ETA = now.Add(childParkDuration)
		}
		it.ClearLease()
	})
	if err != nil {
		return fmt.Errorf("persist %s outcome: %w", outcome, err)
	}
	eng.metrics.RecordRun(item.Name, outcome, time.Since(start))
	if runErr != nil {
		log.Error("workflow failed", zap.Error(runErr))
	} else {
		log.Debug("workflow done")
	}

	if item.ParentID != "" {
		if err := eng.wakeParent(ctx, item.ParentID, now); err != nil {
			return err
		}
	}
	return nil
}

// expire deletes a terminal workflow whose retention has passed.
func (eng *Engine) expire(ctx context.Context, item *Item, log *zap.Logger) error {
	done, err := eng.store.Delete(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("delete expired: %w", err)
	}
	if done {
		eng.metrics.RecordRun(item.Name, "deleted", 0)
		log.Debug("workflow deleted")
		return nil
	}
	// Only a page of children went; release the lease so the next poll
	// continues.
	_, err = eng.store.Save(ctx, item.ID, func(it *Item) { it.ClearLease() })
	return err
}

func (eng *Engine) wakeParent(ctx context.Context, parentID string, now time.Time) error {
	parent, err := eng.store.GetWorkflow(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}
	if parent.Terminal() {
		return nil
	}
	if _, err := eng.store.Save(ctx, parentID, func(it *Item) {
		if it.Terminal() {
			return
		}
		it.ClearLease()
		it.ETA = now
	}); err != nil {
		return fmt.Errorf("wake parent: %w", err)
	}
	eng.wake(ctx, parent.TaskGroup)
	return nil
}

// executeWorkflowWithRecovery runs the workflow body, turning a panic into
// WorkflowPanicError.
func executeWorkflowWithRecovery(ctx context.Context, schema *Schema, wfCtx *Context, input []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = WorkflowPanicError{Value: r, Stack: string(buf[:n])}
		}
	}()
	return schema.run(ctx, wfCtx, input)
}
