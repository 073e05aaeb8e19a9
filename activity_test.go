package durable_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nvcnvn/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_UniqueActivityRunsOncePerArgument(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	durable.MustRegister(h.reg, define("unique", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		first, err := durable.Invoke[string](ctx, wf, "charge", in)
		if err != nil {
			return "", err
		}
		if err := wf.Delay(ctx, time.Second); err != nil {
			return "", err
		}
		second, err := durable.Invoke[string](ctx, wf, "charge", in)
		if err != nil {
			return "", err
		}
		return first + "," + second, nil
	}), durable.WithUniqueActivity("charge", c.activity("charge")))

	id, err := h.eng.Queue(h.ctx, "unique", "x")
	require.NoError(t, err)

	h.drain()
	assert.Equal(t, durable.StateQueued, h.status(id).State)

	h.clock.Advance(time.Second)
	h.drain()

	st := h.status(id)
	require.Equal(t, durable.StateDone, st.State)
	assert.JSONEq(t, `"charge(x),charge(x)"`, string(st.Output))
	assert.Equal(t, 1, c.count("charge", "x"))
}

func TestInvoke_OrdinaryActivityIsKeyedByVirtualTime(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	durable.MustRegister(h.reg, define("timed", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		if _, err := durable.Invoke[string](ctx, wf, "ping", in); err != nil {
			return "", err
		}
		if _, err := durable.Invoke[string](ctx, wf, "ping", in); err != nil {
			return "", err
		}
		if err := wf.Delay(ctx, time.Second); err != nil {
			return "", err
		}
		return durable.Invoke[string](ctx, wf, "ping", in)
	}), durable.WithActivity("ping", c.activity("ping")))

	id, err := h.eng.Queue(h.ctx, "timed", "x")
	require.NoError(t, err)

	h.drain()
	// The two calls at the same virtual instant share a memo.
	assert.Equal(t, 1, c.count("ping", "x"))

	// Replays before the delay is due do not run it again.
	h.clock.Advance(500 * time.Millisecond)
	_, err = h.store.Save(h.ctx, id, func(it *durable.Item) { it.ETA = h.clock.Now() })
	require.NoError(t, err)
	h.drain()
	assert.Equal(t, 1, c.count("ping", "x"))

	h.clock.Advance(500 * time.Millisecond)
	h.drain()
	require.Equal(t, durable.StateDone, h.status(id).State)
	assert.Equal(t, 2, c.count("ping", "x"))
}

func TestInvoke_DifferentNamesSameArgsDoNotCollide(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	durable.MustRegister(h.reg, define("pair", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		a, err := durable.Invoke[string](ctx, wf, "a", in)
		if err != nil {
			return "", err
		}
		b, err := durable.Invoke[string](ctx, wf, "b", in)
		if err != nil {
			return "", err
		}
		return a + b, nil
	}),
		durable.WithUniqueActivity("a", c.activity("a")),
		durable.WithUniqueActivity("b", c.activity("b")),
	)

	id, err := h.eng.Queue(h.ctx, "pair", "same")
	require.NoError(t, err)
	h.drain()

	st := h.status(id)
	require.Equal(t, durable.StateDone, st.State)
	assert.JSONEq(t, `"a(same)b(same)"`, string(st.Output))
	assert.Equal(t, 1, c.count("a", "same"))
	assert.Equal(t, 1, c.count("b", "same"))
}

func TestInvoke_LongArgumentsAreHashed(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	long := strings.Repeat("x", 500)
	durable.MustRegister(h.reg, define("long", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		return durable.Invoke[string](ctx, wf, "echo", in)
	}), durable.WithUniqueActivity("echo", c.activity("echo")))

	id, err := h.eng.Queue(h.ctx, "long", long)
	require.NoError(t, err)
	h.drain()

	require.Equal(t, durable.StateDone, h.status(id).State)
	assert.Equal(t, 1, c.count("echo", long))

	var maxID int
	require.NoError(t, h.store.DB().QueryRowContext(h.ctx,
		"SELECT MAX(LENGTH(id)) FROM workflow_items WHERE NOT is_workflow").Scan(&maxID))
	assert.Less(t, maxID, 200)
}

func TestInvoke_FailureIsSticky(t *testing.T) {
	h := newHarness(t)
	calls := 0
	durable.MustRegister(h.reg, define("sticky", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		_, first := durable.Invoke[string](ctx, wf, "flaky", in)
		if err := wf.Delay(ctx, 10*time.Second); err != nil {
			return "", err
		}
		_, second := durable.Invoke[string](ctx, wf, "flaky", in)
		var ae *durable.ActivityError
		if !errors.As(second, &ae) || first == nil {
			return "recovered", nil
		}
		return "", second
	}), durable.WithUniqueActivity("flaky", durable.Activity(func(context.Context, *durable.Scope, string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("card declined")
		}
		return "ok", nil
	})))

	id, err := h.eng.Queue(h.ctx, "sticky", "x")
	require.NoError(t, err)
	h.drain()
	h.clock.Advance(10 * time.Second)
	h.drain()

	st := h.status(id)
	require.Equal(t, durable.StateFailed, st.State)
	assert.Contains(t, st.Error, "card declined")
	assert.Equal(t, 1, calls)

	// A failed workflow is never run again.
	h.clock.Advance(time.Hour)
	assert.Zero(t, h.poll())
	assert.Equal(t, 1, calls)
}

func TestInvoke_UnknownActivity(t *testing.T) {
	h := newHarness(t)
	durable.MustRegister(h.reg, define("nope", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		return durable.Invoke[string](ctx, wf, "missing", in)
	}))

	id, err := h.eng.Queue(h.ctx, "nope", "x")
	require.NoError(t, err)
	h.drain()

	st := h.status(id)
	assert.Equal(t, durable.StateFailed, st.State)
	assert.Contains(t, st.Error, "unknown activity")
}

func TestInvoke_ActivityPanicFailsTheWorkflow(t *testing.T) {
	h := newHarness(t)
	durable.MustRegister(h.reg, define("panicky", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		return durable.Invoke[string](ctx, wf, "boom", in)
	}), durable.WithActivity("boom", durable.Activity(func(context.Context, *durable.Scope, string) (string, error) {
		panic("kaboom")
	})))

	id, err := h.eng.Queue(h.ctx, "panicky", "x")
	require.NoError(t, err)
	h.drain()

	st := h.status(id)
	assert.Equal(t, durable.StateFailed, st.State)
	assert.Contains(t, st.Error, "activity panicked: kaboom")
}
