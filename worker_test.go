package durable_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvcnvn/durable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetention_DoneWorkflowIsDeletedWithItsSteps(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	durable.MustRegister(h.reg, define("steps", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		for i := 0; i < 3; i++ {
			if _, err := durable.Invoke[string](ctx, wf, "step", fmt.Sprint(i)); err != nil {
				return "", err
			}
		}
		return in, nil
	}), durable.WithUniqueActivity("step", c.activity("step")))

	id, err := h.eng.Queue(h.ctx, "steps", "x")
	require.NoError(t, err)
	h.drain()
	require.Equal(t, durable.StateDone, h.status(id).State)
	assert.Equal(t, 4, h.rows())

	h.clock.Advance(durable.PreserveTime - time.Second)
	assert.Zero(t, h.poll())

	h.clock.Advance(time.Second)
	h.drain()
	_, err = h.eng.Get(h.ctx, id)
	assert.ErrorIs(t, err, durable.ErrNotFound)
	assert.Zero(t, h.rows())
}

func TestRetention_FailedWorkflowIsKeptLonger(t *testing.T) {
	h := newHarness(t)
	durable.MustRegister(h.reg, define("fails", func(context.Context, *durable.Context, string) (string, error) {
		return "", errors.New("nope")
	}))

	id, err := h.eng.Queue(h.ctx, "fails", "x")
	require.NoError(t, err)
	h.drain()

	h.clock.Advance(durable.PreserveTime)
	h.drain()
	assert.Equal(t, durable.StateFailed, h.status(id).State)

	h.clock.Advance(durable.FailedPreserveTime)
	h.drain()
	_, err = h.eng.Get(h.ctx, id)
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestRetention_CascadesThroughChildrenInPages(t *testing.T) {
	h := newHarness(t, durable.WithPreserveTime(time.Minute))
	durable.MustRegister(h.reg, define("leaf", func(ctx context.Context, wf *durable.Context, in int) (int, error) {
		return durable.Invoke[int](ctx, wf, "double", in)
	}), durable.WithUniqueActivity("double", durable.Activity(func(_ context.Context, _ *durable.Scope, n int) (int, error) {
		return n * 2, nil
	})))
	durable.MustRegister(h.reg, define("fanout", func(ctx context.Context, wf *durable.Context, n int) (int, error) {
		branches := make([]durable.Branch, n)
		results := make([]int, n)
		for i := range branches {
			branches[i] = func(ctx context.Context, wf *durable.Context) error {
				out, err := durable.RunChild[int](ctx, wf, "leaf", i)
				results[i] = out
				return err
			}
		}
		if err := wf.All(ctx, branches...); err != nil {
			return 0, err
		}
		sum := 0
		for _, r := range results {
			sum += r
		}
		return sum, nil
	}))

	id, err := h.eng.Queue(h.ctx, "fanout", 120)
	require.NoError(t, err)
	for i := 0; i < 20 && h.status(id).State == durable.StateQueued; i++ {
		h.drain()
	}
	st := h.status(id)
	require.Equal(t, durable.StateDone, st.State)
	assert.JSONEq(t, "14280", string(st.Output))
	// parent, 120 children and their memos
	assert.Equal(t, 241, h.rows())

	h.clock.Advance(time.Minute)
	h.drain()
	assert.Zero(t, h.rows())
}

func TestProcessQueueOnce_LeaseIsExclusiveAcrossEngines(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int64
	wf := define("once", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		return durable.Invoke[string](ctx, wf, "side-effect", in)
	})
	act := durable.Activity(func(_ context.Context, _ *durable.Scope, in string) (string, error) {
		runs.Add(1)
		return in, nil
	})
	durable.MustRegister(h.reg, wf, durable.WithUniqueActivity("side-effect", act))

	other := durable.New(h.store, h.reg, durable.WithClock(h.clock), durable.WithWaiter(durable.NewWaiter()))

	const n = 15
	for i := 0; i < n; i++ {
		_, err := h.eng.Queue(h.ctx, "once", fmt.Sprint(i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var leased atomic.Int64
	for _, eng := range []*durable.Engine{h.eng, other, h.eng, other} {
		wg.Add(1)
		go func(eng *durable.Engine) {
			defer wg.Done()
			got, err := eng.ProcessQueueOnce(h.ctx, "")
			assert.NoError(t, err)
			leased.Add(int64(got))
		}(eng)
	}
	wg.Wait()

	assert.Equal(t, int64(n), leased.Load())
	assert.Equal(t, int64(n), runs.Load())
}

func TestProcessQueueOnce_TaskGroups(t *testing.T) {
	h := newHarness(t)
	durable.MustRegister(h.reg, define("mail", func(_ context.Context, _ *durable.Context, in string) (string, error) {
		return in, nil
	}), durable.WithTaskGroup("mailers"))

	id, err := h.eng.Queue(h.ctx, "mail", "x")
	require.NoError(t, err)

	assert.Zero(t, h.poll())
	n, err := h.eng.ProcessQueueOnce(h.ctx, "mailers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, durable.StateDone, h.status(id).State)
}

func TestProcessQueueOnce_CancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.eng.ProcessQueueOnce(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_PicksUpQueuedWorkAndStops(t *testing.T) {
	h := newHarness(t, durable.WithIdleTimeout(20*time.Millisecond))
	echo := registerEcho(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Start(ctx, "") }()

	id, err := echo.Queue(h.ctx, h.eng, "hello")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := h.eng.Get(h.ctx, id)
		return err == nil && st.State == durable.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_QueueCutsIdleSleepShort(t *testing.T) {
	h := newHarness(t, durable.WithIdleTimeout(time.Hour))
	echo := registerEcho(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Start(ctx, "") }()
	defer func() {
		cancel()
		<-done
	}()

	// Let the worker find the queue empty and go to sleep.
	time.Sleep(50 * time.Millisecond)

	id, err := echo.Queue(h.ctx, h.eng, "hello")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		st, err := h.eng.Get(h.ctx, id)
		return err == nil && st.State == durable.StateDone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessQueueOnce_LeasesAtMostTwenty(t *testing.T) {
	h := newHarness(t)
	echo := registerEcho(h)

	for i := 0; i < 25; i++ {
		_, err := echo.Queue(h.ctx, h.eng, fmt.Sprint(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 20, h.poll())
	assert.Equal(t, 5, h.poll())
	assert.Zero(t, h.poll())
}

func TestWaiter_ReleaseAllWakesSleepers(t *testing.T) {
	w := durable.NewWaiter()
	released := make(chan bool, 2)
	var ready sync.WaitGroup
	for i := 0; i < 2; i++ {
		ready.Add(1)
		go func() {
			ready.Done()
			released <- w.Sleep(context.Background(), time.Hour)
		}()
	}
	ready.Wait()

	assert.Eventually(t, func() bool {
		w.ReleaseAll()
		return len(released) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, <-released)
	assert.True(t, <-released)
}

func TestWaiter_SleepTimesOut(t *testing.T) {
	w := durable.NewWaiter()
	assert.False(t, w.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, w.Sleep(ctx, time.Hour))
}

func TestWaiter_ReleaseBeforeWaitIsNotLost(t *testing.T) {
	w := durable.NewWaiter()
	release := w.Chan()
	w.ReleaseAll()

	start := time.Now()
	assert.True(t, w.Wait(context.Background(), release, time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	// A channel taken after the release waits for the next one.
	assert.False(t, w.Wait(context.Background(), w.Chan(), time.Millisecond))
}

func TestMetrics_RecordRunsAndActivities(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, durable.WithMetrics(reg))
	c := newCounter()
	durable.MustRegister(h.reg, define("measured", func(ctx context.Context, wf *durable.Context, in string) (string, error) {
		if _, err := durable.Invoke[string](ctx, wf, "work", in); err != nil {
			return "", err
		}
		if err := wf.Delay(ctx, time.Second); err != nil {
			return "", err
		}
		return in, nil
	}), durable.WithUniqueActivity("work", c.activity("work")))

	_, err := h.eng.Queue(h.ctx, "measured", "x")
	require.NoError(t, err)
	h.drain()
	h.clock.Advance(time.Second)
	h.drain()

	n, err := testutil.GatherAndCount(reg, "durable_runs_total", "durable_activities_total")
	require.NoError(t, err)
	// runs: suspended, done; activities: executed, replayed
	assert.Equal(t, 4, n)
}
