package durable_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nvcnvn/durable"
	"github.com/nvcnvn/durable/testutil"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// harness is an engine over a fresh SQLite store whose clock only moves
// when the test says so.
type harness struct {
	t     *testing.T
	ctx   context.Context
	store *durable.SQLiteStore
	clock *durable.ManualClock
	reg   *durable.Registry
	eng   *durable.Engine
}

func newHarness(t *testing.T, opts ...durable.Option) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := durable.OpenSQLiteStore(testutil.SQLitePath(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Seed(ctx))

	clock := durable.NewManualClock(t0)
	store.Now = clock.Now

	reg := durable.NewRegistry()
	opts = append([]durable.Option{
		durable.WithClock(clock),
		durable.WithWaiter(durable.NewWaiter()),
	}, opts...)

	return &harness{
		t:     t,
		ctx:   ctx,
		store: store,
		clock: clock,
		reg:   reg,
		eng:   durable.New(store, reg, opts...),
	}
}

// poll runs one ProcessQueueOnce on the default group.
func (h *harness) poll() int {
	h.t.Helper()
	n, err := h.eng.ProcessQueueOnce(h.ctx, "")
	require.NoError(h.t, err)
	return n
}

// drain polls until nothing is due at the current instant.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		if h.poll() == 0 {
			return
		}
	}
	h.t.Fatal("queue did not drain")
}

func (h *harness) status(id string) *durable.Status {
	h.t.Helper()
	st, err := h.eng.Get(h.ctx, id)
	require.NoError(h.t, err)
	return st
}

func (h *harness) rows() int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.store.DB().QueryRowContext(h.ctx, "SELECT COUNT(*) FROM workflow_items").Scan(&n))
	return n
}

// workflowFunc adapts a function to durable.Workflow.
type workflowFunc[I, O any] struct {
	name string
	run  func(ctx context.Context, wf *durable.Context, in I) (O, error)
}

func (w workflowFunc[I, O]) Name() string { return w.name }

func (w workflowFunc[I, O]) Run(ctx context.Context, wf *durable.Context, in I) (O, error) {
	return w.run(ctx, wf, in)
}

func define[I, O any](name string, run func(ctx context.Context, wf *durable.Context, in I) (O, error)) durable.Workflow[I, O] {
	return workflowFunc[I, O]{name: name, run: run}
}

// counter is an activity that counts its executions and echoes its argument.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCounter() *counter { return &counter{calls: map[string]int{}} }

func (c *counter) activity(name string) durable.ActivityFunc {
	return durable.Activity(func(_ context.Context, _ *durable.Scope, arg string) (string, error) {
		c.mu.Lock()
		c.calls[name+":"+arg]++
		c.mu.Unlock()
		return name + "(" + arg + ")", nil
	})
}

func (c *counter) count(name, arg string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name+":"+arg]
}
