package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	Seed(ctx context.Context) error
	GetWorkflow(ctx context.Context, id string) (*Item, error)
	GetAny(ctx context.Context, id string) (*Item, error)
	Save(ctx context.Context, id string, mutate func(*Item)) (*Item, error)
	Dequeue(ctx context.Context, taskGroup string, now time.Time, lease time.Duration) ([]*Item, error)
	Delete(ctx context.Context, id string) (bool, error)
	LastThrottled(ctx context.Context, group string) (time.Time, bool, error)
}

var (
	_ store = (*Postgres)(nil)
	_ store = (*SQLite)(nil)
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func queueWorkflow(t *testing.T, s store, id string, eta time.Time, mutate ...func(*Item)) {
	t.Helper()
	_, err := s.Save(context.Background(), id, func(it *Item) {
		it.Name = "wf"
		it.IsWorkflow = true
		it.Input = []byte(`{"n":1}`)
		it.Queued = eta
		it.ETA = eta
		for _, m := range mutate {
			m(it)
		}
	})
	require.NoError(t, err)
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAny(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetWorkflow(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save merges and defaults", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		saved, err := s.Save(ctx, "a", func(it *Item) {
			it.Name = "wf"
			it.IsWorkflow = true
			it.ETA = t0
			it.Queued = t0
		})
		require.NoError(t, err)
		assert.Equal(t, StateQueued, saved.State)

		_, err = s.Save(ctx, "a", func(it *Item) {
			assert.Equal(t, "wf", it.Name)
			it.Output = []byte(`"ok"`)
			it.State = StateDone
		})
		require.NoError(t, err)

		got, err := s.GetWorkflow(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "wf", got.Name)
		assert.Equal(t, StateDone, got.State)
		assert.JSONEq(t, `"ok"`, string(got.Output))
		assert.True(t, got.ETA.Equal(t0))
		assert.True(t, got.Queued.Equal(t0))
	})

	t.Run("step memo is not a workflow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Save(ctx, "wf:step", func(it *Item) {
			it.Name = "step"
			it.ParentID = "wf"
			it.State = StateDone
		})
		require.NoError(t, err)

		_, err = s.GetWorkflow(ctx, "wf:step")
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := s.GetAny(ctx, "wf:step")
		require.NoError(t, err)
		assert.Equal(t, "wf", got.ParentID)
	})

	t.Run("dequeue filters and orders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		queueWorkflow(t, s, "late", t0.Add(time.Second))
		queueWorkflow(t, s, "early", t0.Add(-time.Minute))
		queueWorkflow(t, s, "future", t0.Add(time.Hour))
		queueWorkflow(t, s, "other-group", t0, func(it *Item) { it.TaskGroup = "other" })
		queueWorkflow(t, s, "lo", t0, func(it *Item) { it.Priority = 5 })
		queueWorkflow(t, s, "hi", t0, func(it *Item) { it.Priority = 1 })

		got, err := s.Dequeue(ctx, "", t0.Add(time.Second), 5*time.Minute)
		require.NoError(t, err)
		var ids []string
		for _, it := range got {
			ids = append(ids, it.ID)
			assert.NotEmpty(t, it.LockToken)
			require.NotNil(t, it.LockedTTL)
		}
		assert.Equal(t, []string{"early", "hi", "lo", "late"}, ids)

		again, err := s.Dequeue(ctx, "", t0.Add(2*time.Second), 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "leased rows must not be handed out twice")
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		queueWorkflow(t, s, "w", t0)

		first, err := s.Dequeue(ctx, "", t0, time.Minute)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := s.Dequeue(ctx, "", t0.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.NotEqual(t, first[0].LockToken, second[0].LockToken)
	})

	t.Run("concurrent dequeue is exclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			queueWorkflow(t, s, fmt.Sprintf("w%02d", i), t0)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				items, err := s.Dequeue(ctx, "", t0, 5*time.Minute)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, it := range items {
					seen[it.ID]++
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 10)
		for id, n := range seen {
			assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
		}
	})

	t.Run("delete pages children", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		queueWorkflow(t, s, "parent", t0)
		for i := 0; i < DeletePageSize+5; i++ {
			_, err := s.Save(ctx, fmt.Sprintf("parent:step:%03d", i), func(it *Item) {
				it.Name = "step"
				it.ParentID = "parent"
				it.State = StateDone
			})
			require.NoError(t, err)
		}

		done, err := s.Delete(ctx, "parent")
		require.NoError(t, err)
		assert.False(t, done, "a full page means retry later")
		_, err = s.GetWorkflow(ctx, "parent")
		require.NoError(t, err)

		done, err = s.Delete(ctx, "parent")
		require.NoError(t, err)
		assert.True(t, done)
		_, err = s.GetAny(ctx, "parent")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetAny(ctx, "parent:step:000")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete cascades through child workflows", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		queueWorkflow(t, s, "root", t0)
		queueWorkflow(t, s, "child", t0, func(it *Item) { it.ParentID = "root" })
		_, err := s.Save(ctx, "child:step", func(it *Item) {
			it.Name = "step"
			it.ParentID = "child"
			it.State = StateDone
		})
		require.NoError(t, err)

		done, err := s.Delete(ctx, "root")
		require.NoError(t, err)
		assert.True(t, done)
		for _, id := range []string{"root", "child", "child:step"} {
			_, err := s.GetAny(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound, id)
		}
	})

	t.Run("last throttled", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, ok, err := s.LastThrottled(ctx, "g")
		require.NoError(t, err)
		assert.False(t, ok)

		queueWorkflow(t, s, "a", t0, func(it *Item) { it.ThrottleGroup = "g" })
		// Suspended: eta moved out, queued stays put.
		queueWorkflow(t, s, "b", t0.Add(time.Second), func(it *Item) {
			it.ThrottleGroup = "g"
			it.ETA = t0.Add(24 * time.Hour)
		})
		// Finished members still count.
		queueWorkflow(t, s, "c", t0.Add(2*time.Second), func(it *Item) {
			it.ThrottleGroup = "g"
			it.State = StateDone
			it.ETA = t0.Add(5 * time.Minute)
		})
		queueWorkflow(t, s, "other", t0.Add(time.Hour), func(it *Item) { it.ThrottleGroup = "h" })

		last, ok, err := s.LastThrottled(ctx, "g")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, last.Equal(t0.Add(2*time.Second)), "got %s", last)
	})
}
