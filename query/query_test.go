package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingCaller answers every call with the number of calls made so far.
type countingCaller struct {
	calls atomic.Int32
	gate  chan struct{} // when set, calls block until it is closed
	fail  atomic.Bool
}

func (c *countingCaller) Call(ctx context.Context, path string, input any) (json.RawMessage, error) {
	n := c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.fail.Load() {
		return nil, errors.New("host down")
	}
	return json.Marshal(n)
}

func TestQueryCaches(t *testing.T) {
	caller := &countingCaller{}
	cache := New(caller)
	ctx := context.Background()

	first, err := Get[int](ctx, cache, "user.get", map[string]any{"id": 1, "full": true})
	require.NoError(t, err)
	// Same input spelled differently hits the same entry
	again, err := Get[int](ctx, cache, "user.get", json.RawMessage(`{ "full": true, "id": 1 }`))
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, int32(1), caller.calls.Load())

	other, err := Get[int](ctx, cache, "user.get", map[string]any{"id": 2})
	require.NoError(t, err)
	require.NotEqual(t, first, other)
	require.Equal(t, int32(2), caller.calls.Load())
}

func TestQueryCollapsesConcurrentCalls(t *testing.T) {
	caller := &countingCaller{gate: make(chan struct{})}
	cache := New(caller)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := cache.Query(context.Background(), "system.procedures", nil)
			if err == nil {
				results[i] = string(data)
			}
		}()
	}

	require.Eventually(t, func() bool { return caller.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(caller.gate)
	wg.Wait()

	require.Equal(t, int32(1), caller.calls.Load())
	for _, r := range results {
		require.Equal(t, "1", r)
	}
}

func TestCancelledWaiterLeavesFlightRunning(t *testing.T) {
	caller := &countingCaller{gate: make(chan struct{})}
	cache := New(caller)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := cache.Query(ctx, "system.procedures", nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return caller.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan json.RawMessage, 1)
	go func() {
		data, _ := cache.Query(context.Background(), "system.procedures", nil)
		second <- data
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(caller.gate)
	require.Equal(t, "1", string(<-second))
	require.Equal(t, int32(1), caller.calls.Load())

	// The finished flight still filled the cache
	data, err := cache.Query(context.Background(), "system.procedures", nil)
	require.NoError(t, err)
	require.Equal(t, "1", string(data))
}

func TestStaleTime(t *testing.T) {
	caller := &countingCaller{}
	cache := New(caller, WithStaleTime(time.Minute))
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	v, _ := Get[int](ctx, cache, "clock", nil)
	require.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	v, _ = Get[int](ctx, cache, "clock", nil)
	require.Equal(t, 1, v, "still fresh")

	now = now.Add(time.Minute)
	v, _ = Get[int](ctx, cache, "clock", nil)
	require.Equal(t, 2, v, "stale entries are refetched")
}

func TestInvalidate(t *testing.T) {
	caller := &countingCaller{}
	cache := New(caller)
	ctx := context.Background()

	a1, _ := Get[int](ctx, cache, "todo.list", map[string]int{"page": 1})
	a2, _ := Get[int](ctx, cache, "todo.list", map[string]int{"page": 2})
	b, _ := Get[int](ctx, cache, "todo.count", nil)

	// One input
	require.NoError(t, cache.Invalidate("todo.list", map[string]int{"page": 1}))
	v, _ := Get[int](ctx, cache, "todo.list", map[string]int{"page": 1})
	require.NotEqual(t, a1, v)
	v, _ = Get[int](ctx, cache, "todo.list", map[string]int{"page": 2})
	require.Equal(t, a2, v)

	// Whole path
	require.NoError(t, cache.Invalidate("todo.list"))
	v, _ = Get[int](ctx, cache, "todo.list", map[string]int{"page": 2})
	require.NotEqual(t, a2, v)
	v, _ = Get[int](ctx, cache, "todo.count", nil)
	require.Equal(t, b, v, "other paths are untouched")
}

func TestInvalidateDuringFetch(t *testing.T) {
	caller := &countingCaller{gate: make(chan struct{})}
	cache := New(caller)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Query(ctx, "todo.list", nil)
	}()
	require.Eventually(t, func() bool { return caller.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, cache.Invalidate("todo.list"))
	close(caller.gate)
	<-done

	// The result that raced the invalidation was not kept
	v, err := Get[int](ctx, cache, "todo.list", nil)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestSetDataAndMutate(t *testing.T) {
	caller := &countingCaller{}
	cache := New(caller)
	ctx := context.Background()

	require.NoError(t, cache.SetData("user.get", map[string]int{"id": 7}, map[string]string{"name": "ada"}))
	out, err := Get[map[string]string](ctx, cache, "user.get", map[string]int{"id": 7})
	require.NoError(t, err)
	require.Equal(t, "ada", out["name"])
	require.Zero(t, caller.calls.Load())

	_, err = cache.Mutate(ctx, "user.rename", nil)
	require.NoError(t, err)
	_, err = cache.Mutate(ctx, "user.rename", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), caller.calls.Load(), "mutations are never cached")
}

func TestErrorsAreNotCached(t *testing.T) {
	caller := &countingCaller{}
	caller.fail.Store(true)
	cache := New(caller)
	ctx := context.Background()

	_, err := cache.Query(ctx, "flaky", nil)
	require.EqualError(t, err, "host down")

	caller.fail.Store(false)
	v, err := Get[int](ctx, cache, "flaky", nil)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
