// Package query caches the results of read-only procedure calls.
//
// Entries are keyed by [path, input]. Concurrent identical queries share one call to the
// host, and an entry is served from memory until it goes stale or is invalidated.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Caller performs one call on a host. *client.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, path string, input any) (json.RawMessage, error)
}

type entry struct {
	data    json.RawMessage
	fetched time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	caller    Caller
	staleTime time.Duration
	logger    *zap.Logger
	now       func() time.Time
	group     singleflight.Group

	mu         sync.Mutex
	entries    map[string]map[string]entry // path → input key → entry
	generation uint64                      // bumped by Invalidate, so fetches that raced it are not stored
}

type Option func(*Cache)

// WithStaleTime sets how long an entry is served before the next Query refetches it.
// Zero keeps entries until they are invalidated.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) { c.staleTime = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(caller Caller, opts ...Option) *Cache {
	c := &Cache{
		caller:  caller,
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query returns the cached result of path for input, calling the host when there is no
// fresh entry. Failed calls are not cached.
func (c *Cache) Query(ctx context.Context, path string, input any) (json.RawMessage, error) {
	key, err := inputKey(input)
	if err != nil {
		return nil, fmt.Errorf("query: key for %s: %w", path, err)
	}

	if data, ok := c.lookup(path, key); ok {
		return data, nil
	}

	// The flight outlives any single waiter: one caller giving up must not fail the rest
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey(path, key), func() (any, error) {
		c.mu.Lock()
		gen := c.generation
		c.mu.Unlock()

		data, err := c.caller.Call(flightCtx, path, input)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if gen == c.generation {
			c.store(path, key, data)
		}
		c.mu.Unlock()
		return data, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.logger.Debug("query shared an in-flight call", zap.String("path", path))
	}
	return res.Val.(json.RawMessage), nil
}

// Get is Query decoding the result into O.
func Get[O any](ctx context.Context, c *Cache, path string, input any) (O, error) {
	var out O
	data, err := c.Query(ctx, path, input)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("query: decode result of %s: %w", path, err)
	}
	return out, nil
}

// Mutate calls path without reading or writing the cache. Callers invalidate whatever
// the mutation changed.
func (c *Cache) Mutate(ctx context.Context, path string, input any) (json.RawMessage, error) {
	return c.caller.Call(ctx, path, input)
}

// Invalidate drops the entry of path for input, or every entry of path when no input is
// given. The next Query refetches.
func (c *Cache) Invalidate(path string, input ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++

	if len(input) == 0 {
		for key := range c.entries[path] {
			c.group.Forget(flightKey(path, key))
		}
		delete(c.entries, path)
		return nil
	}

	for _, in := range input {
		key, err := inputKey(in)
		if err != nil {
			return fmt.Errorf("query: key for %s: %w", path, err)
		}
		c.group.Forget(flightKey(path, key))
		delete(c.entries[path], key)
	}
	return nil
}

// SetData primes the entry of path for input with value, as if the host had returned it.
func (c *Cache) SetData(path string, input any, value any) error {
	key, err := inputKey(input)
	if err != nil {
		return fmt.Errorf("query: key for %s: %w", path, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("query: encode data for %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(path, key, data)
	return nil
}

func (c *Cache) lookup(path, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path][key]
	if !ok {
		return nil, false
	}
	if c.staleTime > 0 && c.now().Sub(e.fetched) >= c.staleTime {
		return nil, false
	}
	return e.data, true
}

// store must hold c.mu.
func (c *Cache) store(path, key string, data json.RawMessage) {
	byInput, ok := c.entries[path]
	if !ok {
		byInput = make(map[string]entry)
		c.entries[path] = byInput
	}
	byInput[key] = entry{data: data, fetched: c.now()}
}

// inputKey renders input as canonical JSON: equal values give equal keys however they
// were spelled (object key order, whitespace).
func inputKey(input any) (string, error) {
	if input == nil {
		return "", nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		if len(raw) == 0 {
			return "", nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", err
		}
		input = v
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	// Round trip through any so structs and maps with the same content agree
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	data, err = json.Marshal(v)
	return string(data), err
}

func flightKey(path, key string) string {
	return path + "\x00" + key
}
