package execution

import (
	"context"
	"sync"
	"time"
)

// resultCache deduplicates executions by signal id. The first caller for a
// signal becomes the leader and runs the order flow; concurrent callers for
// the same id wait for the leader's terminal result instead of submitting a
// second order. Entries expire after the dedupe window.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	done    chan struct{}
	result  OrderResult
	err     error
	created time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// begin registers interest in a signal id. leader=true means the caller owns
// the execution and must call finish exactly once.
func (c *resultCache) begin(signalID string) (entry *cacheEntry, leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	if e, ok := c.entries[signalID]; ok {
		return e, false
	}
	e := &cacheEntry{done: make(chan struct{}), created: c.now()}
	c.entries[signalID] = e
	return e, true
}

func (c *resultCache) finish(e *cacheEntry, res OrderResult, err error) {
	e.result = res
	e.err = err
	close(e.done)
}

// wait blocks until the leader finishes or the context expires.
func (c *resultCache) wait(ctx context.Context, e *cacheEntry) (OrderResult, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return OrderResult{}, ctx.Err()
	}
}

func (c *resultCache) pruneLocked() {
	cutoff := c.now().Add(-c.ttl)
	for id, e := range c.entries {
		select {
		case <-e.done:
			if e.created.Before(cutoff) {
				delete(c.entries, id)
			}
		default:
		}
	}
}
