package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var errCacheClosed = errors.New("client cache is closed")

// connectAttempt is one in-flight dial. client and err are written exactly
// once, before done is closed; waiters read them only after done.
type connectAttempt struct {
	done   chan struct{}
	client *mongo.Client
	err    error
}

// ClientCache hands out one shared MongoDB client to every invocation in
// the process, dialing lazily on first use. At most one connect attempt is
// in flight at any time; concurrent callers wait for its outcome instead of
// dialing again. A failed attempt is not cached - the next Acquire dials
// fresh. A handle reported broken (pool cleared) is dropped so the next
// Acquire reconnects instead of returning a dead client.
type ClientCache struct {
	mu      sync.Mutex
	client  *mongo.Client
	pending *connectAttempt
	lastErr error
	closed  bool

	timeout time.Duration
	connect func(ctx context.Context) (*mongo.Client, error)
}

// NewClientCache builds the cache around the given client options. No I/O
// happens until the first Acquire. A pool monitor is installed on the
// options so a cleared connection pool invalidates the cached handle.
func NewClientCache(opts *options.ClientOptions, timeout time.Duration) *ClientCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &ClientCache{timeout: timeout}
	opts.SetPoolMonitor(&event.PoolMonitor{
		Event: func(e *event.PoolEvent) {
			if e.Type == event.PoolCleared {
				log.WithField("address", e.Address).Warn("Connection pool cleared, invalidating cached MongoDB client")
				c.Invalidate()
			}
		},
	})
	c.connect = func(ctx context.Context) (*mongo.Client, error) {
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		// Connect alone does no I/O; ping so a dead seed list fails the
		// attempt here rather than on the first real operation.
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			disconnectQuietly(client)
			return nil, err
		}
		return client, nil
	}
	return c
}

// Acquire returns the shared client, dialing if no live handle exists. On
// the hot path (handle cached) it performs no I/O. A caller whose context
// ends while an attempt is in flight gets its context error; the attempt
// itself keeps running for the remaining waiters.
func (c *ClientCache) Acquire(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, E(KindUnavailable, "persistent store unavailable", errCacheClosed)
	}
	if c.client != nil {
		client := c.client
		c.mu.Unlock()
		return client, nil
	}
	attempt := c.pending
	if attempt == nil {
		attempt = &connectAttempt{done: make(chan struct{})}
		c.pending = attempt
		go c.dial(attempt)
	}
	c.mu.Unlock()

	select {
	case <-attempt.done:
		if attempt.err != nil {
			return nil, E(KindUnavailable, "persistent store unavailable", attempt.err)
		}
		return attempt.client, nil
	case <-ctx.Done():
		return nil, E(KindUnavailable, "persistent store unavailable", ctx.Err())
	}
}

// dial runs one connect attempt on a context detached from every caller, so
// a single impatient request cannot fail the attempt for the others.
func (c *ClientCache) dial(attempt *connectAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	client, err := c.connect(ctx)

	c.mu.Lock()
	if c.closed && err == nil {
		// Lost the race with Close; do not leak the fresh connection.
		go disconnectQuietly(client)
		client, err = nil, errCacheClosed
	}
	attempt.client = client
	attempt.err = err
	if c.pending == attempt {
		c.pending = nil
	}
	if err != nil {
		c.lastErr = err
		connectAttemptsTotal.WithLabelValues(outcomeError).Inc()
	} else {
		c.client = client
		c.lastErr = nil
		connectAttemptsTotal.WithLabelValues(outcomeOK).Inc()
	}
	c.mu.Unlock()
	close(attempt.done)

	if err != nil {
		log.WithError(err).Error("MongoDB connect attempt failed")
	} else {
		log.Info("MongoDB client connected")
	}
}

// Invalidate drops the cached handle so the next Acquire reconnects. The
// old client is disconnected in the background, best-effort.
func (c *ClientCache) Invalidate() {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()
	if old != nil {
		go disconnectQuietly(old)
	}
}

// Connected reports whether a live handle is currently cached, without
// triggering a dial. Used by the health endpoint.
func (c *ClientCache) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Close disconnects the cached handle and shuts the cache down; subsequent
// Acquire calls report Unavailable.
func (c *ClientCache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	old := c.client
	c.client = nil
	c.mu.Unlock()
	if old == nil {
		return nil
	}
	return old.Disconnect(ctx)
}

func disconnectQuietly(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		log.WithError(err).Warn("Failed to disconnect stale MongoDB client")
	}
}
