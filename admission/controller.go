// Package admission serializes turns per conversation and bounds the total
// number of concurrently executing turns. Each session owns a FIFO lane: a
// second request for the same session queues behind the first and is granted
// in arrival order. A weighted global semaphore caps execution across lanes
// on a first-ready basis.
package admission

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
)

// Options configures a Controller.
type Options struct {
	// MaxConcurrentTurns caps turns executing across all sessions.
	MaxConcurrentTurns int64
	Logger             logging.Logger
}

// Controller hands out per-session leases. The zero value is not usable;
// construct with NewController.
type Controller struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	global *semaphore.Weighted
	logger logging.Logger
}

type lane struct {
	busy  bool
	queue []*waiter
}

type waiter struct {
	ready chan struct{}

	// mu serializes position callbacks against the waiter leaving the
	// queue. Once done is set no further callback fires, so a caller never
	// sees onPosition after its Admit returned.
	mu         sync.Mutex
	done       bool
	onPosition func(int)
}

// notify invokes the position callback unless the waiter already left the
// queue.
func (w *waiter) notify(pos int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || w.onPosition == nil {
		return
	}
	w.onPosition(pos)
}

// finish retires the waiter. It blocks until an in-flight callback returns,
// so after finish the caller owns its callback state again.
func (w *waiter) finish() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// NewController creates a controller with the given global concurrency cap.
func NewController(optFns ...func(o *Options)) *Controller {
	opts := Options{
		MaxConcurrentTurns: 10,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = 1
	}
	return &Controller{
		lanes:  map[string]*lane{},
		global: semaphore.NewWeighted(opts.MaxConcurrentTurns),
		logger: opts.Logger,
	}
}

// Lease is a granted admission, scoped to one turn. Release is idempotent and
// must be called on turn completion, success or failure.
type Lease struct {
	c         *Controller
	sessionID string
	once      sync.Once
}

// SessionID returns the session the lease serializes.
func (l *Lease) SessionID() string { return l.sessionID }

// Release frees the global slot and grants the lane to the next queued
// request for the session.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.global.Release(1)
		l.c.releaseLane(l.sessionID)
	})
}

// Admit blocks until the session's lane and a global slot are both available,
// in arrival order per session. onPosition, when non-nil, is invoked with the
// 1-based lane position each time it changes while the request waits. If ctx
// expires first, Admit fails with a queue-timeout error.
func (c *Controller) Admit(ctx context.Context, sessionID string, onPosition func(int)) (*Lease, error) {
	if err := c.acquireLane(ctx, sessionID, onPosition); err != nil {
		return nil, err
	}

	if err := c.global.Acquire(ctx, 1); err != nil {
		c.releaseLane(sessionID)
		return nil, core.NewError(core.ErrKindQueueTimeout, "global concurrency slot not acquired", err)
	}

	c.logger.Debug("admission.granted", "session_id", sessionID)
	return &Lease{c: c, sessionID: sessionID}, nil
}

func (c *Controller) acquireLane(ctx context.Context, sessionID string, onPosition func(int)) error {
	c.mu.Lock()
	ln := c.lanes[sessionID]
	if ln == nil {
		ln = &lane{}
		c.lanes[sessionID] = ln
	}
	if !ln.busy {
		ln.busy = true
		c.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{}), onPosition: onPosition}
	ln.queue = append(ln.queue, w)
	pos := len(ln.queue)
	c.mu.Unlock()

	w.notify(pos)

	select {
	case <-w.ready:
		w.finish()
		return nil
	case <-ctx.Done():
		w.finish()
		// Either we withdraw from the queue, or the grant raced the timeout
		// and we already hold the lane and must pass it on.
		if c.withdraw(sessionID, w) {
			return core.NewError(core.ErrKindQueueTimeout, "session lane not acquired", ctx.Err())
		}
		c.releaseLane(sessionID)
		return core.NewError(core.ErrKindQueueTimeout, "session lane not acquired", ctx.Err())
	}
}

// withdraw removes w from the lane queue. It returns false when w is no
// longer queued because the lane was already granted to it.
func (c *Controller) withdraw(sessionID string, w *waiter) bool {
	c.mu.Lock()
	ln := c.lanes[sessionID]
	if ln == nil {
		c.mu.Unlock()
		return false
	}
	for i, q := range ln.queue {
		if q == w {
			ln.queue = append(ln.queue[:i], ln.queue[i+1:]...)
			c.mu.Unlock()
			c.notifyPositions(ln)
			return true
		}
	}
	c.mu.Unlock()
	return false
}

// releaseLane grants the lane to the next queued waiter or marks it idle.
func (c *Controller) releaseLane(sessionID string) {
	c.mu.Lock()
	ln := c.lanes[sessionID]
	if ln == nil {
		c.mu.Unlock()
		return
	}
	if len(ln.queue) == 0 {
		ln.busy = false
		delete(c.lanes, sessionID)
		c.mu.Unlock()
		return
	}
	next := ln.queue[0]
	ln.queue = ln.queue[1:]
	c.mu.Unlock()

	close(next.ready)
	c.notifyPositions(ln)
}

// notifyPositions tells the remaining waiters their new 1-based positions.
// The snapshot may go stale while callbacks run; waiter.notify drops the
// update for anyone who left the queue in the meantime.
func (c *Controller) notifyPositions(ln *lane) {
	c.mu.Lock()
	waiters := make([]*waiter, len(ln.queue))
	copy(waiters, ln.queue)
	c.mu.Unlock()

	for i, w := range waiters {
		w.notify(i + 1)
	}
}
