// Package coordinator serializes at most one in-flight LLM stream per
// session, with explicit cancellation and join semantics.
package coordinator

import (
	"context"
	"fmt"
	"sync"
)

// ErrAlreadyActive is returned by TryBegin when a request is already
// in flight for the session key.
var ErrAlreadyActive = fmt.Errorf("coordinator: request already active for session")

// request tracks one in-flight pipeline run.
type request struct {
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the single-writer-per-session in-flight request map.
type Coordinator struct {
	mu       sync.Mutex
	active   map[string]*request
	tokenSeq uint64
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{active: make(map[string]*request)}
}

// Handle is returned by TryBegin; the caller must call Finish when the
// pipeline run completes, regardless of outcome. Finish is idempotent.
type Handle struct {
	Token string
	Ctx   context.Context
	coord *Coordinator
	key   string
	done  chan struct{}
	once  sync.Once
}

// Finish marks the request complete, releasing the session for the next
// TryBegin and unblocking any concurrent Cancel waiting on completion.
func (h *Handle) Finish() {
	h.once.Do(func() {
		h.coord.mu.Lock()
		if cur, ok := h.coord.active[h.key]; ok && cur.token == h.Token {
			delete(h.coord.active, h.key)
		}
		h.coord.mu.Unlock()
		close(h.done)
	})
}

// TryBegin starts a new request for sessionKey, returning a Handle with a
// fresh cancellation context. Fails with ErrAlreadyActive if one is
// already in flight for that key.
func (c *Coordinator) TryBegin(ctx context.Context, sessionKey string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[sessionKey]; ok {
		return nil, ErrAlreadyActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.tokenSeq++
	token := fmt.Sprintf("req-%d", c.tokenSeq)
	done := make(chan struct{})

	c.active[sessionKey] = &request{token: token, cancel: cancel, done: done}

	return &Handle{Token: token, Ctx: runCtx, coord: c, key: sessionKey, done: done}, nil
}

// Cancel signals cancellation for the active request (if any) on
// sessionKey and blocks until its Finish is called, or ctx is done.
// Returns false if no request was active.
func (c *Coordinator) Cancel(ctx context.Context, sessionKey string) bool {
	c.mu.Lock()
	req, ok := c.active[sessionKey]
	c.mu.Unlock()
	if !ok {
		return false
	}

	req.cancel()

	select {
	case <-req.done:
	case <-ctx.Done():
	}
	return true
}

// IsRequestActive reports whether a request is currently in flight for
// sessionKey, for UI rendering and command gating.
func (c *Coordinator) IsRequestActive(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionKey]
	return ok
}

// ActiveCount returns the number of sessions with an in-flight request.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
