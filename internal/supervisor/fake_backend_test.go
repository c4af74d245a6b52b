package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

type fakeHandle struct {
	ref    backend.Ref
	events chan backend.Event
	once   sync.Once
}

func (h *fakeHandle) Ref() backend.Ref              { return h.ref }
func (h *fakeHandle) Events() <-chan backend.Event { return h.events }

func (h *fakeHandle) send(msg protocol.Message) {
	h.events <- backend.Event{Message: &msg}
}

func (h *fakeHandle) exit(code int, signal string) {
	h.once.Do(func() {
		h.events <- backend.Event{Exit: &backend.Exit{Code: code, Signal: signal}}
		close(h.events)
	})
}

// startFailure reports that the launcher ran but the worker never did.
func (h *fakeHandle) startFailure(code int, stderr string) {
	h.once.Do(func() {
		h.events <- backend.Event{Exit: &backend.Exit{Code: code, StderrTail: stderr, StartFailure: true}}
		close(h.events)
	})
}

type fakeBackend struct {
	kind backend.Kind

	mu         sync.Mutex
	startErr   error
	startGate  chan struct{}
	keepOnStop bool
	requests   []backend.StartRequest
	handles    map[string]*fakeHandle
	stops      []string
	forced     int
	closed     bool
	nextPID    int
}

func newFakeBackend(kind backend.Kind) *fakeBackend {
	return &fakeBackend{kind: kind, handles: make(map[string]*fakeHandle), nextPID: 100}
}

func (b *fakeBackend) Kind() backend.Kind { return b.kind }

func (b *fakeBackend) Start(ctx context.Context, req backend.StartRequest) (backend.Handle, error) {
	b.mu.Lock()
	gate := b.startGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.nextPID++
	h := &fakeHandle{
		ref:    backend.Ref{Kind: b.kind, PID: b.nextPID},
		events: make(chan backend.Event, 16),
	}
	b.handles[req.SessionID] = h
	return h, nil
}

// SignalStop mimics a cooperative worker: it reports "stopped" and exits 0.
func (b *fakeBackend) SignalStop(_ context.Context, h backend.Handle, graceful bool) error {
	b.mu.Lock()
	var id string
	for sid, candidate := range b.handles {
		if candidate == h {
			id = sid
		}
	}
	b.stops = append(b.stops, id)
	if !graceful {
		b.forced++
	}
	keep := b.keepOnStop
	b.mu.Unlock()

	if fh, ok := h.(*fakeHandle); ok && !keep {
		status := protocol.StatusStopped
		fh.once.Do(func() {
			fh.events <- backend.Event{Message: &protocol.Message{Status: &status}}
			fh.events <- backend.Event{Exit: &backend.Exit{Code: 0}}
			close(fh.events)
		})
	}
	return nil
}

func (b *fakeBackend) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	handles := make([]*fakeHandle, 0, len(b.handles))
	for _, h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()
	for _, h := range handles {
		h.exit(137, "SIGKILL")
	}
	return nil
}

func (b *fakeBackend) handle(t *testing.T, sessionID string) *fakeHandle {
	t.Helper()
	var h *fakeHandle
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		h = b.handles[sessionID]
		return h != nil
	}, 5*time.Second, time.Millisecond, "no handle for %s", sessionID)
	return h
}

func (b *fakeBackend) stopped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stops...)
}

func (b *fakeBackend) forcedStops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forced
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
