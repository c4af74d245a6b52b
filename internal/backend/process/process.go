// Package process runs workers as local child processes.
package process

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
)

// SessionEnv carries the session id into every worker's environment.
const SessionEnv = "MCP_SESSION_ID"

// Config tunes the process backend.
type Config struct {
	StopGrace time.Duration
}

// Backend launches each session as a child process in its own process group.
type Backend struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	children map[int]*backend.Child
}

// New creates a process backend.
func New(cfg Config, logger logging.Logger) *Backend {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = backend.DefaultStopGrace
	}
	return &Backend{
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		children: make(map[int]*backend.Child),
	}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindProcess }

// Start implements backend.Backend.
func (b *Backend) Start(ctx context.Context, req backend.StartRequest) (backend.Handle, error) {
	env := maps.Clone(req.Worker.Env)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env[SessionEnv] = req.SessionID

	logger := logging.ForSession(b.logger, req.SessionID).With("worker_type", req.Worker.TypeID)
	child, err := backend.StartChild(ctx, backend.ChildConfig{
		Command:   req.Worker.ExecutablePath,
		Args:      req.Worker.Args,
		Env:       env,
		Dir:       req.Worker.CodeDir,
		Initial:   req.RunCommand(),
		StopGrace: b.cfg.StopGrace,
		Ref:       backend.Ref{Kind: backend.KindProcess},
	}, logger)
	if err != nil {
		return nil, err
	}

	pid := child.Ref().PID
	b.mu.Lock()
	b.children[pid] = child
	b.mu.Unlock()
	go func() {
		<-child.Done()
		b.mu.Lock()
		delete(b.children, pid)
		b.mu.Unlock()
	}()

	logger.Info("worker process started", "pid", pid, "executable", req.Worker.ExecutablePath)
	return child, nil
}

// SignalStop implements backend.Backend. It returns once the process has
// exited or ctx is done.
func (b *Backend) SignalStop(ctx context.Context, h backend.Handle, graceful bool) error {
	child, ok := h.(*backend.Child)
	if !ok {
		return fmt.Errorf("process backend cannot stop %s", h.Ref())
	}
	return child.Stop(ctx, graceful)
}

// Close kills any worker still running.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	children := make([]*backend.Child, 0, len(b.children))
	for _, child := range b.children {
		children = append(children, child)
	}
	b.mu.Unlock()

	for _, child := range children {
		b.logger.Warn("killing leftover worker process", "pid", child.Ref().PID)
		if err := child.Stop(ctx, false); err != nil {
			return fmt.Errorf("kill pid %d: %w", child.Ref().PID, err)
		}
	}
	return nil
}

// Running returns how many children are still alive.
func (b *Backend) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.children)
}

var _ backend.Backend = (*Backend)(nil)
