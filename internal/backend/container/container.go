// Package container runs workers inside docker containers.
package container

import (
	"context"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
)

const (
	// SessionLabel marks containers owned by the supervisor.
	SessionLabel = "mcp-supervisor.session"
	sessionEnv   = "MCP_SESSION_ID"
	namePrefix   = "mcp-"
)

// Config tunes the container backend.
type Config struct {
	DefaultImage string
	// CodeMount is where the worker's code directory appears inside the container.
	CodeMount string
	// StopGrace is passed to `docker stop -t`.
	StopGrace time.Duration
}

// Backend starts one attached container per session.
type Backend struct {
	cfg    Config
	client Client
	logger logging.Logger

	mu         sync.Mutex
	containers map[string]*backend.Child
}

// New creates a container backend.
func New(cfg Config, client Client, logger logging.Logger) *Backend {
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "alpine:3.20"
	}
	if cfg.CodeMount == "" {
		cfg.CodeMount = "/worker"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = backend.DefaultStopGrace
	}
	return &Backend{
		cfg:        cfg,
		client:     client,
		logger:     logging.OrNop(logger),
		containers: make(map[string]*backend.Child),
	}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindContainer }

// ContainerName is the container name used for a session.
func ContainerName(sessionID string) string {
	return namePrefix + sessionID
}

// RunOptions builds the container definition for a start request.
func (b *Backend) RunOptions(req backend.StartRequest) RunOpts {
	image := strings.TrimSpace(req.Worker.ContainerImage)
	if image == "" {
		image = b.cfg.DefaultImage
	}

	env := maps.Clone(req.Worker.Env)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env[sessionEnv] = req.SessionID

	roots := append([]string(nil), req.AllowedRoots...)
	sort.Strings(roots)
	mounts := make([]Mount, 0, len(roots)+1)
	for _, root := range roots {
		mounts = append(mounts, Mount{Source: root, Target: root})
	}
	codeDir := req.Worker.CodeDirectory()
	mounts = append(mounts, Mount{Source: codeDir, Target: b.cfg.CodeMount, ReadOnly: true})

	command := append([]string{b.containerPath(codeDir, req.Worker.ExecutablePath)}, req.Worker.Args...)

	return RunOpts{
		Name:           ContainerName(req.SessionID),
		Image:          image,
		Command:        command,
		Env:            env,
		Labels:         map[string]string{SessionLabel: req.SessionID},
		Mounts:         mounts,
		WorkDir:        b.cfg.CodeMount,
		MemoryBytes:    uint64(req.Limits.MemoryBytes),
		CPUShares:      req.Limits.CPUShares,
		NetworkMode:    req.Container.NetworkMode,
		CapDrop:        req.Container.CapabilitiesDropped,
		CapAdd:         req.Container.CapabilitiesAdded,
		SecurityOpt:    req.Container.SecurityOptions,
		ReadOnlyRootfs: req.Container.ReadOnlyRootfs,
	}
}

// containerPath maps a host executable under the code directory to its
// mounted location. Anything else is assumed to exist in the image.
func (b *Backend) containerPath(codeDir, executable string) string {
	rel, err := filepath.Rel(codeDir, executable)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return executable
	}
	return path.Join(b.cfg.CodeMount, filepath.ToSlash(rel))
}

// Start implements backend.Backend. The container is created first so that
// image, daemon and option errors fail the start; only then is it started
// with the docker client attached to its streams.
func (b *Backend) Start(ctx context.Context, req backend.StartRequest) (backend.Handle, error) {
	opts := b.RunOptions(req)
	logger := logging.ForSession(b.logger, req.SessionID).With("worker_type", req.Worker.TypeID, "container", opts.Name)

	if err := b.client.ContainerCreate(ctx, opts); err != nil {
		return nil, fmt.Errorf("docker create %s: %w", opts.Image, err)
	}

	child, err := backend.StartChild(ctx, backend.ChildConfig{
		Command:           b.client.Binary(),
		Args:              StartArgs(opts.Name),
		Initial:           req.RunCommand(),
		StopGrace:         b.cfg.StopGrace,
		Ref:               backend.Ref{Kind: backend.KindContainer, ContainerID: opts.Name},
		StartFailureCodes: StartFailureCodes,
	}, logger)
	if err != nil {
		if rmErr := b.client.ContainerRemove(context.WithoutCancel(ctx), opts.Name); rmErr != nil && !IsNotFound(rmErr) {
			logger.Warn("remove unstarted container", "error", rmErr)
		}
		return nil, fmt.Errorf("docker start %s: %w", opts.Name, err)
	}

	b.mu.Lock()
	b.containers[opts.Name] = child
	b.mu.Unlock()
	go func() {
		<-child.Done()
		b.mu.Lock()
		delete(b.containers, opts.Name)
		b.mu.Unlock()
		// --rm only applies to containers that actually started.
		if child.Exit().StartFailure {
			rmCtx, cancel := context.WithTimeout(context.Background(), b.cfg.StopGrace)
			defer cancel()
			if err := b.client.ContainerRemove(rmCtx, opts.Name); err != nil && !IsNotFound(err) {
				logger.Warn("remove unstarted container", "error", err)
			}
		}
	}()

	logger.Info("worker container started", "image", opts.Image)
	return child, nil
}

// SignalStop implements backend.Backend. A graceful stop lets the container
// runtime escalate to a kill after the grace period.
func (b *Backend) SignalStop(ctx context.Context, h backend.Handle, graceful bool) error {
	ref := h.Ref()
	if ref.ContainerID == "" {
		return fmt.Errorf("container backend cannot stop %s", ref)
	}
	if child, ok := h.(*backend.Child); ok {
		select {
		case <-child.Done():
			return nil
		default:
		}
	}

	var err error
	if graceful {
		err = b.client.ContainerStop(ctx, ref.ContainerID, b.cfg.StopGrace)
	} else {
		err = b.client.ContainerKill(ctx, ref.ContainerID)
	}
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Stats samples a running container.
func (b *Backend) Stats(ctx context.Context, ref backend.Ref) (Stats, error) {
	return b.client.ContainerStats(ctx, ref.ContainerID)
}

// Close force-removes every container the backend still tracks.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	names := make([]string, 0, len(b.containers))
	children := make([]*backend.Child, 0, len(b.containers))
	for name, child := range b.containers {
		names = append(names, name)
		children = append(children, child)
	}
	b.mu.Unlock()
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		b.logger.Warn("removing leftover worker container", "container", name)
		if err := b.client.ContainerRemove(ctx, name); err != nil && !IsNotFound(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", name, err)
		}
	}
	for _, child := range children {
		_ = child.Stop(ctx, false)
	}
	return firstErr
}

// Tracked returns the names of containers whose docker client is still attached.
func (b *Backend) Tracked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.containers))
	for name := range b.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ backend.Backend = (*Backend)(nil)
