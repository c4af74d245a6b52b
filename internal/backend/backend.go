// Package backend defines the capability set every execution backend offers
// and the child-process plumbing the concrete backends share.
package backend

import (
	"context"
	"fmt"

	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	"github.com/dull-quay940/mcp-supervisor/internal/policy"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

// Kind names a backend implementation.
type Kind string

const (
	KindProcess   Kind = "process"
	KindContainer Kind = "container"
)

// Ref identifies the OS-level object behind a session.
type Ref struct {
	Kind        Kind
	PID         int
	ContainerID string
}

func (r Ref) String() string {
	switch {
	case r.ContainerID != "":
		return fmt.Sprintf("%s:%s", r.Kind, r.ContainerID)
	case r.PID > 0:
		return fmt.Sprintf("%s:%d", r.Kind, r.PID)
	default:
		return string(r.Kind)
	}
}

// StartRequest carries everything a backend needs to launch one session.
type StartRequest struct {
	SessionID     string
	Worker        catalog.WorkerSpec
	Params        protocol.Params
	AllowAutonomy bool

	Limits       policy.ResourceLimits
	Container    policy.ContainerDefaults
	AllowedRoots []string
}

// RunCommand returns the initial control message for the request.
func (r StartRequest) RunCommand() protocol.RunCommand {
	return protocol.NewRunCommand(r.SessionID, r.Params, r.AllowAutonomy)
}

// Backend launches workers and stops them.
type Backend interface {
	Kind() Kind
	// Start launches the worker. It returns once the worker is running or
	// has failed to start; it does not wait for the worker to finish.
	Start(ctx context.Context, req StartRequest) (Handle, error)
	// SignalStop asks the worker to stop. With graceful set the worker gets
	// a grace period before it is killed. Stopping an exited worker is a no-op.
	SignalStop(ctx context.Context, h Handle, graceful bool) error
	// Close releases anything the backend still holds.
	Close(ctx context.Context) error
}

// Handle is a started worker.
type Handle interface {
	Ref() Ref
	// Events delivers decoded protocol messages in arrival order, then
	// exactly one exit event, then is closed.
	Events() <-chan Event
}

// Event is either a protocol message or the worker's exit.
type Event struct {
	Message *protocol.Message
	Exit    *Exit
}

// Exit describes how a worker terminated.
type Exit struct {
	Code       int
	Signal     string
	Err        error
	StderrTail string
	// StartFailure is set when the launcher reported that the worker itself
	// never ran, such as a container whose entrypoint could not be executed.
	StartFailure bool
}

// Success reports a clean zero exit.
func (e Exit) Success() bool {
	return e.Code == 0 && e.Signal == "" && e.Err == nil
}

func (e Exit) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("killed by %s", e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("exit %d", e.Code)
	}
}
