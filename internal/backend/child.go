package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/async"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

// DefaultStopGrace is how long a worker may take to exit after SIGTERM.
const DefaultStopGrace = 5 * time.Second

const eventBuffer = 64

// ChildConfig defines how to spawn one worker child process.
type ChildConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// Initial is written to stdin as the first JSON line.
	Initial any
	// StopGrace bounds SIGTERM before SIGKILL. Zero means DefaultStopGrace.
	StopGrace time.Duration
	Ref       Ref
	// StartFailureCodes are exit codes the launcher uses for "the worker never
	// ran". They only count when the worker sent no protocol message.
	StartFailureCodes []int
}

// Child is a running worker process speaking the control protocol over its
// standard streams. It implements Handle.
type Child struct {
	cfg    ChildConfig
	logger logging.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	pgid   int
	ref    Ref

	stderrTail *tailBuffer
	stderrDone chan struct{}
	events     chan Event
	done       chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	exit     Exit
}

// StartChild launches the process, writes the initial message and starts
// pumping its output. ctx only bounds the launch; the child outlives it.
func StartChild(ctx context.Context, cfg ChildConfig, logger logging.Logger) (*Child, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("child command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	c := &Child{
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		ref:        cfg.Ref,
		stderrTail: newTailBuffer(defaultStderrTail),
		stderrDone: make(chan struct{}),
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
	}
	c.ref.PID = cmd.Process.Pid
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		c.pgid = pgid
	} else {
		c.pgid = cmd.Process.Pid
	}

	async.Go(c.logger, "child-stderr", c.drainStderr)
	async.Go(c.logger, "child-pump", c.pump)

	if cfg.Initial != nil {
		// A write only fails once the worker has gone; its exit event reports that.
		if err := c.writeLine(cfg.Initial); err != nil {
			c.logger.Warn("send initial message", "pid", c.ref.PID, "error", err)
		}
	}
	return c, nil
}

// Ref implements Handle.
func (c *Child) Ref() Ref { return c.ref }

// Events implements Handle.
func (c *Child) Events() <-chan Event { return c.events }

// Done is closed once the process has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exit returns the exit status; valid after Done is closed.
func (c *Child) Exit() Exit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// StderrTail returns the last few KiB the worker wrote to stderr.
func (c *Child) StderrTail() string { return c.stderrTail.String() }

// Stop terminates the process group. Graceful stops send SIGTERM and
// escalate to SIGKILL after the grace period. Repeated calls only wait.
func (c *Child) Stop(ctx context.Context, graceful bool) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	if graceful {
		c.stopOnce.Do(c.terminate)
	} else {
		c.kill()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Child) terminate() {
	c.signal(syscall.SIGTERM)
	async.Go(c.logger, "child-stop-escalation", func() {
		timer := time.NewTimer(c.cfg.StopGrace)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-timer.C:
			c.logger.Warn("worker ignored SIGTERM, killing", "pid", c.ref.PID, "grace", c.cfg.StopGrace)
			c.kill()
		}
	})
}

func (c *Child) writeLine(v any) error {
	return protocol.NewEncoder(c.stdin).Encode(v)
}

func (c *Child) signal(sig syscall.Signal) {
	if err := syscall.Kill(-c.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		c.logger.Debug("signal worker", "pid", c.ref.PID, "signal", SignalName(sig), "error", err)
	}
}

func (c *Child) kill() { c.signal(syscall.SIGKILL) }

func (c *Child) drainStderr() {
	defer close(c.stderrDone)
	scanner := bufio.NewScanner(io.TeeReader(c.stderr, c.stderrTail))
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxLineBytes)
	for scanner.Scan() {
		c.logger.Warn("worker stderr", "stream", "stderr", "line", scanner.Text())
	}
	_, _ = io.Copy(c.stderrTail, c.stderr)
}

// pump turns stdout lines into events, then reaps the process and emits the
// exit as the final event.
func (c *Child) pump() {
	defer close(c.events)

	dec := protocol.NewDecoder(c.stdout)
	spoke := false
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if protocol.IsDecodeError(err) {
				c.logger.Debug("worker stdout", "stream", "stdout", "error", err)
				continue
			}
			c.logger.Warn("worker stdout unreadable", "error", err)
			_, _ = io.Copy(io.Discard, c.stdout)
			break
		}
		if msg.Empty() {
			continue
		}
		spoke = true
		c.events <- Event{Message: &msg}
	}

	<-c.stderrDone
	waitErr := c.cmd.Wait()
	_ = c.stdin.Close()

	exit := ExitFromWait(waitErr, c.cmd.ProcessState)
	exit.StderrTail = c.stderrTail.String()
	exit.StartFailure = !spoke && exit.Signal == "" && slices.Contains(c.cfg.StartFailureCodes, exit.Code)
	c.mu.Lock()
	c.exit = exit
	c.mu.Unlock()
	close(c.done)

	c.events <- Event{Exit: &exit}
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

var _ Handle = (*Child)(nil)
