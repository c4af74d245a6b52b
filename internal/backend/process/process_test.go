package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

func writeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func waitExit(t *testing.T, h backend.Handle) (int, backend.Exit) {
	t.Helper()
	messages := 0
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			require.True(t, ok, "events closed before exit")
			if ev.Message != nil {
				messages++
			}
			if ev.Exit != nil {
				return messages, *ev.Exit
			}
		case <-deadline:
			t.Fatal("worker did not exit")
		}
	}
}

func TestStartPassesSessionAndParams(t *testing.T) {
	exe := writeWorker(t, `read line
[ "$MCP_SESSION_ID" = "sess-1" ] || exit 7
[ "$GREETING" = "hi" ] || exit 8
case "$line" in
  *'"path":"/tmp/in"'*) echo '{"status":"complete"}' ;;
  *) exit 9 ;;
esac`)
	b := New(Config{}, logging.Nop())
	h, err := b.Start(context.Background(), backend.StartRequest{
		SessionID: "sess-1",
		Worker:    catalog.WorkerSpec{TypeID: "echo", ExecutablePath: exe, Env: map[string]string{"GREETING": "hi"}},
		Params:    protocol.Params{"path": protocol.String("/tmp/in")},
	})
	require.NoError(t, err)
	assert.Equal(t, backend.KindProcess, h.Ref().Kind)

	messages, exit := waitExit(t, h)
	assert.Equal(t, 1, messages)
	assert.Equal(t, 0, exit.Code)
}

func TestStartFailsForMissingExecutable(t *testing.T) {
	b := New(Config{}, nil)
	_, err := b.Start(context.Background(), backend.StartRequest{
		SessionID: "sess-1",
		Worker:    catalog.WorkerSpec{TypeID: "ghost", ExecutablePath: filepath.Join(t.TempDir(), "missing")},
	})
	assert.Error(t, err)
	assert.Zero(t, b.Running())
}

func TestSignalStopIsIdempotent(t *testing.T) {
	exe := writeWorker(t, `trap 'exit 0' TERM
while true; do sleep 0.1; done`)
	b := New(Config{StopGrace: time.Second}, nil)
	h, err := b.Start(context.Background(), backend.StartRequest{
		SessionID: "sess-2",
		Worker:    catalog.WorkerSpec{TypeID: "loop", ExecutablePath: exe},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.SignalStop(ctx, h, true))
	require.NoError(t, b.SignalStop(ctx, h, true))

	_, exit := waitExit(t, h)
	assert.Equal(t, 0, exit.Code)
}

func TestCloseKillsLeftovers(t *testing.T) {
	exe := writeWorker(t, `trap '' TERM
while true; do sleep 0.1; done`)
	b := New(Config{}, nil)
	h, err := b.Start(context.Background(), backend.StartRequest{
		SessionID: "sess-3",
		Worker:    catalog.WorkerSpec{TypeID: "stubborn", ExecutablePath: exe},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	_, exit := waitExit(t, h)
	assert.Equal(t, "SIGKILL", exit.Signal)
	assert.Eventually(t, func() bool { return b.Running() == 0 }, 5*time.Second, 10*time.Millisecond)
}

type foreignHandle struct{}

func (foreignHandle) Ref() backend.Ref              { return backend.Ref{Kind: backend.KindContainer} }
func (foreignHandle) Events() <-chan backend.Event { return nil }

func TestSignalStopRejectsForeignHandle(t *testing.T) {
	b := New(Config{}, nil)
	assert.Error(t, b.SignalStop(context.Background(), foreignHandle{}, true))
}
