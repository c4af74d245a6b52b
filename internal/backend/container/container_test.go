package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
	"github.com/dull-quay940/mcp-supervisor/internal/policy"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

type fakeClient struct {
	binary string

	mu        sync.Mutex
	created   []RunOpts
	stopped   []string
	killed    []string
	removed   []string
	createErr error
	stopErr   error
}

func (f *fakeClient) Binary() string { return f.binary }

func (f *fakeClient) ContainerCreate(_ context.Context, opts RunOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	return f.createErr
}

func (f *fakeClient) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeClient) ContainerStop(_ context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name+"@"+timeout.String())
	return f.stopErr
}

func (f *fakeClient) ContainerKill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeClient) ContainerRemove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeClient) ContainerStats(context.Context, string) (Stats, error) {
	return Stats{CPUPercent: 1.5, MemoryBytes: 2048}, nil
}

// fakeDocker writes a stand-in for the docker binary that records its
// arguments and then runs body.
func fakeDocker(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\n" + body + "\n"
	bin := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsFile
}

func request() backend.StartRequest {
	return backend.StartRequest{
		SessionID: "sess-9",
		Worker: catalog.WorkerSpec{
			TypeID:         "convert",
			ExecutablePath: "/opt/workers/convert/run.sh",
			Args:           []string{"--fast"},
			Env:            map[string]string{"MODE": "x"},
			ContainerImage: "worker:1",
		},
		Params:       protocol.Params{"path": protocol.String("/data/in.txt")},
		Limits:       policy.ResourceLimits{MemoryBytes: 256 << 20, CPUShares: 256},
		Container:    policy.ContainerDefaults{NetworkMode: "none", CapabilitiesDropped: []string{"ALL"}, SecurityOptions: []string{"no-new-privileges"}, ReadOnlyRootfs: true},
		AllowedRoots: []string{"/data", "/scratch"},
	}
}

func TestCreateArgsApplyPolicy(t *testing.T) {
	b := New(Config{}, &fakeClient{}, nil)
	args := CreateArgs(b.RunOptions(request()))

	assert.Equal(t, []string{
		"create", "-i", "--rm", "--name", "mcp-sess-9",
		"--label", "mcp-supervisor.session=sess-9",
		"-e", "MCP_SESSION_ID=sess-9",
		"-e", "MODE=x",
		"--memory", "268435456",
		"--cpu-shares", "256",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"-v", "/data:/data:rw",
		"-v", "/scratch:/scratch:rw",
		"-v", "/opt/workers/convert:/worker:ro",
		"-w", "/worker",
		"worker:1",
		"/worker/run.sh", "--fast",
	}, args)
	assert.Equal(t, []string{"start", "-a", "-i", "mcp-sess-9"}, StartArgs("mcp-sess-9"))
}

func TestRunOptionsFallBackToDefaultImage(t *testing.T) {
	b := New(Config{DefaultImage: "base:latest", CodeMount: "/code"}, &fakeClient{}, nil)
	req := request()
	req.Worker.ContainerImage = ""
	req.Worker.Container = true
	req.Worker.ExecutablePath = "/usr/local/bin/tool"
	req.Worker.CodeDir = "/opt/tool"

	opts := b.RunOptions(req)
	assert.Equal(t, "base:latest", opts.Image)
	assert.Equal(t, "/usr/local/bin/tool", opts.Command[0])
	assert.Equal(t, Mount{Source: "/opt/tool", Target: "/code", ReadOnly: true}, opts.Mounts[len(opts.Mounts)-1])
}

func TestStartAttachesToContainer(t *testing.T) {
	bin, argsFile := fakeDocker(t, `read line
case "$line" in
  *'"sessionId":"sess-9"'*) echo '{"status":"complete","progress":1}' ;;
  *) exit 5 ;;
esac`)
	client := &fakeClient{binary: bin}
	b := New(Config{}, client, logging.Nop())

	h, err := b.Start(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, backend.Ref{Kind: backend.KindContainer, ContainerID: "mcp-sess-9", PID: h.Ref().PID}, h.Ref())

	var gotComplete bool
	var exit *backend.Exit
	for ev := range h.Events() {
		if ev.Message != nil && ev.Message.IsComplete() {
			gotComplete = true
		}
		if ev.Exit != nil {
			exit = ev.Exit
		}
	}
	assert.True(t, gotComplete)
	require.NotNil(t, exit)
	assert.Equal(t, 0, exit.Code)

	assert.False(t, exit.StartFailure)
	require.Len(t, client.created, 1)
	assert.Equal(t, "worker:1", client.created[0].Image)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "start\n-a\n-i\nmcp-sess-9\n", string(recorded))
	assert.Eventually(t, func() bool { return len(b.Tracked()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStartFailsWhenImageIsMissing(t *testing.T) {
	bin, argsFile := fakeDocker(t, `echo "Unable to find image 'worker:1' locally" >&2
exit 125`)
	b := New(Config{}, NewCLIClient(bin), logging.Nop())

	h, err := b.Start(context.Background(), request())
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Contains(t, err.Error(), "Unable to find image")
	assert.Empty(t, b.Tracked())

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(recorded), "create\n-i\n--rm\n"))
}

func TestUnrunnableEntrypointIsAStartFailure(t *testing.T) {
	bin, _ := fakeDocker(t, `echo 'exec: "/worker/run.sh": stat /worker/run.sh: no such file or directory' >&2
exit 127`)
	client := &fakeClient{binary: bin}
	b := New(Config{}, client, logging.Nop())

	h, err := b.Start(context.Background(), request())
	require.NoError(t, err)

	var exit *backend.Exit
	for ev := range h.Events() {
		if ev.Exit != nil {
			exit = ev.Exit
		}
	}
	require.NotNil(t, exit)
	assert.Equal(t, 127, exit.Code)
	assert.True(t, exit.StartFailure)
	assert.Contains(t, exit.StderrTail, "no such file or directory")
	assert.Eventually(t, func() bool {
		return slices.Equal(client.removedNames(), []string{"mcp-sess-9"})
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerExitWithLauncherCodeAfterSpeakingIsAWorkerFailure(t *testing.T) {
	bin, _ := fakeDocker(t, `echo '{"status":"working"}'
exit 126`)
	b := New(Config{}, &fakeClient{binary: bin}, logging.Nop())

	h, err := b.Start(context.Background(), request())
	require.NoError(t, err)

	var exit *backend.Exit
	for ev := range h.Events() {
		if ev.Exit != nil {
			exit = ev.Exit
		}
	}
	require.NotNil(t, exit)
	assert.Equal(t, 126, exit.Code)
	assert.False(t, exit.StartFailure)
}

func TestSignalStopUsesRuntimeGrace(t *testing.T) {
	bin, _ := fakeDocker(t, `while true; do sleep 0.1; done`)
	client := &fakeClient{binary: bin}
	b := New(Config{StopGrace: 5 * time.Second}, client, nil)

	h, err := b.Start(context.Background(), request())
	require.NoError(t, err)

	require.NoError(t, b.SignalStop(context.Background(), h, true))
	require.NoError(t, b.SignalStop(context.Background(), h, false))
	assert.Equal(t, []string{"mcp-sess-9@5s"}, client.stopped)
	assert.Equal(t, []string{"mcp-sess-9"}, client.killed)

	assert.Equal(t, []string{"mcp-sess-9"}, b.Tracked())
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, []string{"mcp-sess-9"}, client.removed)
	assert.Eventually(t, func() bool { return len(b.Tracked()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSignalStopToleratesMissingContainer(t *testing.T) {
	client := &fakeClient{stopErr: errors.New("Error response from daemon: No such container: mcp-x")}
	b := New(Config{}, client, nil)
	h := staticHandle{ref: backend.Ref{Kind: backend.KindContainer, ContainerID: "mcp-x"}}
	assert.NoError(t, b.SignalStop(context.Background(), h, true))

	assert.Error(t, b.SignalStop(context.Background(), staticHandle{}, true))
}

type staticHandle struct{ ref backend.Ref }

func (h staticHandle) Ref() backend.Ref              { return h.ref }
func (h staticHandle) Events() <-chan backend.Event { return nil }

func TestParseStats(t *testing.T) {
	stats, err := ParseStats([]byte(`{"CPUPerc":"12.50%","MemUsage":"12.5MiB / 1GiB","Name":"mcp-a"}`))
	require.NoError(t, err)
	assert.InDelta(t, 12.5, stats.CPUPercent, 0.001)
	assert.Equal(t, uint64(13107200), stats.MemoryBytes)

	stats, err = ParseStats([]byte(`{"CPUPerc":"--","MemUsage":"-- / --"}`))
	require.NoError(t, err)
	assert.Zero(t, stats)

	_, err = ParseStats([]byte(`{"CPUPerc":"abc%"}`))
	assert.Error(t, err)
	_, err = ParseStats([]byte(`not json`))
	assert.Error(t, err)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(errors.New("Error: No such container: x")))
	assert.True(t, IsNotFound(errors.New("container x is not running")))
	assert.False(t, IsNotFound(errors.New("permission denied")))
	assert.False(t, IsNotFound(nil))
}
