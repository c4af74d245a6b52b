package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/session"
	"github.com/dull-quay940/mcp-supervisor/internal/telemetry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func running(t *testing.T, reg *session.Registry, id string, maxRuntime time.Duration, pid int) {
	t.Helper()
	require.NoError(t, reg.Insert(session.Session{ID: id, WorkerTypeID: "echo", MaxRuntime: maxRuntime, CreatedAt: t0}))
	require.NoError(t, reg.UpdateState(id, session.StateStarting, t0))
	require.NoError(t, reg.SetHandle(id, backend.KindProcess, backend.Ref{Kind: backend.KindProcess, PID: pid}))
	require.NoError(t, reg.UpdateState(id, session.StateRunning, t0))
}

func TestSweepTimesOutOnlyOverdueRunningSessions(t *testing.T) {
	reg := session.NewRegistry()
	running(t, reg, "slow", time.Minute, 1)
	running(t, reg, "fast", time.Hour, 2)
	running(t, reg, "unbounded", 0, 3)
	require.NoError(t, reg.Insert(session.Session{ID: "pending", CreatedAt: t0}))

	r := New(Config{}, telemetry.SamplerFunc(func(context.Context, backend.Ref) (telemetry.Sample, error) {
		return telemetry.Sample{}, nil
	}), nil)
	res := r.Sweep(reg, t0.Add(2*time.Minute))

	require.Len(t, res.TimedOut, 1)
	assert.Equal(t, "slow", res.TimedOut[0].ID)
	assert.Equal(t, session.StateTimeout, res.TimedOut[0].State)
	assert.Contains(t, res.TimedOut[0].Outcome.ErrorMessage, "exceeded max runtime")

	got, _ := reg.Get("slow")
	assert.Equal(t, 2*time.Minute, got.Telemetry.Runtime)
	assert.Equal(t, t0.Add(2*time.Minute), got.EndedAt)

	var targets []string
	for _, target := range res.Targets {
		targets = append(targets, target.SessionID)
	}
	assert.ElementsMatch(t, []string{"fast", "unbounded"}, targets)

	pending, _ := reg.Get("pending")
	assert.Equal(t, session.StatePending, pending.State)
}

func TestSweepDoesNotTimeOutAtExactLimit(t *testing.T) {
	reg := session.NewRegistry()
	running(t, reg, "edge", time.Minute, 1)
	res := New(Config{}, nil, nil).Sweep(reg, t0.Add(time.Minute))
	assert.Empty(t, res.TimedOut)
	assert.Empty(t, res.Targets)
}

func TestSweepLeavesCompletingSessionsAlone(t *testing.T) {
	reg := session.NewRegistry()
	running(t, reg, "wrapping-up", time.Minute, 1)
	require.NoError(t, reg.UpdateState("wrapping-up", session.StateCompleting, t0))

	r := New(Config{}, telemetry.SamplerFunc(func(context.Context, backend.Ref) (telemetry.Sample, error) {
		return telemetry.Sample{}, nil
	}), nil)
	res := r.Sweep(reg, t0.Add(time.Hour))
	assert.Empty(t, res.TimedOut)
	assert.Empty(t, res.Targets)

	got, _ := reg.Get("wrapping-up")
	assert.Equal(t, session.StateCompleting, got.State)
}

func TestSweepEvictsAfterRetention(t *testing.T) {
	reg := session.NewRegistry()
	running(t, reg, "done", 0, 1)
	require.NoError(t, reg.UpdateState("done", session.StateCompleted, t0))

	r := New(Config{Retention: 5 * time.Minute}, nil, nil)
	assert.Empty(t, r.Sweep(reg, t0.Add(5*time.Minute)).Evicted)
	assert.Equal(t, []string{"done"}, r.Sweep(reg, t0.Add(5*time.Minute+time.Second)).Evicted)
	assert.Zero(t, reg.Len())
}

func TestCollectSkipsFailedSamples(t *testing.T) {
	sampler := telemetry.SamplerFunc(func(_ context.Context, ref backend.Ref) (telemetry.Sample, error) {
		if ref.PID == 2 {
			return telemetry.Sample{}, errors.New("no such process")
		}
		return telemetry.Sample{CPUPercent: float64(ref.PID), MemoryBytes: 100, At: t0}, nil
	})
	r := New(Config{}, sampler, nil)
	readings := r.Collect(context.Background(), []Target{
		{SessionID: "a", Ref: backend.Ref{Kind: backend.KindProcess, PID: 1}},
		{SessionID: "b", Ref: backend.Ref{Kind: backend.KindProcess, PID: 2}},
		{SessionID: "c", Ref: backend.Ref{Kind: backend.KindProcess, PID: 3}},
	})
	require.Len(t, readings, 2)
	assert.Equal(t, "a", readings[0].SessionID)
	assert.Equal(t, "c", readings[1].SessionID)

	assert.Nil(t, New(Config{}, nil, nil).Collect(context.Background(), []Target{{SessionID: "a"}}))
}

func TestApplyIgnoresEndedAndMissingSessions(t *testing.T) {
	reg := session.NewRegistry()
	running(t, reg, "live", 0, 1)
	running(t, reg, "ended", 0, 2)
	require.NoError(t, reg.UpdateState("ended", session.StateFailed, t0.Add(time.Second)))

	r := New(Config{}, nil, nil)
	sample := telemetry.Sample{CPUPercent: 12, MemoryBytes: 4096, At: t0.Add(3 * time.Second)}
	applied := r.Apply(reg, []Reading{
		{SessionID: "live", Sample: sample},
		{SessionID: "ended", Sample: sample},
		{SessionID: "evicted", Sample: sample},
	}, t0.Add(3*time.Second))
	assert.Equal(t, 1, applied)

	live, _ := reg.Get("live")
	assert.Equal(t, 12.0, live.Telemetry.CPUPercent)
	assert.Equal(t, uint64(4096), live.Telemetry.MemoryBytes)
	assert.Equal(t, 3*time.Second, live.Telemetry.Runtime)

	ended, _ := reg.Get("ended")
	assert.Zero(t, ended.Telemetry.MemoryBytes)
}

type countingScheduler struct {
	mu    sync.Mutex
	ticks int
}

func (c *countingScheduler) ScheduleSweep(context.Context, time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return nil
}

func (c *countingScheduler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func TestRunTicksUntilCancelled(t *testing.T) {
	r := New(Config{Interval: 10 * time.Millisecond}, nil, nil)
	sched := &countingScheduler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, sched)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sched.count() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestDefaults(t *testing.T) {
	r := New(Config{}, nil, nil)
	assert.Equal(t, 5*time.Second, r.Interval())
	assert.Equal(t, 5*time.Minute, r.Retention())
}
