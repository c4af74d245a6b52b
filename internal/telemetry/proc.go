package telemetry

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
)

const defaultHistorySize = 1024

type cpuMark struct {
	seconds float64
	at      time.Time
	started float64
}

// ProcSampler reads /proc for process workers. CPU percent is the delta
// against the previous reading of the same process, or the lifetime average on
// the first reading. A recycled pid is told apart by its start time.
type ProcSampler struct {
	fs      procfs.FS
	history *lru.Cache[int, cpuMark]
	now     func() time.Time
}

// ProcOption customises a ProcSampler.
type ProcOption func(*ProcSampler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ProcOption {
	return func(s *ProcSampler) { s.now = now }
}

// NewProcSampler opens procfs at mountPoint; empty means /proc.
func NewProcSampler(mountPoint string, opts ...ProcOption) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	history, err := lru.New[int, cpuMark](defaultHistorySize)
	if err != nil {
		return nil, err
	}
	s := &ProcSampler{fs: fs, history: history, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sample implements Sampler.
func (s *ProcSampler) Sample(_ context.Context, ref backend.Ref) (Sample, error) {
	if ref.PID <= 0 {
		return Sample{}, fmt.Errorf("sample process: no pid")
	}
	proc, err := s.fs.Proc(ref.PID)
	if err != nil {
		return Sample{}, fmt.Errorf("sample pid %d: %w", ref.PID, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("sample pid %d: %w", ref.PID, err)
	}

	now := s.now()
	cpu := stat.CPUTime()
	started, _ := stat.StartTime()
	sample := Sample{MemoryBytes: uint64(stat.ResidentMemory()), At: now}

	if prev, ok := s.history.Get(ref.PID); ok && prev.started == started && now.After(prev.at) {
		sample.CPUPercent = percent(cpu-prev.seconds, now.Sub(prev.at))
	} else if started > 0 {
		startedAt := time.Unix(0, int64(started*float64(time.Second)))
		if now.After(startedAt) {
			sample.CPUPercent = percent(cpu, now.Sub(startedAt))
		}
	}
	s.history.Add(ref.PID, cpuMark{seconds: cpu, at: now, started: started})
	return sample, nil
}

func percent(cpuSeconds float64, wall time.Duration) float64 {
	if cpuSeconds <= 0 || wall <= 0 {
		return 0
	}
	return cpuSeconds / wall.Seconds() * 100
}
