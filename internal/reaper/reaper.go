// Package reaper enforces worker timeouts, refreshes resource telemetry and
// evicts finished sessions.
//
// Sweep and Apply mutate the registry and must run on the goroutine that owns
// it. Collect only reads from the OS and may run anywhere.
package reaper

import (
	"context"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/async"
	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	apperrors "github.com/dull-quay940/mcp-supervisor/internal/errors"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
	"github.com/dull-quay940/mcp-supervisor/internal/session"
	"github.com/dull-quay940/mcp-supervisor/internal/telemetry"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultRetention = 5 * time.Minute
)

// Config tunes the reaper.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Target is a running session due for a telemetry sample.
type Target struct {
	SessionID string
	Ref       backend.Ref
}

// Reading is a successful sample for a session.
type Reading struct {
	SessionID string
	Sample    telemetry.Sample
}

// Result reports what a sweep changed.
type Result struct {
	TimedOut []session.Session
	Evicted  []string
	Targets  []Target
}

// Reaper holds the sweep policy and the sampler.
type Reaper struct {
	cfg     Config
	sampler telemetry.Sampler
	logger  logging.Logger
}

// New creates a reaper. A nil sampler disables telemetry collection.
func New(cfg Config, sampler telemetry.Sampler, logger logging.Logger) *Reaper {
	return &Reaper{cfg: cfg.withDefaults(), sampler: sampler, logger: logging.OrNop(logger)}
}

// Interval returns the tick period.
func (r *Reaper) Interval() time.Duration { return r.cfg.Interval }

// Retention returns how long terminal sessions are kept.
func (r *Reaper) Retention() time.Duration { return r.cfg.Retention }

// Sweep moves over-runtime RUNNING sessions to TIMEOUT, evicts expired
// terminal sessions and lists the sessions to sample. The caller must stop
// every session in Result.TimedOut.
func (r *Reaper) Sweep(reg *session.Registry, now time.Time) Result {
	var res Result
	for _, s := range reg.List() {
		if s.State != session.StateRunning {
			continue
		}
		runtime := s.Runtime(now)
		if s.MaxRuntime > 0 && runtime > s.MaxRuntime {
			if err := reg.UpdateState(s.ID, session.StateTimeout, now); err != nil {
				r.logger.Warn("mark session timed out", "session_id", s.ID, "error", err)
				continue
			}
			_ = reg.UpdateOutcome(s.ID, func(o *session.Outcome) {
				o.ErrorMessage = (&apperrors.TimeoutError{Runtime: runtime, Limit: s.MaxRuntime}).Error()
			})
			timedOut, _ := reg.Get(s.ID)
			res.TimedOut = append(res.TimedOut, timedOut)
			continue
		}
		_ = reg.UpdateTelemetry(s.ID, func(t *session.Telemetry) { t.Runtime = runtime })
		if r.sampler != nil {
			res.Targets = append(res.Targets, Target{SessionID: s.ID, Ref: s.Handle})
		}
	}
	res.Evicted = reg.EvictOlderThan(now, r.cfg.Retention)
	return res
}

// Collect samples every target. Failures, typically a worker that exited
// between sweep and sample, are skipped.
func (r *Reaper) Collect(ctx context.Context, targets []Target) []Reading {
	if r.sampler == nil {
		return nil
	}
	readings := make([]Reading, 0, len(targets))
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		sample, err := r.sampler.Sample(ctx, target.Ref)
		if err != nil {
			r.logger.Debug("telemetry sample skipped", "session_id", target.SessionID, "ref", target.Ref.String(), "error", err)
			continue
		}
		readings = append(readings, Reading{SessionID: target.SessionID, Sample: sample})
	}
	return readings
}

// Apply stores readings for sessions that are still running. Returns how
// many were applied.
func (r *Reaper) Apply(reg *session.Registry, readings []Reading, now time.Time) int {
	applied := 0
	for _, reading := range readings {
		s, ok := reg.Get(reading.SessionID)
		if !ok || s.State.Terminal() {
			continue
		}
		_ = reg.UpdateTelemetry(reading.SessionID, func(t *session.Telemetry) {
			t.CPUPercent = reading.Sample.CPUPercent
			t.MemoryBytes = reading.Sample.MemoryBytes
			t.SampledAt = reading.Sample.At
			t.Runtime = s.Runtime(now)
		})
		applied++
	}
	return applied
}

// Scheduler receives sweep ticks.
type Scheduler interface {
	ScheduleSweep(ctx context.Context, now time.Time) error
}

// Run ticks until ctx is done. Scheduling errors are logged and do not stop
// the loop.
func (r *Reaper) Run(ctx context.Context, scheduler Scheduler) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := scheduler.ScheduleSweep(ctx, now); err != nil && ctx.Err() == nil {
				r.logger.Warn("schedule sweep", "error", err)
			}
		}
	}
}

// Start runs Run on a panic-guarded goroutine.
func (r *Reaper) Start(ctx context.Context, scheduler Scheduler) {
	async.Go(r.logger, "reaper", func() { r.Run(ctx, scheduler) })
}
