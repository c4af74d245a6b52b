package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

// Session is one tracked execution attempt of a worker.
type Session struct {
	ID           string
	PreviousID   string
	WorkerTypeID string
	Params       protocol.Params
	State        State
	RetryCount   int
	RetryLimit   int
	MaxRuntime   time.Duration
	Backend      backend.Kind
	Handle       backend.Ref

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	Telemetry Telemetry
	Outcome   Outcome
}

// Telemetry is the last observed resource usage and worker progress.
type Telemetry struct {
	CPUPercent  float64
	MemoryBytes uint64
	Runtime     time.Duration
	SampledAt   time.Time

	Progress    *float64
	LastStatus  string
	LastMessage string
}

// Outcome is what the worker or its backend reported at the end.
type Outcome struct {
	Result       *protocol.Value
	ErrorMessage string
	ExitCode     *int
	Signal       string
}

// Ended reports whether EndedAt has been recorded.
func (s Session) Ended() bool { return !s.EndedAt.IsZero() }

// Runtime returns wall-clock runtime at now, frozen at EndedAt once ended.
func (s Session) Runtime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if s.Ended() {
		end = s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

func (s Session) clone() Session {
	out := s
	out.Params = s.Params.Clone()
	if s.Telemetry.Progress != nil {
		p := *s.Telemetry.Progress
		out.Telemetry.Progress = &p
	}
	if s.Outcome.Result != nil {
		r := *s.Outcome.Result
		out.Outcome.Result = &r
	}
	if s.Outcome.ExitCode != nil {
		c := *s.Outcome.ExitCode
		out.Outcome.ExitCode = &c
	}
	return out
}

// NewID returns a time-ordered, globally unique session id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("sess-%s", id.String())
}
