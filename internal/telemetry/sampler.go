// Package telemetry samples CPU and memory of running workers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
)

// ErrUnsupported is returned for a ref no sampler can read.
var ErrUnsupported = errors.New("telemetry: unsupported backend")

// Sample is one resource reading.
type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
	At          time.Time
}

// Sampler reads resource usage of a worker. Errors are expected for workers
// that have already exited and should be skipped by callers.
type Sampler interface {
	Sample(ctx context.Context, ref backend.Ref) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, ref backend.Ref) (Sample, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context, ref backend.Ref) (Sample, error) {
	return f(ctx, ref)
}

// Router dispatches to a sampler per backend kind.
type Router struct {
	samplers map[backend.Kind]Sampler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{samplers: make(map[backend.Kind]Sampler)}
}

// Handle registers s for kind. A nil sampler is ignored.
func (r *Router) Handle(kind backend.Kind, s Sampler) *Router {
	if s != nil {
		r.samplers[kind] = s
	}
	return r
}

// Sample implements Sampler.
func (r *Router) Sample(ctx context.Context, ref backend.Ref) (Sample, error) {
	s, ok := r.samplers[ref.Kind]
	if !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrUnsupported, ref.Kind)
	}
	return s.Sample(ctx, ref)
}
