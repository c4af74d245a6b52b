package telemetry

import (
	"context"
	"time"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/backend/container"
)

// ContainerStats is satisfied by the container backend.
type ContainerStats interface {
	Stats(ctx context.Context, ref backend.Ref) (container.Stats, error)
}

// ContainerSampler reads `docker stats` for container workers.
type ContainerSampler struct {
	source ContainerStats
	now    func() time.Time
}

// NewContainerSampler wraps a stats source.
func NewContainerSampler(source ContainerStats) *ContainerSampler {
	return &ContainerSampler{source: source, now: time.Now}
}

// Sample implements Sampler.
func (s *ContainerSampler) Sample(ctx context.Context, ref backend.Ref) (Sample, error) {
	stats, err := s.source.Stats(ctx, ref)
	if err != nil {
		return Sample{}, err
	}
	return Sample{CPUPercent: stats.CPUPercent, MemoryBytes: stats.MemoryBytes, At: s.now()}, nil
}
