package store

import (
	"context"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for pipeline runs.
type Store interface {
	// Run operations. CreateRun assigns the monotonically increasing run
	// number and writes it back to the passed run.
	CreateRun(ctx context.Context, run *pipeline.Run) error
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	GetRunByNumber(ctx context.Context, number int64) (*pipeline.Run, error)
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error)

	// Stage result operations
	CreateStageResult(ctx context.Context, result *pipeline.StageResult) error
	UpdateStageResult(ctx context.Context, result *pipeline.StageResult) error
	ListStageResults(ctx context.Context, runID string) ([]pipeline.StageResult, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
