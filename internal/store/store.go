package store

import (
	"context"
	"errors"

	"github.com/deepimagej/tileflow/internal/model"
)

// ErrInvalidTransition is returned when a run phase transition is not allowed.
var ErrInvalidTransition = errors.New("invalid phase transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByPhase  map[string]int `json:"count_by_phase"`
	CountByModel  map[string]int `json:"count_by_model"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	AvgTiles      float64        `json:"avg_tiles"`
}

// Store defines the persistence operations for runs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunPhase(ctx context.Context, id, phase string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	UpdateProgress(ctx context.Context, id string, tilesDone, tileCount int) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertEvent(ctx context.Context, e *model.Event) error
	GetEvents(ctx context.Context, runID string) ([]model.Event, error)
	Close() error
}
