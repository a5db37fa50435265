package engine

import (
	"errors"
	"fmt"

	"github.com/deepimagej/tileflow/internal/executor"
	"github.com/deepimagej/tileflow/internal/partition"
	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

// Error kinds recorded with aborted runs.
const (
	KindInvalidTileSize    = "invalid_tile_size"
	KindDimensionMismatch  = "dimension_mismatch"
	KindFusionSizeMismatch = "fusion_size_mismatch"
	KindExecution          = "execution"
	KindCancelled          = "cancelled"
	KindPreprocessing      = "preprocessing"
	KindPostprocessing     = "postprocessing"
	KindLoad               = "load"
	KindInternal           = "internal"
)

// DimensionMismatchError reports an input whose size along an axis is not
// what the model or the reference input requires. Axis is zero when the
// layout itself does not match.
type DimensionMismatchError struct {
	Tensor string
	Axis   tensor.Axis
	Got    int
	Want   int
	Detail string
}

func (e *DimensionMismatchError) Error() string {
	if e.Axis == 0 {
		return fmt.Sprintf("input %q: %s", e.Tensor, e.Detail)
	}
	msg := fmt.Sprintf("input %q: axis %s has size %d, want %d", e.Tensor, e.Axis, e.Got, e.Want)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// PreprocessingError wraps a failure of the pre-processing chain.
type PreprocessingError struct {
	Err error
}

func (e *PreprocessingError) Error() string { return "preprocessing failed: " + e.Err.Error() }

func (e *PreprocessingError) Unwrap() error { return e.Err }

// PostprocessingError wraps a failure of the post-processing chain. Raw
// keeps the fused model outputs so they are not lost.
type PostprocessingError struct {
	Err error
	Raw map[string]tensor.Value
}

func (e *PostprocessingError) Error() string { return "postprocessing failed: " + e.Err.Error() }

func (e *PostprocessingError) Unwrap() error { return e.Err }

// LoadError wraps a failure to load the model on its backend.
type LoadError struct {
	Backend string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model on backend %s: %v", e.Backend, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrorKind classifies err for persistence and API responses.
func ErrorKind(err error) string {
	var (
		tileErr *tiling.InvalidTileSizeError
		dimErr  *DimensionMismatchError
		fuseErr *partition.FusionSizeMismatchError
		execErr *executor.ExecutionError
		preErr  *PreprocessingError
		postErr *PostprocessingError
		loadErr *LoadError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, executor.ErrCancelled):
		return KindCancelled
	case errors.As(err, &tileErr):
		return KindInvalidTileSize
	case errors.As(err, &dimErr):
		return KindDimensionMismatch
	case errors.As(err, &fuseErr):
		return KindFusionSizeMismatch
	case errors.As(err, &execErr):
		return KindExecution
	case errors.As(err, &preErr):
		return KindPreprocessing
	case errors.As(err, &postErr):
		return KindPostprocessing
	case errors.As(err, &loadErr):
		return KindLoad
	default:
		return KindInternal
	}
}
