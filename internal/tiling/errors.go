package tiling

import (
	"fmt"

	"github.com/deepimagej/tileflow/internal/tensor"
)

// Reasons reported by InvalidTileSizeError.
const (
	ReasonMalformed    = "malformed"
	ReasonFixed        = "fixed size"
	ReasonBelowMinimum = "below minimum"
	ReasonOffStep      = "not reachable by step"
	ReasonHalo         = "not larger than twice the halo"
)

// InvalidTileSizeError reports a requested tile size that the model cannot
// accept. Nearest is the legal size the caller should retry with.
type InvalidTileSizeError struct {
	Tensor    string
	Axis      tensor.Axis
	Requested int
	Minimum   int
	Step      int
	Halo      int
	Nearest   int
	Reason    string
	Detail    string
}

func (e *InvalidTileSizeError) Error() string {
	if e.Reason == ReasonMalformed {
		return fmt.Sprintf("invalid tile size for %q: %s", e.Tensor, e.Detail)
	}
	return fmt.Sprintf("invalid tile size %d on axis %s of %q (%s: minimum %d, step %d, halo %d); nearest legal size is %d",
		e.Requested, e.Axis, e.Tensor, e.Reason, e.Minimum, e.Step, e.Halo, e.Nearest)
}
