package model

import "time"

// Run phase constants, in the order a successful run passes through them.
const (
	PhaseIdle           = "idle"
	PhasePreprocessing  = "preprocessing"
	PhasePlanning       = "planning"
	PhaseExecuting      = "executing"
	PhaseFusing         = "fusing"
	PhasePostprocessing = "postprocessing"
	PhaseDone           = "done"
	PhaseAborted        = "aborted"
)

// Event kinds recorded while a run progresses.
const (
	EventPhase     = "phase"
	EventTileStart = "tile_start"
	EventTileDone  = "tile_done"
	EventStatus    = "status"
	EventLog       = "log"
)

// validTransitions maps each phase to the set of phases it may transition to.
// A queued run may be aborted before it starts.
var validTransitions = map[string]map[string]bool{
	PhaseIdle: {
		PhasePreprocessing: true,
		PhaseAborted:       true,
	},
	PhasePreprocessing: {
		PhasePlanning: true,
		PhaseAborted:  true,
	},
	PhasePlanning: {
		PhaseExecuting: true,
		PhaseAborted:   true,
	},
	PhaseExecuting: {
		PhaseFusing:  true,
		PhaseAborted: true,
	},
	PhaseFusing: {
		PhasePostprocessing: true,
		PhaseAborted:        true,
	},
	PhasePostprocessing: {
		PhaseDone:    true,
		PhaseAborted: true,
	},
}

// ValidTransition reports whether moving from one phase to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether phase ends a run.
func Terminal(phase string) bool {
	return phase == PhaseDone || phase == PhaseAborted
}

// Event is a single persisted progress record of a run.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one tiled inference of a model over a set of inputs.
type Run struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Backend      string     `json:"backend"`
	Phase        string     `json:"phase"`
	Tile         string     `json:"tile,omitempty"`
	Plan         string     `json:"plan,omitempty"`
	TileCount    int        `json:"tile_count"`
	TilesDone    int        `json:"tiles_done"`
	Output       []byte     `json:"-"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	TimeoutS     *int       `json:"timeout_s,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	PeakMemBytes *int64     `json:"peak_mem_bytes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
