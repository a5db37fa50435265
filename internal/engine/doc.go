// Package engine runs models over tiled inputs. The Coordinator drives one
// run through preprocessing, planning, tile execution, fusion and
// postprocessing; the Engine queues runs per model, caches loaded sessions
// and persists phases, progress and events to the store.
package engine
