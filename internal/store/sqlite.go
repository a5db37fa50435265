package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deepimagej/tileflow/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    model          TEXT NOT NULL,
    backend        TEXT NOT NULL,
    phase          TEXT NOT NULL,
    tile           TEXT,
    plan           TEXT,
    tile_count     INTEGER NOT NULL DEFAULT 0,
    tiles_done     INTEGER NOT NULL DEFAULT 0,
    output         BLOB,
    error          TEXT,
    error_kind     TEXT,
    timeout_s      INTEGER,
    duration_ms    INTEGER,
    peak_mem_bytes INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME
)`

const createRunEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    seq        INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRunEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq)`

const runColumns = `id, model, backend, phase, tile, plan, tile_count, tiles_done,
	output, error, error_kind, timeout_s, duration_ms, peak_mem_bytes,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []struct {
		name string
		ddl  string
	}{
		{"runs table", createRunsTable},
		{"run_events table", createRunEventsTable},
		{"run_events index", createRunEventsIndex},
	} {
		if _, err := db.Exec(stmt.ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Model, r.Backend, r.Phase, r.Tile, r.Plan, r.TileCount, r.TilesDone,
		r.Output, r.Error, r.ErrorKind, r.TimeoutS, r.DurationMS, r.PeakMemBytes,
		r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	var tile, plan, errMsg, errKind sql.NullString
	err := sc.Scan(
		&r.ID, &r.Model, &r.Backend, &r.Phase, &tile, &plan, &r.TileCount, &r.TilesDone,
		&r.Output, &errMsg, &errKind, &r.TimeoutS, &r.DurationMS, &r.PeakMemBytes,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Tile = tile.String
	r.Plan = plan.String
	r.Error = errMsg.String
	r.ErrorKind = errKind.String
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs. Outputs are not loaded.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, model, backend, phase, tile, plan, tile_count, tiles_done,
			NULL, error, error_kind, timeout_s, duration_ms, peak_mem_bytes,
			created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// currentPhase reads the phase of a run inside tx.
func currentPhase(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var phase string
	err := tx.QueryRowContext(ctx, "SELECT phase FROM runs WHERE id = ?", id).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read phase: %w", err)
	}
	return phase, nil
}

// UpdateRunPhase moves a run to phase. Leaving idle sets started_at and
// reaching a terminal phase sets finished_at.
func (s *SQLiteStore) UpdateRunPhase(ctx context.Context, id, phase string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentPhase(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, phase) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, phase)
	}

	now := time.Now().UTC()
	switch {
	case from == model.PhaseIdle && phase != model.PhaseAborted:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET phase = ?, started_at = ? WHERE id = ?", phase, now, id)
	case model.Terminal(phase):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET phase = ?, finished_at = ? WHERE id = ?", phase, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET phase = ? WHERE id = ?", phase, id)
	}
	if err != nil {
		return fmt.Errorf("update run phase: %w", err)
	}

	return tx.Commit()
}

// UpdateRun writes every mutable field of r. A phase change must be a valid
// transition from the stored phase.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentPhase(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if from != r.Phase && !model.ValidTransition(from, r.Phase) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, r.Phase)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET backend = ?, phase = ?, plan = ?, tile_count = ?, tiles_done = ?,
			output = ?, error = ?, error_kind = ?, duration_ms = ?, peak_mem_bytes = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Backend, r.Phase, r.Plan, r.TileCount, r.TilesDone,
		r.Output, r.Error, r.ErrorKind, r.DurationMS, r.PeakMemBytes,
		r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return tx.Commit()
}

// UpdateProgress records how many tiles of a run have completed.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, tilesDone, tileCount int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET tiles_done = ?, tile_count = ? WHERE id = ?",
		tilesDone, tileCount, id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats aggregates run counts by phase and model, the mean duration of
// finished runs and the mean tile count of completed runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByPhase: make(map[string]int),
		CountByModel: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"phase", stats.CountByPhase},
		{"model", stats.CountByModel},
	} {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+group.column+", COUNT(*) FROM runs GROUP BY "+group.column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", group.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", group.column, err)
			}
			group.into[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s counts: %w", group.column, err)
		}
		rows.Close()
	}

	for _, n := range stats.CountByPhase {
		stats.Total += n
	}

	var avgDuration, avgTiles sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&avgDuration); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(tile_count) FROM runs WHERE phase = ?", model.PhaseDone,
	).Scan(&avgTiles); err != nil {
		return nil, fmt.Errorf("average tiles: %w", err)
	}
	stats.AvgDurationMS = avgDuration.Float64
	stats.AvgTiles = avgTiles.Float64

	return stats, nil
}

// InsertEvent appends a progress event to a run. e.ID and e.CreatedAt are
// filled in when unset.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *model.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, seq, kind, message, created_at) VALUES (?, ?, ?, ?, ?)",
		e.RunID, e.Seq, e.Kind, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// GetEvents returns the events of a run ordered by sequence number.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, kind, message, created_at FROM run_events WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
