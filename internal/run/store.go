package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists promotion runs in SQLite. Terminal outcomes are written
// before a run is reported finished, so the audit trail survives process
// restarts.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the run database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			application TEXT NOT NULL,
			version TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_stages (
			run_id TEXT NOT NULL REFERENCES runs(id),
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			state TEXT NOT NULL,
			commit_sha TEXT,
			last_sync TEXT,
			last_health TEXT,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT,
			PRIMARY KEY (run_id, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create run_stages table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_pipeline_started
		ON runs(pipeline, started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// CreateRun inserts a run and its stage outcomes in one transaction.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, application, version, state, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Pipeline,
		r.Application,
		r.Version,
		string(r.State),
		r.StartedAt.UTC().Format(time.RFC3339),
		formatTimePtr(r.CompletedAt),
		r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, stage := range r.Stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_stages (run_id, name, position, state, commit_sha, last_sync, last_health, started_at, completed_at, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.ID,
			stage.Name,
			i,
			string(stage.State),
			stage.CommitSHA,
			stage.LastSync,
			stage.LastHealth,
			formatTimePtr(stage.StartedAt),
			formatTimePtr(stage.CompletedAt),
			stage.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stage '%s': %w", stage.Name, err)
		}
	}

	return tx.Commit()
}

// UpdateRunState transitions a run, stamping completed_at for terminal
// states.
func (s *Store) UpdateRunState(ctx context.Context, runID string, state State, errorMessage *string) error {
	var completedAt *string
	if state.Terminal() {
		now := time.Now().UTC().Format(time.RFC3339)
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, completed_at = COALESCE(?, completed_at), error_message = COALESCE(?, error_message)
		WHERE id = ?
	`, string(state), completedAt, errorMessage, runID)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("run '%s' not found", runID)
	}

	return nil
}

// UpdateStage rewrites one stage outcome identified by (run id, name).
func (s *Store) UpdateStage(ctx context.Context, stage *StageOutcome) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE run_stages
		SET state = ?, commit_sha = ?, last_sync = ?, last_health = ?, started_at = ?, completed_at = ?, error_message = ?
		WHERE run_id = ? AND name = ?
	`,
		string(stage.State),
		stage.CommitSHA,
		stage.LastSync,
		stage.LastHealth,
		formatTimePtr(stage.StartedAt),
		formatTimePtr(stage.CompletedAt),
		stage.ErrorMessage,
		stage.RunID,
		stage.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("stage '%s' of run '%s' not found", stage.Name, stage.RunID)
	}

	return nil
}

// GetRun returns a run with its stage outcomes, or nil if not found.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline, application, version, state, started_at, completed_at, error_message
		FROM runs
		WHERE id = ?
	`, runID)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	stages, err := s.stagesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Stages = stages

	return r, nil
}

// ListRuns returns recent runs for a pipeline, newest first, without
// stage detail.
func (s *Store) ListRuns(ctx context.Context, pipeline string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, application, version, state, started_at, completed_at, error_message
		FROM runs
		WHERE pipeline = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, pipeline, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

// LatestRun returns the most recent run for a pipeline, or nil.
func (s *Store) LatestRun(ctx context.Context, pipeline string) (*Run, error) {
	runs, err := s.ListRuns(ctx, pipeline, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return s.GetRun(ctx, runs[0].ID)
}

func (s *Store) stagesForRun(ctx context.Context, runID string) ([]StageOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, state, commit_sha, last_sync, last_health, started_at, completed_at, error_message
		FROM run_stages
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var stages []StageOutcome
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, *stage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return stages, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var state, startedAtStr string
	var completedAtStr sql.NullString

	err := sc.Scan(
		&r.ID,
		&r.Pipeline,
		&r.Application,
		&r.Version,
		&state,
		&startedAtStr,
		&completedAtStr,
		&r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	r.State = State(state)

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	r.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		r.CompletedAt = &completedAt
	}

	return &r, nil
}

func scanStage(sc scanner) (*StageOutcome, error) {
	var stage StageOutcome
	var state string
	var startedAtStr, completedAtStr sql.NullString

	err := sc.Scan(
		&stage.RunID,
		&stage.Name,
		&state,
		&stage.CommitSHA,
		&stage.LastSync,
		&stage.LastHealth,
		&startedAtStr,
		&completedAtStr,
		&stage.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	stage.State = StageState(state)

	if startedAtStr.Valid {
		ts, err := time.Parse(time.RFC3339, startedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stage started_at: %w", err)
		}
		stage.StartedAt = &ts
	}
	if completedAtStr.Valid {
		ts, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stage completed_at: %w", err)
		}
		stage.CompletedAt = &ts
	}

	return &stage, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
