package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Single connection: SQLite serializes writers, and :memory: databases
	// exist per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID         string  `db:"id"`
	Number     int64   `db:"number"`
	Pipeline   string  `db:"pipeline"`
	CommitSHA  string  `db:"commit_sha"`
	Branch     string  `db:"branch"`
	Status     string  `db:"status"`
	Error      string  `db:"error"`
	CreatedAt  string  `db:"created_at"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

func (r runRow) toDomain() (*pipeline.Run, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}

	run := &pipeline.Run{
		ID:        r.ID,
		Number:    r.Number,
		Pipeline:  r.Pipeline,
		CommitSHA: r.CommitSHA,
		Branch:    r.Branch,
		Status:    pipeline.RunStatus(r.Status),
		Error:     r.Error,
		CreatedAt: createdAt,
	}
	if run.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTimePtr(r.FinishedAt); err != nil {
		return nil, err
	}
	return run, nil
}

// CreateRun inserts a run and assigns the next monotonic run number,
// writing it back to the passed run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("CreateRun", "run", run.ID, "failed to begin transaction", ErrTxFailed)
	}
	defer tx.Rollback()

	var number int64
	if err := tx.GetContext(ctx, &number, `SELECT COALESCE(MAX(number), 0) + 1 FROM runs`); err != nil {
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, number, pipeline, commit_sha, branch, status, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, number, run.Pipeline, run.CommitSHA, run.Branch,
		string(run.Status), run.Error, formatTime(run.CreatedAt),
		formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("CreateRun", "run", run.ID, "failed to commit", ErrTxFailed)
	}

	run.Number = number
	return nil
}

// GetRun returns the run with the given ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return row.toDomain()
}

// GetRunByNumber returns the run with the given run number.
func (s *SQLiteStore) GetRunByNumber(ctx context.Context, number int64) (*pipeline.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE number = ?`, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRunByNumber", "run", fmt.Sprintf("%d", number), "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRunByNumber", "run", fmt.Sprintf("%d", number), err.Error(), err)
	}
	return row.toDomain()
}

// UpdateRun persists the run's mutable fields.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), run.Error,
		formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

// ListRuns returns runs ordered by run number descending.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error) {
	opts = opts.Normalize()

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runs ORDER BY number DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]pipeline.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, NewStoreError("ListRuns", "run", row.ID, err.Error(), err)
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Stage Result Operations
// =============================================================================

// stageResultRow represents a stage result row in the database.
type stageResultRow struct {
	ID         string  `db:"id"`
	RunID      string  `db:"run_id"`
	Name       string  `db:"name"`
	Ordinal    int     `db:"ordinal"`
	Status     string  `db:"status"`
	ExitCode   int     `db:"exit_code"`
	Output     string  `db:"output"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

func (r stageResultRow) toDomain() (*pipeline.StageResult, error) {
	result := &pipeline.StageResult{
		ID:       r.ID,
		RunID:    r.RunID,
		Name:     r.Name,
		Ordinal:  r.Ordinal,
		Status:   pipeline.StageStatus(r.Status),
		ExitCode: r.ExitCode,
		Output:   r.Output,
	}
	var err error
	if result.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return nil, err
	}
	if result.FinishedAt, err = parseTimePtr(r.FinishedAt); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateStageResult inserts a stage result.
func (s *SQLiteStore) CreateStageResult(ctx context.Context, result *pipeline.StageResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_results (id, run_id, name, ordinal, status, exit_code, output, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.RunID, result.Name, result.Ordinal,
		string(result.Status), result.ExitCode, result.Output,
		formatTimePtr(result.StartedAt), formatTimePtr(result.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateStageResult", "stage_result", result.ID, "stage result already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateStageResult", "stage_result", result.ID, err.Error(), err)
	}
	return nil
}

// UpdateStageResult persists the stage result's mutable fields.
func (s *SQLiteStore) UpdateStageResult(ctx context.Context, result *pipeline.StageResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_results SET status = ?, exit_code = ?, output = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(result.Status), result.ExitCode, result.Output,
		formatTimePtr(result.StartedAt), formatTimePtr(result.FinishedAt),
		result.ID,
	)
	if err != nil {
		return NewStoreError("UpdateStageResult", "stage_result", result.ID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("UpdateStageResult", "stage_result", result.ID, "stage result not found", ErrNotFound)
	}
	return nil
}

// ListStageResults returns the stage results for a run in execution order.
func (s *SQLiteStore) ListStageResults(ctx context.Context, runID string) ([]pipeline.StageResult, error) {
	var rows []stageResultRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM stage_results WHERE run_id = ? ORDER BY ordinal ASC`, runID)
	if err != nil {
		return nil, NewStoreError("ListStageResults", "stage_result", runID, err.Error(), err)
	}

	results := make([]pipeline.StageResult, 0, len(rows))
	for _, row := range rows {
		result, err := row.toDomain()
		if err != nil {
			return nil, NewStoreError("ListStageResults", "stage_result", row.ID, err.Error(), err)
		}
		results = append(results, *result)
	}
	return results, nil
}

// =============================================================================
// Time Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
