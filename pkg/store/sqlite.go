package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/runforge/runforge/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the run ledger
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite run store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL for concurrent readers, busy timeout because the ledger file
	// can be touched by the snapshot packer while a write is in flight.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent updates
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_name TEXT NOT NULL,
		account_name TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		exit_code INTEGER,
		error TEXT,
		log_path TEXT,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_account ON runs(account_name, status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new ledger entry
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	transitions, err := json.Marshal(run.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs
		(id, task_name, account_name, mode, status, pid, created_at, started_at,
		 finished_at, exit_code, error, log_path, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskName, run.AccountName, string(run.Mode), string(run.Status),
		run.PID, run.CreatedAt, run.StartedAt, run.FinishedAt, run.ExitCode,
		run.Error, run.LogPath, string(transitions))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// ListRuns returns runs matching the filter, newest first
func (s *SQLiteStore) ListRuns(filter models.RunFilter) ([]*models.Run, error) {
	query := `
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs WHERE 1=1`
	var args []interface{}

	if filter.TaskName != "" {
		query += " AND task_name = ?"
		args = append(args, filter.TaskName)
	}
	if filter.AccountName != "" {
		query += " AND account_name = ?"
		args = append(args, filter.AccountName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.Until)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunStarted transitions a queued run to running
func (s *SQLiteStore) MarkRunStarted(id string, pid int, startedAt time.Time) error {
	return s.transition(id, models.RunStatusRunning, "worker started", func(tx *sql.Tx, run *models.Run, transitions string) error {
		_, err := tx.Exec(`
			UPDATE runs SET status = ?, pid = ?, started_at = ?, state_transitions = ?
			WHERE id = ?
		`, string(models.RunStatusRunning), pid, startedAt, transitions, id)
		return err
	})
}

// FinishRun transitions a run to a terminal status
func (s *SQLiteStore) FinishRun(id string, status models.RunStatus, exitCode *int, errorMsg string, finishedAt time.Time) error {
	if !models.IsTerminalState(status) {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	return s.transition(id, status, errorMsg, func(tx *sql.Tx, run *models.Run, transitions string) error {
		_, err := tx.Exec(`
			UPDATE runs SET status = ?, finished_at = ?, exit_code = ?, error = ?, state_transitions = ?
			WHERE id = ?
		`, string(status), finishedAt, exitCode, errorMsg, transitions, id)
		return err
	})
}

// transition validates and applies a single FSM step inside a transaction
func (s *SQLiteStore) transition(id string, to models.RunStatus, reason string, apply func(*sql.Tx, *models.Run, string) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		return err
	}

	if err := models.ValidateTransition(run.Status, to); err != nil {
		return err
	}

	run.StateTransitions = append(run.StateTransitions, models.StateTransition{
		From:      run.Status,
		To:        to,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	})
	transitions, err := json.Marshal(run.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	if err := apply(tx, run, string(transitions)); err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return tx.Commit()
}

// ActiveRun returns the non-terminal run for an account, if any
func (s *SQLiteStore) ActiveRun(accountName string) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs
		WHERE account_name = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, accountName, string(models.RunStatusQueued), string(models.RunStatusRunning))
	return scanRun(row)
}

// FailInterrupted fails every non-terminal run left over from a previous instance
func (s *SQLiteStore) FailInterrupted(reason string) (int, error) {
	rows, err := s.db.Query(`
		SELECT id FROM runs WHERE status IN (?, ?)
	`, string(models.RunStatusQueued), string(models.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to find interrupted runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if err := s.FinishRun(id, models.RunStatusFailed, nil, reason, now); err != nil {
			return 0, fmt.Errorf("failed to mark run %s interrupted: %w", id, err)
		}
	}
	return len(ids), nil
}

// RunMetrics aggregates ledger statistics without loading transition payloads
func (s *SQLiteStore) RunMetrics() (*RunMetrics, error) {
	metrics := &RunMetrics{
		RunsByStatus: make(map[models.RunStatus]int),
		RunsByMode:   make(map[models.RunMode]int),
	}

	rows, err := s.db.Query(`SELECT status, mode, COUNT(*) FROM runs GROUP BY status, mode`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, mode string
		var count int
		if err := rows.Scan(&status, &mode, &count); err != nil {
			return nil, err
		}
		metrics.RunsByStatus[models.RunStatus(status)] += count
		metrics.RunsByMode[models.RunMode(mode)] += count
		metrics.TotalRuns += count
		if models.IsActiveState(models.RunStatus(status)) {
			metrics.ActiveRuns += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`
		SELECT COALESCE(AVG(strftime('%s', finished_at) - strftime('%s', started_at)), 0)
		FROM runs WHERE finished_at IS NOT NULL AND started_at IS NOT NULL
	`)
	if err := row.Scan(&metrics.AvgDuration); err != nil {
		return nil, err
	}

	return metrics, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var mode, status string
	var startedAt, finishedAt sql.NullTime
	var exitCode sql.NullInt64
	var errorMsg, logPath, transitions sql.NullString

	err := row.Scan(&run.ID, &run.TaskName, &run.AccountName, &mode, &status,
		&run.PID, &run.CreatedAt, &startedAt, &finishedAt, &exitCode,
		&errorMsg, &logPath, &transitions)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Mode = models.RunMode(mode)
	run.Status = models.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		run.ExitCode = &c
	}
	run.Error = errorMsg.String
	run.LogPath = logPath.String
	if transitions.Valid && transitions.String != "" && transitions.String != "null" {
		if err := json.Unmarshal([]byte(transitions.String), &run.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	return &run, nil
}
