package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/runforge/runforge/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the run ledger,
// for deployments where a managed database outlives the instance.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL run store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_name TEXT NOT NULL,
		account_name TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		exit_code INTEGER,
		error TEXT,
		log_path TEXT,
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_account ON runs(account_name, status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) CreateRun(run *models.Run) error {
	transitions, err := json.Marshal(run.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs
		(id, task_name, account_name, mode, status, pid, created_at, started_at,
		 finished_at, exit_code, error, log_path, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, run.ID, run.TaskName, run.AccountName, string(run.Mode), string(run.Status),
		run.PID, run.CreatedAt, run.StartedAt, run.FinishedAt, run.ExitCode,
		run.Error, run.LogPath, string(transitions))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs WHERE id = $1
	`, id)
	return scanRun(row)
}

func (s *PostgresStore) ListRuns(filter models.RunFilter) ([]*models.Run, error) {
	query := `
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TaskName != "" {
		query += " AND task_name = " + arg(filter.TaskName)
	}
	if filter.AccountName != "" {
		query += " AND account_name = " + arg(filter.AccountName)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= " + arg(filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= " + arg(filter.Until)
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

func (s *PostgresStore) MarkRunStarted(id string, pid int, startedAt time.Time) error {
	return s.transition(id, models.RunStatusRunning, "worker started", func(tx *sql.Tx, transitions string) error {
		_, err := tx.Exec(`
			UPDATE runs SET status = $1, pid = $2, started_at = $3, state_transitions = $4
			WHERE id = $5
		`, string(models.RunStatusRunning), pid, startedAt, transitions, id)
		return err
	})
}

func (s *PostgresStore) FinishRun(id string, status models.RunStatus, exitCode *int, errorMsg string, finishedAt time.Time) error {
	if !models.IsTerminalState(status) {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	return s.transition(id, status, errorMsg, func(tx *sql.Tx, transitions string) error {
		_, err := tx.Exec(`
			UPDATE runs SET status = $1, finished_at = $2, exit_code = $3, error = $4, state_transitions = $5
			WHERE id = $6
		`, string(status), finishedAt, exitCode, errorMsg, transitions, id)
		return err
	})
}

// transition validates and applies a single FSM step inside a transaction.
// The row is locked FOR UPDATE so concurrent instances cannot interleave,
// even though a single supervisor is the only expected writer.
func (s *PostgresStore) transition(id string, to models.RunStatus, reason string, apply func(*sql.Tx, string) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs WHERE id = $1 FOR UPDATE
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

	if err := apply(tx, string(transitions)); err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ActiveRun(accountName string) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task_name, account_name, mode, status, pid, created_at,
		       started_at, finished_at, exit_code, error, log_path, state_transitions
		FROM runs
		WHERE account_name = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1
	`, accountName, string(models.RunStatusQueued), string(models.RunStatusRunning))
	return scanRun(row)
}

func (s *PostgresStore) FailInterrupted(reason string) (int, error) {
	rows, err := s.db.Query(`
		SELECT id FROM runs WHERE status IN ($1, $2)
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

func (s *PostgresStore) RunMetrics() (*RunMetrics, error) {
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
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at))), 0)
		FROM runs WHERE finished_at IS NOT NULL AND started_at IS NOT NULL
	`)
	if err := row.Scan(&metrics.AvgDuration); err != nil {
		return nil, err
	}
	return metrics, nil
}

func (s *PostgresStore) Close() error       { return s.db.Close() }
func (s *PostgresStore) HealthCheck() error { return s.db.Ping() }
