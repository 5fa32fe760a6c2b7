package store

import (
	"errors"
	"time"

	"github.com/runforge/runforge/pkg/models"
)

// RunStore defines the interface for run ledger persistence.
// SQLite, PostgreSQL and the in-memory store implement this interface.
//
// Status mutation is single-writer: only the supervisor calls the
// state-changing methods, and every transition is validated against
// the run state machine before it is persisted.
type RunStore interface {
	// Ledger operations
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	ListRuns(filter models.RunFilter) ([]*models.Run, error)

	// State transitions (FSM validated)
	MarkRunStarted(id string, pid int, startedAt time.Time) error
	FinishRun(id string, status models.RunStatus, exitCode *int, errorMsg string, finishedAt time.Time) error

	// ActiveRun returns the single non-terminal run for an account,
	// or ErrRunNotFound when the account has none.
	ActiveRun(accountName string) (*models.Run, error)

	// FailInterrupted marks every non-terminal run as failed with the
	// given reason and returns how many were touched. Called once on
	// startup, before any new run is accepted: a previous instance's
	// child processes did not survive the restart.
	FailInterrupted(reason string) (int, error)

	// Metrics operations
	RunMetrics() (*RunMetrics, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// RunMetrics contains aggregated run statistics for the metrics endpoint
type RunMetrics struct {
	RunsByStatus map[models.RunStatus]int
	RunsByMode   map[models.RunMode]int
	ActiveRuns   int
	TotalRuns    int
	AvgDuration  float64 // seconds, over finished runs
}

// Config holds ledger database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string (postgres)
	Path string // Database file path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewRunStore creates a run store based on configuration
func NewRunStore(config Config) (RunStore, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "runforge.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunExists           = errors.New("run already exists")
)
