package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/runforge/runforge/pkg/models"
)

// MemoryStore is an in-memory run ledger used by tests and by the
// daemon when no durable database is configured (the remote snapshot
// is the system of record either way).
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

// NewMemoryStore creates a new in-memory run store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.Run)}
}

func (s *MemoryStore) CreateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return ErrRunExists
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRuns(filter models.RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.Run
	for _, run := range s.runs {
		if filter.Matches(run) {
			runs = append(runs, cloneRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) MarkRunStarted(id string, pid int, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if err := models.ValidateTransition(run.Status, models.RunStatusRunning); err != nil {
		return err
	}
	run.StateTransitions = append(run.StateTransitions, models.StateTransition{
		From: run.Status, To: models.RunStatusRunning,
		Timestamp: time.Now().UTC(), Reason: "worker started",
	})
	run.Status = models.RunStatusRunning
	run.PID = pid
	t := startedAt
	run.StartedAt = &t
	return nil
}

func (s *MemoryStore) FinishRun(id string, status models.RunStatus, exitCode *int, errorMsg string, finishedAt time.Time) error {
	if !models.IsTerminalState(status) {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if err := models.ValidateTransition(run.Status, status); err != nil {
		return err
	}
	run.StateTransitions = append(run.StateTransitions, models.StateTransition{
		From: run.Status, To: status,
		Timestamp: time.Now().UTC(), Reason: errorMsg,
	})
	run.Status = status
	run.ExitCode = exitCode
	run.Error = errorMsg
	t := finishedAt
	run.FinishedAt = &t
	return nil
}

func (s *MemoryStore) ActiveRun(accountName string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *models.Run
	for _, run := range s.runs {
		if run.AccountName != accountName || !models.IsActiveState(run.Status) {
			continue
		}
		if newest == nil || run.CreatedAt.After(newest.CreatedAt) {
			newest = run
		}
	}
	if newest == nil {
		return nil, ErrRunNotFound
	}
	return cloneRun(newest), nil
}

func (s *MemoryStore) FailInterrupted(reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	for _, run := range s.runs {
		if !models.IsActiveState(run.Status) {
			continue
		}
		run.StateTransitions = append(run.StateTransitions, models.StateTransition{
			From: run.Status, To: models.RunStatusFailed,
			Timestamp: now, Reason: reason,
		})
		run.Status = models.RunStatusFailed
		run.Error = reason
		t := now
		run.FinishedAt = &t
		count++
	}
	return count, nil
}

func (s *MemoryStore) RunMetrics() (*RunMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &RunMetrics{
		RunsByStatus: make(map[models.RunStatus]int),
		RunsByMode:   make(map[models.RunMode]int),
	}
	var totalDuration float64
	var finished int
	for _, run := range s.runs {
		metrics.RunsByStatus[run.Status]++
		metrics.RunsByMode[run.Mode]++
		metrics.TotalRuns++
		if models.IsActiveState(run.Status) {
			metrics.ActiveRuns++
		}
		if run.StartedAt != nil && run.FinishedAt != nil {
			totalDuration += run.FinishedAt.Sub(*run.StartedAt).Seconds()
			finished++
		}
	}
	if finished > 0 {
		metrics.AvgDuration = totalDuration / float64(finished)
	}
	return metrics, nil
}

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }

func cloneRun(run *models.Run) *models.Run {
	c := *run
	if run.StartedAt != nil {
		t := *run.StartedAt
		c.StartedAt = &t
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		c.FinishedAt = &t
	}
	if run.ExitCode != nil {
		e := *run.ExitCode
		c.ExitCode = &e
	}
	c.StateTransitions = append([]models.StateTransition(nil), run.StateTransitions...)
	return &c
}
