package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/runforge/runforge/pkg/models"
)

// backends returns one fresh store per backend under test
func backends(t *testing.T) map[string]RunStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]RunStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newRun(id, account string, status models.RunStatus) *models.Run {
	return &models.Run{
		ID:          id,
		TaskName:    "checkin",
		AccountName: account,
		Mode:        models.RunModeRunOnce,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateRun(newRun("r1", "a1", models.RunStatusQueued)); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			if err := s.MarkRunStarted("r1", 4321, time.Now().UTC()); err != nil {
				t.Fatalf("MarkRunStarted failed: %v", err)
			}
			run, err := s.GetRun("r1")
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if run.Status != models.RunStatusRunning {
				t.Errorf("expected running, got %s", run.Status)
			}
			if run.PID != 4321 {
				t.Errorf("expected pid 4321, got %d", run.PID)
			}
			if run.StartedAt == nil {
				t.Error("expected started_at to be set")
			}

			code := 0
			if err := s.FinishRun("r1", models.RunStatusSuccess, &code, "", time.Now().UTC()); err != nil {
				t.Fatalf("FinishRun failed: %v", err)
			}
			run, _ = s.GetRun("r1")
			if run.Status != models.RunStatusSuccess {
				t.Errorf("expected success, got %s", run.Status)
			}
			if run.ExitCode == nil || *run.ExitCode != 0 {
				t.Errorf("expected exit code 0, got %v", run.ExitCode)
			}
			if len(run.StateTransitions) != 2 {
				t.Errorf("expected 2 transitions, got %d", len(run.StateTransitions))
			}

			// Terminal states never reopen
			if err := s.MarkRunStarted("r1", 1, time.Now().UTC()); err == nil {
				t.Error("expected transition out of terminal state to fail")
			}
			if err := s.FinishRun("r1", models.RunStatusFailed, nil, "late", time.Now().UTC()); err == nil {
				t.Error("expected second terminal transition to fail")
			}
		})
	}
}

func TestFinishRequiresTerminalStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateRun(newRun("r1", "a1", models.RunStatusQueued)); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}
			if err := s.FinishRun("r1", models.RunStatusRunning, nil, "", time.Now().UTC()); err == nil {
				t.Error("expected FinishRun with non-terminal status to fail")
			}
		})
	}
}

func TestActiveRun(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.ActiveRun("a1"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("expected ErrRunNotFound, got %v", err)
			}

			if err := s.CreateRun(newRun("r1", "a1", models.RunStatusQueued)); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}
			active, err := s.ActiveRun("a1")
			if err != nil {
				t.Fatalf("ActiveRun failed: %v", err)
			}
			if active.ID != "r1" {
				t.Errorf("expected r1, got %s", active.ID)
			}

			// Other accounts are unaffected
			if _, err := s.ActiveRun("a2"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("expected ErrRunNotFound for a2, got %v", err)
			}

			if err := s.FinishRun("r1", models.RunStatusStopped, nil, "", time.Now().UTC()); err != nil {
				t.Fatalf("FinishRun failed: %v", err)
			}
			if _, err := s.ActiveRun("a1"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("expected no active run after finish, got %v", err)
			}
		})
	}
}

func TestFailInterrupted(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.CreateRun(newRun("r1", "a1", models.RunStatusQueued))
			run2 := newRun("r2", "a2", models.RunStatusQueued)
			s.CreateRun(run2)
			s.MarkRunStarted("r2", 99, time.Now().UTC())
			run3 := newRun("r3", "a3", models.RunStatusQueued)
			s.CreateRun(run3)
			s.FinishRun("r3", models.RunStatusSuccess, nil, "", time.Now().UTC())

			count, err := s.FailInterrupted("interrupted by restart")
			if err != nil {
				t.Fatalf("FailInterrupted failed: %v", err)
			}
			if count != 2 {
				t.Errorf("expected 2 interrupted runs, got %d", count)
			}

			for _, id := range []string{"r1", "r2"} {
				run, _ := s.GetRun(id)
				if run.Status != models.RunStatusFailed {
					t.Errorf("run %s: expected failed, got %s", id, run.Status)
				}
				if run.Error != "interrupted by restart" {
					t.Errorf("run %s: unexpected error message %q", id, run.Error)
				}
			}
			run, _ := s.GetRun("r3")
			if run.Status != models.RunStatusSuccess {
				t.Errorf("terminal run must not be touched, got %s", run.Status)
			}
		})
	}
}

func TestListRunsFilter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				run := newRun(fmt.Sprintf("r%d", i), "a1", models.RunStatusQueued)
				if i%2 == 1 {
					run.AccountName = "a2"
					run.TaskName = "monitor-chat"
				}
				if err := s.CreateRun(run); err != nil {
					t.Fatalf("CreateRun failed: %v", err)
				}
				// Finish runs for a1 so only a2 stays active
				if run.AccountName == "a1" {
					s.FinishRun(run.ID, models.RunStatusFailed, nil, "boom", time.Now().UTC())
				}
			}

			all, err := s.ListRuns(models.RunFilter{})
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("expected 5 runs, got %d", len(all))
			}

			byAccount, _ := s.ListRuns(models.RunFilter{AccountName: "a2"})
			if len(byAccount) != 2 {
				t.Errorf("expected 2 runs for a2, got %d", len(byAccount))
			}

			byStatus, _ := s.ListRuns(models.RunFilter{Status: models.RunStatusFailed})
			if len(byStatus) != 3 {
				t.Errorf("expected 3 failed runs, got %d", len(byStatus))
			}

			byTask, _ := s.ListRuns(models.RunFilter{TaskName: "monitor-chat", Status: models.RunStatusQueued})
			if len(byTask) != 2 {
				t.Errorf("expected 2 queued monitor-chat runs, got %d", len(byTask))
			}
		})
	}
}

// TestSQLiteConcurrentAccess verifies concurrent ledger writes don't lock
func TestSQLiteConcurrentAccess(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	numRuns := 20
	var wg sync.WaitGroup
	errs := make(chan error, numRuns)

	for i := 0; i < numRuns; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			run := newRun(fmt.Sprintf("run-%d", idx), fmt.Sprintf("acct-%d", idx), models.RunStatusQueued)
			if err := s.CreateRun(run); err != nil {
				errs <- fmt.Errorf("run %d creation failed: %w", idx, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent run creation error: %v", err)
	}

	runs, err := s.ListRuns(models.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != numRuns {
		t.Errorf("Expected %d runs, got %d", numRuns, len(runs))
	}
}

func TestRunMetrics(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.CreateRun(newRun("r1", "a1", models.RunStatusQueued))
			s.CreateRun(newRun("r2", "a2", models.RunStatusQueued))
			s.MarkRunStarted("r2", 1, time.Now().UTC())
			s.CreateRun(newRun("r3", "a3", models.RunStatusQueued))
			s.FinishRun("r3", models.RunStatusFailed, nil, "x", time.Now().UTC())

			m, err := s.RunMetrics()
			if err != nil {
				t.Fatalf("RunMetrics failed: %v", err)
			}
			if m.TotalRuns != 3 {
				t.Errorf("expected 3 total, got %d", m.TotalRuns)
			}
			if m.ActiveRuns != 2 {
				t.Errorf("expected 2 active, got %d", m.ActiveRuns)
			}
			if m.RunsByStatus[models.RunStatusFailed] != 1 {
				t.Errorf("expected 1 failed, got %d", m.RunsByStatus[models.RunStatusFailed])
			}
		})
	}
}
