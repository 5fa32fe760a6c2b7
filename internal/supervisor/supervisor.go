// Package supervisor launches, tracks and reaps one worker process per
// account. It is the sole writer of a run's status for the run's whole
// lifetime and enforces the single-active-run-per-account invariant.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/runforge/runforge/internal/logrelay"
	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// Config holds supervisor settings
type Config struct {
	// WorkerCommand is the worker executable plus any fixed leading
	// arguments. Per-run launch parameters are appended as explicit
	// flags, never passed through shared state.
	WorkerCommand []string

	WorkDir     string
	SessionsDir string

	// GracePeriod is how long a stop request waits between SIGTERM and
	// SIGKILL.
	GracePeriod time.Duration

	// ReapInterval is how often the supervisor scans for worker
	// processes that vanished without reporting an exit code.
	ReapInterval time.Duration
}

// Supervisor owns the per-account exclusivity slots and all run status
// transitions.
type Supervisor struct {
	cfg     Config
	store   store.RunStore
	relay   *logrelay.Relay
	logger  *logging.Logger
	metrics *metrics.Metrics

	// onFinish is notified after a run reaches a terminal status.
	onFinish func(run *models.Run)

	mu    sync.Mutex
	slots map[string]*slot // account name -> active run
}

// slot tracks one live worker. The account's exclusivity is the
// existence of its entry in the slots map, held from queued until the
// terminal transition.
type slot struct {
	runID         string
	accountName   string
	cmd           *exec.Cmd
	stopRequested bool
	done          chan struct{}
}

// New creates a supervisor
func New(cfg Config, st store.RunStore, relay *logrelay.Relay, m *metrics.Metrics, logger *logging.Logger) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		relay:   relay,
		metrics: m,
		logger:  logger.WithField("component", "supervisor"),
		slots:   make(map[string]*slot),
	}
}

// SetFinishHook registers a callback fired after each terminal
// transition. Used by the orchestrator to schedule snapshot pushes.
func (s *Supervisor) SetFinishHook(fn func(run *models.Run)) {
	s.onFinish = fn
}

// RecoverInterrupted fails every ledger entry left non-terminal by a
// previous instance. Must run before the first StartRun is accepted:
// those child processes did not survive the restart.
func (s *Supervisor) RecoverInterrupted() error {
	count, err := s.store.FailInterrupted("interrupted by restart")
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if count > 0 {
		s.logger.Warn("marked interrupted runs as failed", map[string]interface{}{"count": count})
	}
	return nil
}

// StartRun accepts a run request for a task. It fails with a
// ConflictError while any run for the same account is non-terminal.
// The returned run ID confirms acceptance only; worker failures after
// acceptance land on the run record, not on this call.
func (s *Supervisor) StartRun(task *models.Task, mode models.RunMode, override map[string]string) (string, error) {
	if task == nil || task.Name == "" {
		return "", fmt.Errorf("%w: missing task", ErrValidation)
	}
	if task.AccountName == "" {
		return "", fmt.Errorf("%w: task %s has no account", ErrValidation, task.Name)
	}
	if !models.ValidMode(mode) {
		return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}

	runID := uuid.NewString()

	// Acquire the exclusivity slot atomically with the conflict check
	s.mu.Lock()
	if existing, held := s.slots[task.AccountName]; held {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RunsRejected.WithLabelValues("conflict").Inc()
		}
		return "", &ConflictError{AccountName: task.AccountName, BlockingRunID: existing.runID}
	}
	sl := &slot{runID: runID, accountName: task.AccountName, done: make(chan struct{})}
	s.slots[task.AccountName] = sl
	s.mu.Unlock()

	run := &models.Run{
		ID:          runID,
		TaskName:    task.Name,
		AccountName: task.AccountName,
		Mode:        mode,
		Status:      models.RunStatusQueued,
		CreatedAt:   time.Now().UTC(),
		LogPath:     s.relay.LogPath(runID),
	}
	if err := s.store.CreateRun(run); err != nil {
		s.release(sl)
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunsStarted.Inc()
		s.metrics.ActiveRuns.Inc()
	}

	if err := s.relay.Open(runID); err != nil {
		s.finish(sl, models.RunStatusFailed, nil, fmt.Sprintf("failed to open run log: %v", err))
		return runID, nil
	}

	if err := s.spawn(sl, task, mode, override); err != nil {
		// Accepted but never started: the failure lives on the record
		s.logger.Error("worker spawn failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
		s.finish(sl, models.RunStatusFailed, nil, fmt.Sprintf("failed to spawn worker: %v", err))
		return runID, nil
	}

	s.logger.Info("run started", map[string]interface{}{
		"run_id": runID, "task": task.Name, "account": task.AccountName, "mode": string(mode), "pid": sl.cmd.Process.Pid,
	})
	return runID, nil
}

// spawn builds the worker command with explicit launch parameters and
// wires its output into the relay.
func (s *Supervisor) spawn(sl *slot, task *models.Task, mode models.RunMode, override map[string]string) error {
	if len(s.cfg.WorkerCommand) == 0 {
		return fmt.Errorf("no worker command configured")
	}

	args := append([]string{}, s.cfg.WorkerCommand[1:]...)
	args = append(args,
		"--run-id", sl.runID,
		"--task", task.Name,
		"--account", task.AccountName,
		"--workdir", s.cfg.WorkDir,
		"--session-dir", s.cfg.SessionsDir,
		"--mode", string(mode),
	)
	for k, v := range override {
		args = append(args, "--"+k, v)
	}

	cmd := exec.Command(s.cfg.WorkerCommand[0], args...)
	// Own process group: stop signals reach the worker and its
	// children without touching the supervisor.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	// Publish the process handle under the slot lock. A StopRun that
	// lands before this point sees no handle and leaves termination to
	// us, so re-check the flag once the handle exists.
	s.mu.Lock()
	sl.cmd = cmd
	stopPending := sl.stopRequested
	s.mu.Unlock()

	if err := s.store.MarkRunStarted(sl.runID, cmd.Process.Pid, time.Now().UTC()); err != nil {
		s.logger.Error("failed to mark run started", map[string]interface{}{"run_id": sl.runID, "error": err.Error()})
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.relayOutput(sl.runID, stdout, &pipes)
	go s.relayOutput(sl.runID, stderr, &pipes)
	go s.wait(sl, &pipes)
	if stopPending {
		go s.terminate(sl, cmd)
	}
	return nil
}

// relayOutput copies one worker pipe into the durable log
func (s *Supervisor) relayOutput(runID string, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 16*1024)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			if werr := s.relay.Write(runID, buf[:n]); werr != nil {
				s.logger.Error("failed to persist log chunk", map[string]interface{}{"run_id": runID, "error": werr.Error()})
			}
		}
		if err != nil {
			return
		}
	}
}

// wait blocks on the worker's exit, maps the exit code to a terminal
// status and releases the slot. Each run's lifecycle is tracked by its
// own goroutine so one stalled worker never blocks another account.
func (s *Supervisor) wait(sl *slot, pipes *sync.WaitGroup) {
	pipes.Wait()
	err := sl.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	stopRequested := sl.stopRequested
	s.mu.Unlock()

	var status models.RunStatus
	var errorMsg string
	switch {
	case stopRequested:
		// A stop requested by this supervisor wins over the exit code
		status = models.RunStatusStopped
	case exitCode == 0:
		status = models.RunStatusSuccess
	case exitCode < 0:
		status = models.RunStatusFailed
		errorMsg = fmt.Sprintf("worker exited without exit code: %v", err)
	default:
		status = models.RunStatusFailed
		errorMsg = fmt.Sprintf("worker exited with code %d", exitCode)
	}

	s.finish(sl, status, &exitCode, errorMsg)
}

// finish records the terminal transition, closes the log stream and
// releases the account's exclusivity slot, in that order.
func (s *Supervisor) finish(sl *slot, status models.RunStatus, exitCode *int, errorMsg string) {
	now := time.Now().UTC()
	if err := s.store.FinishRun(sl.runID, status, exitCode, errorMsg, now); err != nil {
		s.logger.Error("failed to record terminal status", map[string]interface{}{"run_id": sl.runID, "error": err.Error()})
	}
	s.relay.Finish(sl.runID, status)
	s.release(sl)

	if s.metrics != nil {
		s.metrics.ActiveRuns.Dec()
		s.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
	s.logger.Info("run finished", map[string]interface{}{"run_id": sl.runID, "status": string(status)})

	if s.onFinish != nil || s.metrics != nil {
		if run, err := s.store.GetRun(sl.runID); err == nil {
			if s.metrics != nil && run.StartedAt != nil && run.FinishedAt != nil {
				s.metrics.RunDuration.Observe(run.FinishedAt.Sub(*run.StartedAt).Seconds())
			}
			if s.onFinish != nil {
				s.onFinish(run)
			}
		}
	}
}

// release frees the slot and signals waiters
func (s *Supervisor) release(sl *slot) {
	s.mu.Lock()
	if current, ok := s.slots[sl.accountName]; ok && current == sl {
		delete(s.slots, sl.accountName)
	}
	s.mu.Unlock()
	close(sl.done)
}

// StopRun requests graceful termination of a run's worker. It is
// idempotent: stopping a run that already reached a terminal status
// returns success without touching the record.
func (s *Supervisor) StopRun(runID string) error {
	s.mu.Lock()
	var sl *slot
	for _, candidate := range s.slots {
		if candidate.runID == runID {
			sl = candidate
			break
		}
	}
	if sl != nil {
		alreadyStopping := sl.stopRequested
		sl.stopRequested = true
		cmd := sl.cmd
		s.mu.Unlock()

		if alreadyStopping {
			return nil
		}
		if cmd == nil {
			// Worker not started yet. The spawn side re-checks the flag
			// after publishing the handle and terminates on our behalf.
			return nil
		}
		go s.terminate(sl, cmd)
		return nil
	}
	s.mu.Unlock()

	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if models.IsTerminalState(run.Status) {
		return nil
	}
	// Non-terminal in the ledger but no live slot: the process is gone
	s.logger.Warn("stop requested for run with no live worker", map[string]interface{}{"run_id": runID})
	if err := s.store.FinishRun(runID, models.RunStatusStopped, nil, "", time.Now().UTC()); err != nil {
		return err
	}
	s.relay.Finish(runID, models.RunStatusStopped)
	return nil
}

// terminate is advisory-then-forceful: SIGTERM to the worker's process
// group, a bounded grace period, then SIGKILL. Status is set by the
// wait goroutine only after the exit is confirmed.
func (s *Supervisor) terminate(sl *slot, cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group may be gone already; try the process directly
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-sl.done:
		return
	case <-time.After(s.cfg.GracePeriod):
	}

	s.logger.Warn("grace period expired, killing worker", map[string]interface{}{"run_id": sl.runID, "pid": pid})
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
	<-sl.done
}

// ActiveRunID returns the run currently holding an account's slot
func (s *Supervisor) ActiveRunID(accountName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[accountName]
	if !ok {
		return "", false
	}
	return sl.runID, true
}

// HasActiveRuns reports whether any account currently holds a slot
func (s *Supervisor) HasActiveRuns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) > 0
}

// Run drives the reap cycle until the context is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap transitions ledger entries whose worker vanished without an
// exit code (killed out-of-band, reparented, host OOM). A run tracked
// by a live slot is left to its wait goroutine.
func (s *Supervisor) reap() {
	running, err := s.store.ListRuns(models.RunFilter{Status: models.RunStatusRunning})
	if err != nil {
		s.logger.Error("reap: failed to list running runs", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, run := range running {
		s.mu.Lock()
		_, tracked := s.slots[run.AccountName]
		s.mu.Unlock()
		if tracked {
			continue
		}

		alive := false
		if run.PID > 0 {
			if exists, err := process.PidExists(int32(run.PID)); err == nil {
				alive = exists
			}
		}
		if alive {
			continue
		}

		s.logger.Warn("reaping vanished worker", map[string]interface{}{"run_id": run.ID, "pid": run.PID})
		if err := s.store.FinishRun(run.ID, models.RunStatusFailed, nil, "process disappeared", time.Now().UTC()); err != nil {
			s.logger.Error("reap: failed to fail run", map[string]interface{}{"run_id": run.ID, "error": err.Error()})
			continue
		}
		s.relay.Finish(run.ID, models.RunStatusFailed)
		if s.metrics != nil {
			s.metrics.RunsFinished.WithLabelValues(string(models.RunStatusFailed)).Inc()
		}
		if s.onFinish != nil {
			if r, err := s.store.GetRun(run.ID); err == nil {
				s.onFinish(r)
			}
		}
	}
}

// StopAll requests termination of every live worker and waits for them
// to exit. Used during daemon shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for _, sl := range slots {
		if err := s.StopRun(sl.runID); err != nil {
			s.logger.Warn("failed to stop run during shutdown", map[string]interface{}{"run_id": sl.runID, "error": err.Error()})
		}
	}
	for _, sl := range slots {
		select {
		case <-sl.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
