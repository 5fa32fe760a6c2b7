// Package orchestrator is the single entry point callers use. It
// composes the run ledger, the process supervisor, the log relay and
// the sync engine, and enforces the cross-component rules none of them
// can see alone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/runforge/runforge/internal/logrelay"
	"github.com/runforge/runforge/internal/supervisor"
	"github.com/runforge/runforge/internal/syncer"
	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// TaskReader supplies task definitions to run
type TaskReader interface {
	GetTaskConfig(name string) (*models.Task, error)
	ListTasks() ([]*models.Task, error)
}

// CredentialStore inspects and manages per-account session material
type CredentialStore interface {
	HasValidSession(accountName string) bool
	DeleteSession(accountName string) error
	SetStatus(accountName string, status models.SessionStatus, lastError string) error
	GetAccount(accountName string) *models.Account
	ListAccounts() []*models.Account
}

// ErrRestoring rejects operations while a snapshot restore holds the
// working set
var ErrRestoring = errors.New("snapshot restore in progress")

// ErrRunsActive rejects a restore while workers may write local state
var ErrRunsActive = errors.New("runs are active")

// Orchestrator wires the components together
type Orchestrator struct {
	store  store.RunStore
	sup    *supervisor.Supervisor
	relay  *logrelay.Relay
	sync   *syncer.Engine
	tasks  TaskReader
	creds  CredentialStore
	logger *logging.Logger

	// gate serializes restores against run admission. A restore holds
	// the write side for the whole swap; each StartRun holds the read
	// side until the account slot is acquired, so no worker can spawn
	// while local state is being replaced.
	gate sync.RWMutex
}

// New builds the facade and registers the run-completion sync trigger
func New(st store.RunStore, sup *supervisor.Supervisor, relay *logrelay.Relay, sync *syncer.Engine, tasks TaskReader, creds CredentialStore, logger *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		store:  st,
		sup:    sup,
		relay:  relay,
		sync:   sync,
		tasks:  tasks,
		creds:  creds,
		logger: logger.WithField("component", "orchestrator"),
	}
	sup.SetFinishHook(func(run *models.Run) {
		sync.Schedule(models.TriggerRunFinished)
	})
	return o
}

// StartRun launches a worker for the named task. Refused while a
// restore is replacing local state underneath the workers.
func (o *Orchestrator) StartRun(taskName string, mode models.RunMode, override map[string]string) (string, error) {
	if !o.gate.TryRLock() {
		return "", ErrRestoring
	}
	defer o.gate.RUnlock()
	task, err := o.tasks.GetTaskConfig(taskName)
	if err != nil {
		return "", err
	}
	if !task.Enabled {
		return "", fmt.Errorf("%w: task %s is disabled", supervisor.ErrValidation, taskName)
	}
	return o.sup.StartRun(task, mode, override)
}

// StopRun requests termination of a run
func (o *Orchestrator) StopRun(runID string) error {
	return o.sup.StopRun(runID)
}

// GetRun returns one ledger record
func (o *Orchestrator) GetRun(runID string) (*models.Run, error) {
	return o.store.GetRun(runID)
}

// ListRuns returns ledger records matching the filter
func (o *Orchestrator) ListRuns(filter models.RunFilter) ([]*models.Run, error) {
	return o.store.ListRuns(filter)
}

// ReadLog returns a bounded slice of a run's log. Never blocks.
func (o *Orchestrator) ReadLog(runID string, offset, limit int64) ([]byte, int64, error) {
	if _, err := o.store.GetRun(runID); err != nil {
		return nil, 0, err
	}
	return o.relay.ReadRange(runID, offset, limit)
}

// StreamLog attaches a live observer to a run's log. For finished runs
// the stream replays history and closes after the terminal status
// event.
func (o *Orchestrator) StreamLog(runID string, fromOffset int64) (<-chan logrelay.Event, func(), error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, nil, err
	}
	terminal := models.RunStatus("")
	if models.IsTerminalState(run.Status) {
		terminal = run.Status
	}
	return o.relay.Attach(runID, fromOffset, terminal)
}

// ListTasks exposes the task definitions
func (o *Orchestrator) ListTasks() ([]*models.Task, error) {
	return o.tasks.ListTasks()
}

// Login marks an account's session as established and schedules a
// snapshot push so the fresh credentials reach durable storage.
// The credential handshake itself happens in the worker; this is the
// bookkeeping edge.
func (o *Orchestrator) Login(accountName string) error {
	if !o.creds.HasValidSession(accountName) {
		return o.creds.SetStatus(accountName, models.SessionLoggingIn, "")
	}
	if err := o.creds.SetStatus(accountName, models.SessionLoggedIn, ""); err != nil {
		return err
	}
	o.sync.Schedule(models.TriggerLogin)
	return nil
}

// Logout deletes the account's session material and pushes a snapshot
// so the deletion propagates
func (o *Orchestrator) Logout(accountName string) error {
	if runID, active := o.sup.ActiveRunID(accountName); active {
		return &supervisor.ConflictError{AccountName: accountName, BlockingRunID: runID}
	}
	if err := o.creds.DeleteSession(accountName); err != nil {
		return err
	}
	if err := o.creds.SetStatus(accountName, models.SessionLoggedOut, ""); err != nil {
		return err
	}
	o.sync.Schedule(models.TriggerLogout)
	return nil
}

// GetAccount reports one account's session state
func (o *Orchestrator) GetAccount(accountName string) *models.Account {
	return o.creds.GetAccount(accountName)
}

// ListAccounts reports all known accounts
func (o *Orchestrator) ListAccounts() []*models.Account {
	return o.creds.ListAccounts()
}

// BackupStatus returns the sync engine's persisted state
func (o *Orchestrator) BackupStatus() models.BackupState {
	return o.sync.Status()
}

// TriggerPush uploads a snapshot now. confirm overrides a change-token
// conflict.
func (o *Orchestrator) TriggerPush(ctx context.Context, confirm bool) error {
	o.sync.Schedule(models.TriggerManual) // mark dirty so the push has something to do
	return o.sync.Push(ctx, models.TriggerManual, confirm)
}

// TriggerPull restores the remote snapshot over local state. Refused
// while any run is active; workers must not have the working set open
// during the swap. The gate is held for the whole restore so the
// active-runs check cannot go stale while files are swapped.
func (o *Orchestrator) TriggerPull(ctx context.Context, confirm bool) error {
	o.gate.Lock()
	defer o.gate.Unlock()
	if o.sup.HasActiveRuns() {
		return ErrRunsActive
	}
	return o.sync.Pull(ctx, confirm)
}

// NotifyConfigChange marks the working set dirty after a task or
// session file changed outside a run
func (o *Orchestrator) NotifyConfigChange() {
	o.sync.Schedule(models.TriggerConfigChange)
}

// Health verifies the ledger is reachable
func (o *Orchestrator) Health() error {
	return o.store.HealthCheck()
}
