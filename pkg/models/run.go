package models

import (
	"fmt"
	"time"
)

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"  // Ledger entry created, worker not yet confirmed started
	RunStatusRunning RunStatus = "running" // Worker process confirmed started
	RunStatusSuccess RunStatus = "success" // Worker exited with code 0
	RunStatusFailed  RunStatus = "failed"  // Worker exited non-zero, vanished, or was interrupted
	RunStatusStopped RunStatus = "stopped" // Operator requested stop and the worker has exited
)

// RunMode selects how the worker interprets the task
type RunMode string

const (
	RunModeRun     RunMode = "run"
	RunModeRunOnce RunMode = "run_once"
	RunModeMonitor RunMode = "monitor"
)

// ValidModes lists all accepted run modes
var ValidModes = []RunMode{RunModeRun, RunModeRunOnce, RunModeMonitor}

// Run represents one execution attempt of a task
type Run struct {
	ID               string            `json:"id"`
	TaskName         string            `json:"task_name"`
	AccountName      string            `json:"account_name"`
	Mode             RunMode           `json:"mode"`
	Status           RunStatus         `json:"status"`
	PID              int               `json:"pid,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	Error            string            `json:"error,omitempty"`
	LogPath          string            `json:"log_path,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks run state changes with timestamps
type StateTransition struct {
	From      RunStatus `json:"from"`
	To        RunStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// validTransitions maps from-state to allowed to-states.
// The graph is one-directional: queued → running → terminal, and a
// terminal state never reopens. Queued may go straight to a terminal
// state when the spawn itself fails or the supervisor restarts.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusQueued: {
		RunStatusRunning: true,
		RunStatusFailed:  true,
		RunStatusStopped: true,
	},
	RunStatusRunning: {
		RunStatusSuccess: true,
		RunStatusFailed:  true,
		RunStatusStopped: true,
	},
	// Terminal states (no transitions allowed)
	RunStatusSuccess: {},
	RunStatusFailed:  {},
	RunStatusStopped: {},
}

// ValidateTransition checks if a run state transition is valid
func ValidateTransition(from, to RunStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state RunStatus) bool {
	return state == RunStatusSuccess || state == RunStatusFailed || state == RunStatusStopped
}

// IsActiveState returns true if the run still holds its account's exclusivity slot
func IsActiveState(state RunStatus) bool {
	return state == RunStatusQueued || state == RunStatusRunning
}

// ValidMode returns true if mode is one of the accepted run modes
func ValidMode(mode RunMode) bool {
	for _, m := range ValidModes {
		if m == mode {
			return true
		}
	}
	return false
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	TaskName    string
	AccountName string
	Status      RunStatus
	Since       time.Time
	Until       time.Time
}

// Matches reports whether a run passes the filter
func (f RunFilter) Matches(run *Run) bool {
	if f.TaskName != "" && run.TaskName != f.TaskName {
		return false
	}
	if f.AccountName != "" && run.AccountName != f.AccountName {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && run.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && run.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
