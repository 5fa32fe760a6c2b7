// Package syncer keeps local working storage reconciled with a remote
// durable snapshot store. Local disk is an ephemeral cache; the remote
// bundle is the system of record.
//
// One worker goroutine consumes a serialized trigger queue fed by
// state-change events and a timer, so pull and push for the same
// working set are mutually exclusive by construction.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/retry"
)

// State is the sync engine's visible phase
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StatePushing State = "pushing"
)

const (
	statusFileName = "backup.status.json"
	stagingDirName = ".restore-staging"
)

// ErrDisabled is returned when no remote is configured
var ErrDisabled = errors.New("backup is not configured")

// ErrConfirmRequired gates destructive manual operations
var ErrConfirmRequired = errors.New("operation requires explicit confirmation")

// ConflictError reports that the remote snapshot changed since this
// instance last observed it. Both tokens are included so an operator
// can decide whether to override.
type ConflictError struct {
	LocalToken  string
	RemoteToken string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote snapshot changed since last observation (observed %q, remote %q)", e.LocalToken, e.RemoteToken)
}

// Config holds sync engine settings
type Config struct {
	Enabled       bool
	RemoteURL     string // informational, shown in status
	EncryptionKey string // empty disables encryption
	Interval      time.Duration

	// Paths are the local directories and files packaged into every
	// snapshot. Their base names address them inside the bundle and
	// back in the data dir on restore.
	Paths []string

	// DataDir holds the sync status file and the restore staging area
	DataDir string

	Retry retry.Config
}

// Engine reconciles local state with the remote snapshot
type Engine struct {
	cfg     Config
	remote  Remote
	logger  *logging.Logger
	metrics *metrics.Metrics

	// opMu is the pull/push critical section: local working storage
	// belongs to exactly one operation at a time.
	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	token  string // last remote change token observed by this instance
	dirty  bool
	status models.BackupState

	triggers chan models.SyncTrigger
}

// New creates a sync engine. A nil remote disables syncing; every
// operation then reports ErrDisabled.
func New(cfg Config, remote Remote, m *metrics.Metrics, logger *logging.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	e := &Engine{
		cfg:      cfg,
		remote:   remote,
		metrics:  m,
		logger:   logger.WithField("component", "syncer"),
		state:    StateIdle,
		triggers: make(chan models.SyncTrigger, 16),
	}
	e.loadStatus()
	return e
}

// Enabled reports whether a remote is configured
func (e *Engine) Enabled() bool {
	return e.enabled()
}

// State returns the engine's current phase
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Status returns the persisted backup status
func (e *Engine) Status() models.BackupState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	st.Enabled = e.enabled()
	st.RemoteURL = e.cfg.RemoteURL
	st.ChangeToken = e.token
	return st
}

// enabled is the lock-free form of Enabled for use under e.mu
func (e *Engine) enabled() bool {
	return e.remote != nil && e.cfg.Enabled
}

// Schedule queues a push for the given trigger. Never blocks: when the
// queue is full a push is already pending and the event is folded into
// it.
func (e *Engine) Schedule(trigger models.SyncTrigger) {
	if !e.Enabled() {
		return
	}
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()

	select {
	case e.triggers <- trigger:
	default:
	}
}

// Run consumes the trigger queue and the timer until ctx is cancelled.
// All pushes initiated here run on this single goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trigger := <-e.triggers:
			e.pushIfDirty(ctx, trigger)
		case <-ticker.C:
			// The timer retries regardless of prior failures
			e.pushIfDirty(ctx, models.TriggerTimer)
		}
	}
}

func (e *Engine) pushIfDirty(ctx context.Context, trigger models.SyncTrigger) {
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	if !dirty {
		return
	}
	if err := e.Push(ctx, trigger, false); err != nil {
		// Recorded in status; dirty stays set so the next tick retries
		e.logger.Warn("snapshot push failed", map[string]interface{}{
			"trigger": string(trigger), "error": err.Error(),
		})
	}
}

// Push packages local state and uploads it. Before uploading it
// re-reads the remote change token; a mismatch with the last observed
// token is refused as a conflict unless confirm is set.
func (e *Engine) Push(ctx context.Context, trigger models.SyncTrigger, confirm bool) error {
	if !e.Enabled() {
		return ErrDisabled
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.setState(StatePushing)
	defer e.setState(StateIdle)

	err := e.push(ctx, confirm)
	if err != nil {
		e.recordError(err)
		if e.metrics != nil {
			result := "error"
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				result = "conflict"
			}
			e.metrics.SyncOperations.WithLabelValues("push", result).Inc()
		}
		return err
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.dirty = false
	e.status.LastPushAt = &now
	e.status.LastError = ""
	e.mu.Unlock()
	e.saveStatus()

	if e.metrics != nil {
		e.metrics.SyncOperations.WithLabelValues("push", "ok").Inc()
		e.metrics.SyncLastSuccess.WithLabelValues("push").Set(float64(now.Unix()))
	}
	e.logger.Info("snapshot pushed", map[string]interface{}{"trigger": string(trigger)})
	return nil
}

func (e *Engine) push(ctx context.Context, confirm bool) error {
	remoteToken, err := e.remote.Token("")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	e.mu.Lock()
	observed := e.token
	e.mu.Unlock()

	// Never overwrite remote content this instance has not observed,
	// unless the operator explicitly accepts the conflict.
	if !confirm && remoteToken != "" && remoteToken != observed {
		return &ConflictError{LocalToken: observed, RemoteToken: remoteToken}
	}

	bundle, err := packBundle(e.cfg.Paths)
	if err != nil {
		return fmt.Errorf("failed to package snapshot: %w", err)
	}
	if e.cfg.EncryptionKey != "" {
		if bundle, err = sealBundle(e.cfg.EncryptionKey, bundle); err != nil {
			return err
		}
	}

	if err := retry.Do(ctx, e.cfg.Retry, func() error {
		return e.remote.Write("", bundle)
	}); err != nil {
		return err
	}

	newToken, err := e.remote.Token("")
	if err != nil {
		return fmt.Errorf("uploaded but failed to read back change token: %w", err)
	}

	e.mu.Lock()
	e.token = newToken
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SnapshotBytes.Set(float64(len(bundle)))
	}
	return nil
}

// PullOnStart fetches and applies the newest snapshot before the
// daemon accepts any traffic. A missing remote snapshot is not an
// error; a snapshot that cannot be decrypted or unpacked is fatal to
// startup.
func (e *Engine) PullOnStart(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	err := e.pull(ctx)
	if errors.Is(err, os.ErrNotExist) {
		e.logger.Info("no remote snapshot yet, starting from local state")
		return nil
	}
	return err
}

// Pull is the operator-triggered restore. It refuses to run without
// confirmation while local changes have not been pushed, and leaves
// local state untouched on any failure.
func (e *Engine) Pull(ctx context.Context, confirm bool) error {
	if !e.Enabled() {
		return ErrDisabled
	}
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	if dirty && !confirm {
		return fmt.Errorf("%w: local changes have not been pushed", ErrConfirmRequired)
	}
	err := e.pull(ctx)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no remote snapshot exists")
	}
	return err
}

// pull is all-or-nothing: the bundle is unpacked and validated in a
// staging directory, then swapped over the live paths.
func (e *Engine) pull(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.setState(StatePulling)
	defer e.setState(StateIdle)

	fail := func(err error) error {
		e.recordError(err)
		if e.metrics != nil {
			e.metrics.SyncOperations.WithLabelValues("pull", "error").Inc()
		}
		return err
	}

	token, err := e.remote.Token("")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fail(err)
	}

	var content []byte
	if err := retry.Do(ctx, e.cfg.Retry, func() error {
		var rerr error
		content, rerr = e.remote.Read("")
		return rerr
	}); err != nil {
		return fail(err)
	}

	if e.cfg.EncryptionKey != "" {
		if content, err = openBundle(e.cfg.EncryptionKey, content); err != nil {
			return fail(err)
		}
	}

	staging := filepath.Join(e.cfg.DataDir, stagingDirName)
	if err := os.RemoveAll(staging); err != nil {
		return fail(fmt.Errorf("failed to clear staging dir: %w", err))
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fail(err)
	}
	defer os.RemoveAll(staging)

	if _, err := unpackBundle(content, staging); err != nil {
		return fail(err)
	}

	// Everything unpacked cleanly; swap staged entries over the live
	// paths. Prior state is preserved until its replacement is in
	// place.
	for _, path := range e.cfg.Paths {
		staged := filepath.Join(staging, filepath.Base(path))
		if _, err := os.Stat(staged); err != nil {
			continue // snapshot predates this path
		}
		if err := swapIn(staged, path); err != nil {
			return fail(fmt.Errorf("failed to install %s: %w", filepath.Base(path), err))
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.token = token
	e.dirty = false
	e.status.LastPullAt = &now
	e.status.LastError = ""
	e.mu.Unlock()
	e.saveStatus()

	if e.metrics != nil {
		e.metrics.SyncOperations.WithLabelValues("pull", "ok").Inc()
		e.metrics.SyncLastSuccess.WithLabelValues("pull").Set(float64(now.Unix()))
	}
	e.logger.Info("snapshot restored", map[string]interface{}{"token": token})
	return nil
}

// swapIn atomically replaces dest with the staged entry
func swapIn(staged, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	old := dest + ".old"
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, old); err != nil {
			return err
		}
	}
	if err := os.Rename(staged, dest); err != nil {
		// Put the previous state back
		if _, statErr := os.Stat(old); statErr == nil {
			_ = os.Rename(old, dest)
		}
		return err
	}
	return os.RemoveAll(old)
}

// recordError persists the failure for status queries; sync failures
// never propagate to unrelated callers.
func (e *Engine) recordError(err error) {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	e.mu.Lock()
	e.status.LastError = msg
	e.mu.Unlock()
	e.saveStatus()
}

func (e *Engine) statusPath() string {
	return filepath.Join(e.cfg.DataDir, statusFileName)
}

// saveStatus writes the status file atomically (tmp + rename)
func (e *Engine) saveStatus() {
	e.mu.Lock()
	st := e.status
	st.Enabled = e.enabled()
	st.RemoteURL = e.cfg.RemoteURL
	st.ChangeToken = e.token
	e.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return
	}
	tmp := e.statusPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.logger.Warn("failed to write backup status", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, e.statusPath()); err != nil {
		e.logger.Warn("failed to replace backup status", map[string]interface{}{"error": err.Error()})
	}
}

// loadStatus restores the persisted status, including the last
// observed change token, across daemon restarts
func (e *Engine) loadStatus() {
	data, err := os.ReadFile(e.statusPath())
	if err != nil {
		return
	}
	var st models.BackupState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	e.mu.Lock()
	e.status = st
	e.token = st.ChangeToken
	e.mu.Unlock()
}
