package syncer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/retry"
)

// fakeRemote is an in-memory Remote whose change token advances on
// every write, like a real object store's modtime would.
type fakeRemote struct {
	mu      sync.Mutex
	data    []byte
	version int
	writes  int
	failN   int // next failN writes return an error
}

func (r *fakeRemote) Token(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return "", os.ErrNotExist
	}
	return "v" + strconv.Itoa(r.version), nil
}

func (r *fakeRemote) Read(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), r.data...), nil
}

func (r *fakeRemote) Write(name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("connection reset by peer")
	}
	r.data = append([]byte(nil), data...)
	r.version++
	r.writes++
	return nil
}

// bump simulates another instance uploading a newer snapshot
func (r *fakeRemote) bump() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = []byte("someone else's snapshot")
	r.version++
}

func testEngine(t *testing.T, remote Remote) (*Engine, string) {
	t.Helper()
	dataDir := t.TempDir()
	tasksDir := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Enabled:       true,
		RemoteURL:     "https://dav.example.com/runforge",
		EncryptionKey: "test-passphrase",
		Interval:      time.Hour,
		Paths:         []string{tasksDir},
		DataDir:       dataDir,
		Retry:         retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}
	logger := logging.NewLogger(logging.ERROR, false)
	return New(cfg, remote, nil, logger), dataDir
}

func writeTask(t *testing.T, dataDir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dataDir, "tasks", name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	remote := &fakeRemote{}
	src, srcDir := testEngine(t, remote)
	writeTask(t, srcDir, "daily.yaml", "task: daily")

	if err := src.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	// A fresh instance with empty local state restores the snapshot
	dst, dstDir := testEngine(t, remote)
	if err := dst.PullOnStart(context.Background()); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "tasks", "daily.yaml"))
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(got) != "task: daily" {
		t.Errorf("restored content = %q", got)
	}
}

func TestPushConflictLeavesRemoteUntouched(t *testing.T) {
	remote := &fakeRemote{}
	e, dataDir := testEngine(t, remote)
	writeTask(t, dataDir, "a.yaml", "one")
	if err := e.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatal(err)
	}

	remote.bump()
	writesBefore := remote.writes

	writeTask(t, dataDir, "a.yaml", "two")
	err := e.Push(context.Background(), models.TriggerManual, false)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.LocalToken == conflict.RemoteToken {
		t.Errorf("conflict reports identical tokens %q", conflict.LocalToken)
	}
	if remote.writes != writesBefore {
		t.Error("conflicting push modified the remote")
	}

	// Confirmed push overrides
	if err := e.Push(context.Background(), models.TriggerManual, true); err != nil {
		t.Fatalf("confirmed push failed: %v", err)
	}
}

func TestPullOnStartMissingRemote(t *testing.T) {
	e, _ := testEngine(t, &fakeRemote{})
	if err := e.PullOnStart(context.Background()); err != nil {
		t.Fatalf("missing remote snapshot should not fail startup: %v", err)
	}
}

func TestPullRequiresConfirmWhenDirty(t *testing.T) {
	remote := &fakeRemote{}
	e, dataDir := testEngine(t, remote)
	writeTask(t, dataDir, "a.yaml", "one")
	if err := e.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatal(err)
	}

	e.Schedule(models.TriggerConfigChange)
	if err := e.Pull(context.Background(), false); !errors.Is(err, ErrConfirmRequired) {
		t.Fatalf("expected ErrConfirmRequired, got %v", err)
	}
	if err := e.Pull(context.Background(), true); err != nil {
		t.Fatalf("confirmed pull failed: %v", err)
	}
}

func TestPushRetriesTransientFailures(t *testing.T) {
	remote := &fakeRemote{}
	e, dataDir := testEngine(t, remote)
	writeTask(t, dataDir, "a.yaml", "one")
	if err := e.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatal(err)
	}

	remote.failN = 2
	writeTask(t, dataDir, "a.yaml", "two")
	if err := e.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatalf("push should survive transient failures: %v", err)
	}
}

func TestStatusPersistsAcrossRestart(t *testing.T) {
	remote := &fakeRemote{}
	e, dataDir := testEngine(t, remote)
	writeTask(t, dataDir, "a.yaml", "one")
	if err := e.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatal(err)
	}
	token := e.Status().ChangeToken
	if token == "" {
		t.Fatal("no change token after push")
	}

	// Same data dir, fresh engine: the observed token survives, so a
	// push without an intervening pull is not a false conflict.
	logger := logging.NewLogger(logging.ERROR, false)
	e2 := New(e.cfg, remote, nil, logger)
	if got := e2.Status().ChangeToken; got != token {
		t.Errorf("restarted engine token = %q, want %q", got, token)
	}
	writeTask(t, dataDir, "a.yaml", "two")
	if err := e2.Push(context.Background(), models.TriggerManual, false); err != nil {
		t.Fatalf("push after restart: %v", err)
	}
}

func TestFailedPullLeavesLocalStateIntact(t *testing.T) {
	remote := &fakeRemote{
		data:    []byte("not a valid encrypted bundle"),
		version: 1,
	}
	e, dataDir := testEngine(t, remote)
	writeTask(t, dataDir, "a.yaml", "precious")

	if err := e.PullOnStart(context.Background()); err == nil {
		t.Fatal("expected decrypt failure")
	}

	got, err := os.ReadFile(filepath.Join(dataDir, "tasks", "a.yaml"))
	if err != nil || string(got) != "precious" {
		t.Errorf("local state was disturbed: %q, %v", got, err)
	}
	if e.Status().LastError == "" {
		t.Error("failure not recorded in status")
	}
}

func TestScheduleCoalescesAndWorkerPushes(t *testing.T) {
	remote := &fakeRemote{}
	e, dataDir := testEngine(t, remote)
	writeTask(t, dataDir, "a.yaml", "one")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		e.Schedule(models.TriggerRunFinished)
	}

	deadline := time.After(5 * time.Second)
	for {
		remote.mu.Lock()
		pushed := remote.writes > 0
		remote.mu.Unlock()
		if pushed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never pushed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	// Clean queue: no further pushes while nothing is dirty
	if e.Status().LastError != "" {
		t.Errorf("unexpected error state: %s", e.Status().LastError)
	}
}

func TestDisabledEngine(t *testing.T) {
	dataDir := t.TempDir()
	logger := logging.NewLogger(logging.ERROR, false)
	e := New(Config{DataDir: dataDir}, nil, nil, logger)

	if e.Enabled() {
		t.Fatal("engine with no remote reports enabled")
	}
	if err := e.PullOnStart(context.Background()); err != nil {
		t.Errorf("disabled PullOnStart = %v", err)
	}
	if err := e.Push(context.Background(), models.TriggerManual, false); !errors.Is(err, ErrDisabled) {
		t.Errorf("disabled Push = %v", err)
	}
	if err := e.Pull(context.Background(), true); !errors.Is(err, ErrDisabled) {
		t.Errorf("disabled Pull = %v", err)
	}
	e.Schedule(models.TriggerTimer) // must not panic or block
}

func TestBundlePackUnpack(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(filepath.Join(sub, "alice"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "alice", "session.db"), []byte("binary"), 0o600); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(single, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	content, err := packBundle([]string{sub, single, filepath.Join(dir, "missing")})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	target := t.TempDir()
	manifest, err := unpackBundle(content, target)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(manifest.Paths) != 2 {
		t.Errorf("manifest paths = %v", manifest.Paths)
	}

	got, err := os.ReadFile(filepath.Join(target, "sessions", "alice", "session.db"))
	if err != nil || !bytes.Equal(got, []byte("binary")) {
		t.Errorf("nested file: %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(target, "accounts.json")); err != nil {
		t.Errorf("top-level file: %v", err)
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../escape", "a/../../b", "/etc/passwd"} {
		if err := checkEntryName(name); err == nil {
			t.Errorf("entry %q accepted", name)
		}
	}
	if err := checkEntryName("sessions/alice/session.db"); err != nil {
		t.Errorf("valid entry rejected: %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte("snapshot payload")
	sealed, err := sealBundle("passphrase", plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed bundle contains plaintext")
	}

	opened, err := openBundle("passphrase", sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip = %q", opened)
	}

	if _, err := openBundle("wrong", sealed); err == nil {
		t.Error("wrong passphrase accepted")
	}
}
