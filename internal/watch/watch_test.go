package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/models"
)

type recordingScheduler struct {
	mu       sync.Mutex
	triggers []models.SyncTrigger
}

func (s *recordingScheduler) Schedule(trigger models.SyncTrigger) {
	s.mu.Lock()
	s.triggers = append(s.triggers, trigger)
	s.mu.Unlock()
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatcherSchedulesOnChange(t *testing.T) {
	dir := t.TempDir()
	sched := &recordingScheduler{}
	logger := logging.NewLogger(logging.ERROR, false)

	w, err := New(sched, logger, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), []byte("kind: checkin\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sched.count() > 0 }, "change never scheduled a sync")

	sched.mu.Lock()
	trigger := sched.triggers[0]
	sched.mu.Unlock()
	if trigger != models.TriggerConfigChange {
		t.Errorf("trigger = %s", trigger)
	}
}

func TestWatcherIgnoresTempAndHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	sched := &recordingScheduler{}
	logger := logging.NewLogger(logging.ERROR, false)

	w, err := New(sched, logger, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "task.yaml.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := sched.count(); got != 0 {
		t.Errorf("scheduled %d triggers for ignored files", got)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	sched := &recordingScheduler{}
	logger := logging.NewLogger(logging.ERROR, false)

	w, err := New(sched, logger, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	path := filepath.Join(dir, "task.yaml")
	for i := 0; i < 10; i++ {
		if err := os.WriteFile(path, []byte("kind: checkin\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return sched.count() > 0 }, "burst never scheduled a sync")
	time.Sleep(300 * time.Millisecond)
	if got := sched.count(); got > 3 {
		t.Errorf("burst of 10 writes produced %d triggers", got)
	}
}

func TestWatcherSurvivesMissingDir(t *testing.T) {
	sched := &recordingScheduler{}
	logger := logging.NewLogger(logging.ERROR, false)

	w, err := New(sched, logger, filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("missing dir should not fail construction: %v", err)
	}
	w.Close()
}
