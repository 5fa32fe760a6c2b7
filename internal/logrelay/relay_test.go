package logrelay

import (
	"bytes"
	"testing"
	"time"

	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/models"
)

func newRelay(t *testing.T) *Relay {
	t.Helper()
	return New(t.TempDir(), logging.NewLogger(logging.ERROR, false))
}

// collect drains an event stream into (content, finalStatus)
func collect(t *testing.T, events <-chan Event) ([]byte, models.RunStatus) {
	t.Helper()
	var buf bytes.Buffer
	var final models.RunStatus
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return buf.Bytes(), final
			}
			if ev.Status != "" {
				final = ev.Status
			}
			buf.Write(ev.Chunk)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestLiveAttachSeesAllChunksInOrder(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	events, cancel, err := r.Attach("r1", 0, "")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer cancel()

	want := []byte("line one\nline two\nline three\n")
	go func() {
		r.Write("r1", []byte("line one\n"))
		r.Write("r1", []byte("line two\n"))
		r.Write("r1", []byte("line three\n"))
		r.Finish("r1", models.RunStatusSuccess)
	}()

	got, final := collect(t, events)
	if !bytes.Equal(got, want) {
		t.Errorf("stream content = %q, want %q", got, want)
	}
	if final != models.RunStatusSuccess {
		t.Errorf("final status = %q, want success", final)
	}
}

func TestMultipleAttachmentsAllReceiveBroadcast(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	const observers = 3
	type result struct {
		content []byte
		final   models.RunStatus
	}
	results := make(chan result, observers)

	for i := 0; i < observers; i++ {
		events, cancel, err := r.Attach("r1", 0, "")
		if err != nil {
			t.Fatalf("Attach %d failed: %v", i, err)
		}
		go func() {
			defer cancel()
			content, final := collect(t, events)
			results <- result{content, final}
		}()
	}

	r.Write("r1", []byte("hello "))
	r.Write("r1", []byte("world"))
	r.Finish("r1", models.RunStatusFailed)

	for i := 0; i < observers; i++ {
		res := <-results
		if string(res.content) != "hello world" {
			t.Errorf("observer %d content = %q, want %q", i, res.content, "hello world")
		}
		if res.final != models.RunStatusFailed {
			t.Errorf("observer %d final = %q, want failed", i, res.final)
		}
	}
}

func TestLateAttachReplaysHistoryThenStatus(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Write("r1", []byte("all of the output\n"))
	r.Finish("r1", models.RunStatusStopped)

	// Attach after the run already finished: full history, one status
	// event, no live segment. The caller supplies the terminal status
	// from the ledger.
	events, cancel, err := r.Attach("r1", 0, models.RunStatusStopped)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer cancel()

	got, final := collect(t, events)
	if string(got) != "all of the output\n" {
		t.Errorf("content = %q", got)
	}
	if final != models.RunStatusStopped {
		t.Errorf("final = %q, want stopped", final)
	}
}

func TestAttachFromOffsetSkipsReplayedBytes(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Write("r1", []byte("0123456789"))
	r.Finish("r1", models.RunStatusSuccess)

	events, cancel, err := r.Attach("r1", 4, models.RunStatusSuccess)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer cancel()

	got, _ := collect(t, events)
	if string(got) != "456789" {
		t.Errorf("content = %q, want %q", got, "456789")
	}
}

func TestAttachUntrackedRunUsesLedgerStatus(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Write("r1", []byte("from a previous instance\n"))
	r.Finish("r1", models.RunStatusSuccess)

	// Simulate a relay restart: new relay over the same directory has
	// no in-memory stream, only the persisted log.
	r2 := New(r.runsDir, logging.NewLogger(logging.ERROR, false))
	events, cancel, err := r2.Attach("r1", 0, models.RunStatusFailed)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer cancel()

	got, final := collect(t, events)
	if string(got) != "from a previous instance\n" {
		t.Errorf("content = %q", got)
	}
	if final != models.RunStatusFailed {
		t.Errorf("final = %q, want failed (from ledger)", final)
	}

	// Without a terminal status there is nothing to end the stream with
	if _, _, err := r2.Attach("r1", 0, models.RunStatusRunning); err == nil {
		t.Error("expected Attach of untracked run without terminal status to fail")
	}
}

func TestWriteAfterFinishRejected(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Finish("r1", models.RunStatusSuccess)
	if err := r.Write("r1", []byte("too late")); err == nil {
		t.Error("expected write after finish to fail")
	}
}

func TestReadRange(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Write("r1", []byte("0123456789"))

	data, next, err := r.ReadRange("r1", 2, 4)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if string(data) != "2345" {
		t.Errorf("data = %q, want %q", data, "2345")
	}
	if next != 6 {
		t.Errorf("next = %d, want 6", next)
	}

	// Past the end: empty, offset unchanged
	data, next, err = r.ReadRange("r1", 100, 4)
	if err != nil {
		t.Fatalf("ReadRange past end failed: %v", err)
	}
	if len(data) != 0 || next != 100 {
		t.Errorf("past-end read = (%q, %d)", data, next)
	}

	// Unknown run: no error, nothing to read
	data, next, err = r.ReadRange("nope", 0, 10)
	if err != nil || len(data) != 0 || next != 0 {
		t.Errorf("unknown run read = (%q, %d, %v)", data, next, err)
	}
}

func TestCancelDetachesObserver(t *testing.T) {
	r := newRelay(t)
	if err := r.Open("r1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	events, cancel, err := r.Attach("r1", 0, "")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	cancel()

	// Channel closes promptly even though the run never finishes
	select {
	case _, ok := <-events:
		if ok {
			// drain until closed
			for range events {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestFinishedStreamsAreReleased(t *testing.T) {
	r := newRelay(t)

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := r.Open(id); err != nil {
			t.Fatalf("Open %s failed: %v", id, err)
		}
		r.Write(id, []byte("output for "+id+"\n"))
		r.Finish(id, models.RunStatusSuccess)
	}

	r.mu.Lock()
	tracked := len(r.streams)
	r.mu.Unlock()
	if tracked != 0 {
		t.Errorf("%d finished streams still tracked, want 0", tracked)
	}

	// History is still served from the persisted log
	events, cancel, err := r.Attach("r2", 0, models.RunStatusSuccess)
	if err != nil {
		t.Fatalf("Attach after release failed: %v", err)
	}
	defer cancel()
	got, final := collect(t, events)
	if string(got) != "output for r2\n" {
		t.Errorf("content = %q", got)
	}
	if final != models.RunStatusSuccess {
		t.Errorf("final = %q, want success", final)
	}
}
