package sessions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/runforge/runforge/pkg/models"
)

func TestSessionLifecycle(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if store.HasValidSession("alice") {
		t.Fatal("fresh account has a session")
	}

	dir, err := store.SessionDir("alice")
	if err != nil {
		t.Fatal(err)
	}
	if store.HasValidSession("alice") {
		t.Fatal("empty session dir counts as a session")
	}

	if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !store.HasValidSession("alice") {
		t.Fatal("session file not detected")
	}

	if err := store.DeleteSession("alice"); err != nil {
		t.Fatal(err)
	}
	if store.HasValidSession("alice") {
		t.Fatal("session survives deletion")
	}
}

func TestStatusPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.SessionDir("alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sess, "session.db"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus("alice", models.SessionLoggedIn, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus("bob", models.SessionError, "code expired"); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.GetAccount("alice").Status; got != models.SessionLoggedIn {
		t.Errorf("alice status = %s", got)
	}
	bob := reopened.GetAccount("bob")
	if bob.Status != models.SessionError || bob.LastError != "code expired" {
		t.Errorf("bob = %+v", bob)
	}
	if got := reopened.ListAccounts(); len(got) != 2 || got[0].Name != "alice" {
		t.Errorf("accounts = %+v", got)
	}
}

func TestLoggedInWithoutFilesIsStale(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus("alice", models.SessionLoggedIn, ""); err != nil {
		t.Fatal(err)
	}
	if got := store.GetAccount("alice").Status; got != models.SessionLoggedOut {
		t.Errorf("status = %s, want logged_out when no session files exist", got)
	}
}

func TestInvalidAccountNames(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../x", "a/b", ".hidden"} {
		if _, err := store.SessionDir(name); err == nil {
			t.Errorf("name %q accepted", name)
		}
		if store.HasValidSession(name) {
			t.Errorf("name %q has a session", name)
		}
	}
}
