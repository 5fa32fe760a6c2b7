// Package sessions tracks per-account credential sessions as files on
// disk. A session belongs to the worker process that created it; this
// layer only checks for existence and removes sessions on logout.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runforge/runforge/pkg/models"
)

const accountsFileName = "accounts.json"

// Store manages session files under <dir>/<account>/ and the account
// status book kept next to them.
type Store struct {
	dir string

	mu       sync.Mutex
	accounts map[string]*models.Account
}

// NewStore opens the session directory and loads prior account state
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	s := &Store{dir: dir, accounts: make(map[string]*models.Account)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the root session directory
func (s *Store) Dir() string {
	return s.dir
}

// SessionDir returns the per-account session directory, creating it
func (s *Store) SessionDir(accountName string) (string, error) {
	if err := validName(accountName); err != nil {
		return "", err
	}
	dir := filepath.Join(s.dir, accountName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// HasValidSession reports whether the account has session material on
// disk. Presence of any regular file in the account dir counts; the
// worker owns the file format.
func (s *Store) HasValidSession(accountName string) bool {
	if validName(accountName) != nil {
		return false
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, accountName))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return true
		}
	}
	return false
}

// DeleteSession removes the account's session material
func (s *Store) DeleteSession(accountName string) error {
	if err := validName(accountName); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, accountName)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SetStatus records the account's session status and persists the book
func (s *Store) SetStatus(accountName string, status models.SessionStatus, lastError string) error {
	if err := validName(accountName); err != nil {
		return err
	}
	s.mu.Lock()
	acct, ok := s.accounts[accountName]
	if !ok {
		acct = &models.Account{Name: accountName}
		s.accounts[accountName] = acct
	}
	acct.Status = status
	acct.LastError = lastError
	acct.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	return s.save()
}

// GetAccount returns the recorded state for one account, reconciled
// with what is actually on disk
func (s *Store) GetAccount(accountName string) *models.Account {
	s.mu.Lock()
	acct, ok := s.accounts[accountName]
	var out models.Account
	if ok {
		out = *acct
	} else {
		out = models.Account{Name: accountName, Status: models.SessionLoggedOut}
	}
	s.mu.Unlock()

	// A recorded login without session files is stale
	if out.Status == models.SessionLoggedIn && !s.HasValidSession(accountName) {
		out.Status = models.SessionLoggedOut
	}
	return &out
}

// ListAccounts returns all known accounts sorted by name
func (s *Store) ListAccounts() []*models.Account {
	s.mu.Lock()
	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	accounts := make([]*models.Account, 0, len(names))
	for _, name := range names {
		accounts = append(accounts, s.GetAccount(name))
	}
	return accounts
}

func (s *Store) accountsPath() string {
	return filepath.Join(s.dir, accountsFileName)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.accountsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read account book: %w", err)
	}
	var accounts []*models.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return fmt.Errorf("corrupt account book: %w", err)
	}
	s.mu.Lock()
	for _, acct := range accounts {
		s.accounts[acct.Name] = acct
	}
	s.mu.Unlock()
	return nil
}

// save writes the account book atomically (tmp + rename)
func (s *Store) save() error {
	s.mu.Lock()
	accounts := make([]*models.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		copied := *acct
		accounts = append(accounts, &copied)
	}
	s.mu.Unlock()
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })

	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.accountsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write account book: %w", err)
	}
	if err := os.Rename(tmp, s.accountsPath()); err != nil {
		return fmt.Errorf("failed to replace account book: %w", err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid account name %q", name)
	}
	return nil
}
