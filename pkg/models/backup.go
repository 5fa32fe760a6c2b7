package models

import "time"

// BackupState describes the sync engine's view of the remote snapshot
type BackupState struct {
	Enabled     bool       `json:"enabled"`
	RemoteURL   string     `json:"remote_url,omitempty"`
	ChangeToken string     `json:"change_token,omitempty"` // last remote fingerprint observed by this instance
	LastPullAt  *time.Time `json:"last_pull_at,omitempty"`
	LastPushAt  *time.Time `json:"last_push_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// SyncTrigger names the event that requested a snapshot push
type SyncTrigger string

const (
	TriggerLogin        SyncTrigger = "login"
	TriggerLogout       SyncTrigger = "logout"
	TriggerConfigChange SyncTrigger = "config_change"
	TriggerRunFinished  SyncTrigger = "run_finished"
	TriggerTimer        SyncTrigger = "timer"
	TriggerManual       SyncTrigger = "manual"
)
