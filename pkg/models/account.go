package models

import "time"

// SessionStatus represents the credential session state of an account
type SessionStatus string

const (
	SessionLoggedOut SessionStatus = "logged_out"
	SessionLoggingIn SessionStatus = "logging_in"
	SessionLoggedIn  SessionStatus = "logged_in"
	SessionError     SessionStatus = "error"
)

// Account identifies one external credential session
type Account struct {
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
