package models

import "time"

// Task is a named, versioned configuration bound to one account.
// The core reads it at run-start time and never mutates it; the
// configuration layer that writes tasks lives outside this module.
type Task struct {
	Name        string                 `json:"name" yaml:"name"`
	Kind        string                 `json:"kind" yaml:"kind"`
	AccountName string                 `json:"account_name" yaml:"account_name"`
	Enabled     bool                   `json:"enabled" yaml:"enabled"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at" yaml:"updated_at"`
}
