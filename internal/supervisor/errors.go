package supervisor

import (
	"errors"
	"fmt"
)

// ErrValidation marks malformed launch parameters
var ErrValidation = errors.New("validation error")

// ConflictError is returned when an account's exclusivity slot is held.
// It names the blocking run so a caller can surface it.
type ConflictError struct {
	AccountName   string
	BlockingRunID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("account %s already has active run %s", e.AccountName, e.BlockingRunID)
}
