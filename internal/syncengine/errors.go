package syncengine

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncNetwork is a retryable transport failure (including timeouts).
	ErrSyncNetwork = errors.New("sync network error")

	// ErrRetryBudgetExhausted means an outbox entry permanently failed and
	// left automatic retry.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrPaused means the circuit breaker is open and only a forced cycle
	// may run.
	ErrPaused = errors.New("sync paused")
)

// SyncError represents an error detected during a sync cycle.
//
// SyncError includes structured fields for diagnostics and for the operator
// listing of failed work.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Table and RecordID identify the affected record, when there is one.
	Table    string
	RecordID string

	// EntryID identifies the outbox entry, when there is one.
	EntryID string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeNetwork indicates a transport failure or timeout.
	ErrCodeNetwork SyncErrorCode = "SYNC_NETWORK"

	// ErrCodeRetryBudgetExhausted indicates an entry moved to failed.
	ErrCodeRetryBudgetExhausted SyncErrorCode = "RETRY_BUDGET_EXHAUSTED"

	// ErrCodePaused indicates the breaker suppressed an automatic cycle.
	ErrCodePaused SyncErrorCode = "PAUSED"

	// ErrCodeStorage indicates a local storage failure during the cycle.
	ErrCodeStorage SyncErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Table != "" {
		msg += fmt.Sprintf(" (record=%s/%s", e.Table, e.RecordID)
		if e.EntryID != "" {
			msg += ", entry=" + e.EntryID
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the category sentinel and the cause to errors.Is.
func (e *SyncError) Unwrap() []error {
	var out []error
	switch e.Code {
	case ErrCodeNetwork:
		out = append(out, ErrSyncNetwork)
	case ErrCodeRetryBudgetExhausted:
		out = append(out, ErrRetryBudgetExhausted)
	case ErrCodePaused:
		out = append(out, ErrPaused)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsNetworkError returns true if the error is a retryable transport failure.
// Uses errors.Is to handle wrapped errors.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrSyncNetwork)
}

func newNetworkError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeNetwork, Message: op + " failed", Err: err}
}

func newExhaustedError(table, recordID, entryID string, retries int, cause string) *SyncError {
	return &SyncError{
		Code:     ErrCodeRetryBudgetExhausted,
		Message:  fmt.Sprintf("gave up after %d attempts, last error: %s", retries, cause),
		Table:    table,
		RecordID: recordID,
		EntryID:  entryID,
	}
}

func newStorageError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStorage, Message: op + " failed", Err: err}
}
