package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidInput     = errors.New("invalid input")
	ErrMultipleMatches  = errors.New("multiple tickets match")
	ErrCacheUnavailable = errors.New("mapping cache unavailable")
	ErrUnmappedValue    = errors.New("value has no configured mapping")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeFormat      ErrorType = "format"
	ErrorTypeAPI         ErrorType = "api"
	ErrorTypeConsistency ErrorType = "consistency"
	ErrorTypeCache       ErrorType = "cache"
	ErrorTypeConfig      ErrorType = "config"
)

// SyncError is a structured error for reconciliation operations
type SyncError struct {
	Type       ErrorType
	Op         string   // Operation that failed (e.g., "upsert_task", "search")
	Key        string   // Identity key of the finding or ticket involved
	TicketIDs  []string // Remote ticket keys involved, if any
	Err        error    // Underlying error
	StatusCode int      // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Key != "" {
		fmt.Fprintf(&b, " for %s", e.Key)
	}
	if len(e.TicketIDs) > 0 {
		fmt.Fprintf(&b, " (tickets %s)", strings.Join(e.TicketIDs, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrMultipleMatches:
		return e.Type == ErrorTypeConsistency
	case ErrCacheUnavailable:
		return e.Type == ErrorTypeCache
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrNotFound:
		return e.StatusCode == 404
	}

	return errors.Is(e.Err, target)
}

// NewSyncError creates a new SyncError
func NewSyncError(errorType ErrorType, op, key string, err error) *SyncError {
	return &SyncError{
		Type:      errorType,
		Op:        op,
		Key:       key,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithTickets attaches the remote ticket keys involved in the failure
func (e *SyncError) WithTickets(ids ...string) *SyncError {
	e.TicketIDs = append(e.TicketIDs, ids...)
	return e
}

// WithStatusCode adds HTTP status code to the error
func (e *SyncError) WithStatusCode(code int) *SyncError {
	e.StatusCode = code
	return e
}

// Helper functions

// WrapFormatError wraps a malformed-finding error
func WrapFormatError(op, key string, err error) error {
	return NewSyncError(ErrorTypeFormat, op, key, err)
}

// WrapAPIError wraps a remote request failure with its status code
func WrapAPIError(op, key string, err error, statusCode int) error {
	return NewSyncError(ErrorTypeAPI, op, key, err).WithStatusCode(statusCode)
}

// WrapCacheError wraps a mapping cache failure
func WrapCacheError(op, key string, err error) error {
	return NewSyncError(ErrorTypeCache, op, key, err)
}

// WrapConfigError wraps a configuration problem
func WrapConfigError(op, key string, err error) error {
	return NewSyncError(ErrorTypeConfig, op, key, err)
}

// MultipleMatches reports a search that returned more than one ticket for a unique predicate
func MultipleMatches(op, key string, ticketIDs []string) error {
	return NewSyncError(ErrorTypeConsistency, op, key, ErrMultipleMatches).WithTickets(ticketIDs...)
}

// TypeOf returns the category of err, or "" when it is not a SyncError
func TypeOf(err error) ErrorType {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Type
	}
	return ""
}

// IsFatal reports whether err must stop the whole run rather than a single finding.
// Consistency, cache and config failures are always fatal, as are malformed identity keys.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch TypeOf(err) {
	case ErrorTypeConsistency, ErrorTypeCache, ErrorTypeConfig:
		return true
	case ErrorTypeFormat, ErrorTypeAPI:
		return false
	}
	return errors.Is(err, ErrMultipleMatches) || errors.Is(err, ErrCacheUnavailable)
}

// IsAPIError checks if an error came from a remote request
func IsAPIError(err error) bool {
	return TypeOf(err) == ErrorTypeAPI
}
