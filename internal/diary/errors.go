package diary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingPageAPI  = errors.New("page api is required")
)

// ServiceError carries an "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError coded "operation.reason".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// TransientAPIError is a document API failure worth retrying: network
// errors, timeouts, rate limiting and 5xx responses.
type TransientAPIError struct {
	Op  string
	Err error
}

func (e *TransientAPIError) Error() string {
	return fmt.Sprintf("transient api error during %s: %v", e.Op, e.Err)
}

func (e *TransientAPIError) Unwrap() error {
	return e.Err
}

// PermanentAPIError is a document API failure that retrying cannot fix,
// such as validation or authorization errors.
type PermanentAPIError struct {
	Op     string
	Status int
	Code   string
	Err    error
}

func (e *PermanentAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("permanent api error during %s: status=%d code=%s: %v", e.Op, e.Status, e.Code, e.Err)
	}
	return fmt.Sprintf("permanent api error during %s: status=%d: %v", e.Op, e.Status, e.Err)
}

func (e *PermanentAPIError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError wraps the last transient failure once the retry
// budget for a single call is spent.
type RetriesExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// ConflictError reports a uniqueness violation on an entry or mapping row.
type ConflictError struct {
	Table string
	Key   string
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s key %q: %v", e.Table, e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// ConsistencyError reports a message whose mapping rows break the
// contiguous 0..k-1 ordering.
type ConsistencyError struct {
	MessageID string
	Reason    string
	Orders    []int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent block mapping for message %s: %s (orders %v)", e.MessageID, e.Reason, e.Orders)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientAPIError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is a non-retryable API failure.
func IsPermanent(err error) bool {
	var permanent *PermanentAPIError
	return errors.As(err, &permanent)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value") ||
		strings.Contains(message, "sqlstate 23505")
}
