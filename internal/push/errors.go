// Package push applies batches of client mutations against canonical storage.
package push

import (
	"errors"
	"fmt"
)

const (
	opHandlerNew    = "push.handler.new"
	opDispatcherNew = "push.dispatcher.new"
	opHandle        = "push.handle"
	opDispatch      = "push.dispatch"

	reasonMissingDB        = "missing_database"
	reasonMissingEvents    = "missing_event_log"
	reasonMissingResolver  = "missing_resolver"
	reasonMissingGranter   = "missing_granter"
	reasonMissingDispatch  = "missing_dispatcher"
	reasonIdentityNotFound = "identity_not_found"
	reasonResolveFailed    = "resolve_failed"
	reasonCursorFailed     = "cursor_failed"
	reasonApplyFailed      = "apply_failed"
	reasonPanic            = "panic"
)

// Client-visible per-mutation error messages.
const (
	msgAccessDenied    = "Access denied to this baby"
	msgBabyNotFound    = "Baby not found"
	msgEntityNotFound  = "Entity not found"
	msgEntityExists    = "Entity already exists"
	msgBabyIDRequired  = "Baby ID is required"
	msgUnknownType     = "Unknown entity type: "
	msgUnknownOp       = "Unknown operation: "
	msgInvalidPayload  = "Invalid payload: "
	msgInvalidEntityID = "Invalid entity id"
)

var (
	// ErrIdentityNotFound aborts a whole batch when the caller has no caregiver record.
	ErrIdentityNotFound = errors.New("push: identity not found")
	errMissingDatabase  = errors.New("database handle is required")
	errMissingEvents    = errors.New("event log is required")
	errMissingResolver  = errors.New("access resolver is required")
	errMissingGranter   = errors.New("access granter is required")
	errMissingDispatch  = errors.New("dispatcher is required")
)

// ServiceError mirrors the dotted operation.reason codes used across the backend.
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}
