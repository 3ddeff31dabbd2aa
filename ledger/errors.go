/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Boundary:   ErrUnauthorized
  2. Documents:  ErrNotFound, ErrInvalidRecord, ErrDuplicateID,
                 ErrInactiveReference
  3. Guard:      ErrCheckFailed, ErrDeleteDenied
  4. Store:      ErrTransactionAborted, ErrStaleRecord, ErrStoreUnavailable
  5. Steps:      ErrInsertFailed, ErrDocumentUpdateFailed,
                 ErrProductUpdateFailed, ErrVendorUpdateFailed

USAGE:
  Stores wrap driver errors with one of the store sentinels. The engine
  wraps a failing sub-write in a *StepError, which matches both the step
  sentinel and the cause:

    errors.Is(err, ledger.ErrProductUpdateFailed) // true
    errors.Is(err, ledger.ErrNotFound)            // true

  ErrorCode / ErrorFromCode translate to and from the stable string codes
  used on the wire.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when no caller identity is present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a filter matched no document.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidRecord is returned for malformed input (negative qty, empty id...).
	ErrInvalidRecord = errors.New("invalid record")

	// ErrDuplicateID is returned when an insert collides with an existing id.
	ErrDuplicateID = fmt.Errorf("duplicate id: %w", ErrInvalidRecord)

	// ErrInactiveReference is returned when an operation would make a
	// transaction active against a soft-deleted product or vendor.
	ErrInactiveReference = errors.New("referenced product or vendor is inactive")

	// ErrCheckFailed is returned when a deletion-guard query could not complete.
	// It is distinct from a guard that answered "not allowed".
	ErrCheckFailed = errors.New("deletion check failed")

	// ErrDeleteDenied is returned when a soft delete is refused because active
	// transaction history still references the record.
	ErrDeleteDenied = errors.New("record has active transactions")

	// ErrTransactionAborted is returned when the store rolled back the unit,
	// including write conflicts.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrStaleRecord is returned when the caller's copy of a document no longer
	// matches the stored one. It matches ErrTransactionAborted as well.
	ErrStaleRecord = fmt.Errorf("stale record: %w", ErrTransactionAborted)

	// ErrStoreUnavailable is returned on connectivity failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInsertFailed         = errors.New("insert failed")
	ErrDocumentUpdateFailed = errors.New("document update failed")
	ErrProductUpdateFailed  = errors.New("product update failed")
	ErrVendorUpdateFailed   = errors.New("vendor update failed")
)

// =============================================================================
// OPERATIONS AND STEPS
// =============================================================================

// Operation names an engine entry point. Used in logs, spans and errors.
type Operation string

const (
	OpRecordIncoming  Operation = "recordIncoming"
	OpEditIncoming    Operation = "editIncoming"
	OpVoidIncoming    Operation = "voidIncoming"
	OpRestoreIncoming Operation = "restoreIncoming"
	OpRecordPayment   Operation = "recordPayment"
	OpVoidPayment     Operation = "voidPayment"
	OpRestorePayment  Operation = "restorePayment"

	OpAddProduct     Operation = "addProduct"
	OpDeleteProduct  Operation = "deleteProduct"
	OpRestoreProduct Operation = "restoreProduct"
	OpAddVendor      Operation = "addVendor"
	OpDeleteVendor   Operation = "deleteVendor"
	OpRestoreVendor  Operation = "restoreVendor"

	OpCanDeleteProduct Operation = "canDeleteProduct"
	OpCanDeleteVendor  Operation = "canDeleteVendor"
	OpList             Operation = "list"
	OpAudit            Operation = "audit"
)

// mutates reports whether op writes to the store.
func (op Operation) mutates() bool {
	switch op {
	case OpCanDeleteProduct, OpCanDeleteVendor, OpList, OpAudit:
		return false
	}
	return true
}

// Step names a sub-write inside an atomic unit.
type Step string

const (
	StepInsert         Step = "insert"
	StepDocumentUpdate Step = "document update"
	StepProductUpdate  Step = "product update"
	StepVendorUpdate   Step = "vendor update"
)

func (s Step) sentinel() error {
	switch s {
	case StepInsert:
		return ErrInsertFailed
	case StepProductUpdate:
		return ErrProductUpdateFailed
	case StepVendorUpdate:
		return ErrVendorUpdateFailed
	default:
		return ErrDocumentUpdateFailed
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StepError reports which sub-write of an operation failed.
type StepError struct {
	Op   Operation
	Step Step
	ID   string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Op, e.Step, e.ID, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{e.Step.sentinel(), e.Err}
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRecord }

// RemoteError is an error decoded from a wire code. It matches the
// sentinel that produced the code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return codeSentinels[e.Code] }

// =============================================================================
// WIRE CODES
// =============================================================================

const (
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeInvalid            = "invalid"
	CodeInactiveReference  = "inactive_reference"
	CodeDeleteDenied       = "delete_denied"
	CodeCheckFailed        = "check_failed"
	CodeTransactionAborted = "transaction_aborted"
	CodeStoreUnavailable   = "store_unavailable"
	CodeInternal           = "internal"
)

var codeSentinels = map[string]error{
	CodeUnauthorized:       ErrUnauthorized,
	CodeNotFound:           ErrNotFound,
	CodeInvalid:            ErrInvalidRecord,
	CodeInactiveReference:  ErrInactiveReference,
	CodeDeleteDenied:       ErrDeleteDenied,
	CodeCheckFailed:        ErrCheckFailed,
	CodeTransactionAborted: ErrTransactionAborted,
	CodeStoreUnavailable:   ErrStoreUnavailable,
}

// ErrorCode classifies err into a wire code. Order matters: a guard failure
// caused by connectivity is reported as check_failed.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidRecord):
		return CodeInvalid
	case errors.Is(err, ErrCheckFailed):
		return CodeCheckFailed
	case errors.Is(err, ErrInactiveReference):
		return CodeInactiveReference
	case errors.Is(err, ErrDeleteDenied):
		return CodeDeleteDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTransactionAborted):
		return CodeTransactionAborted
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds an error from a wire code and message.
func ErrorFromCode(code, message string) error {
	if message == "" {
		message = code
	}
	return &RemoteError{Code: code, Message: message}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry after a reload.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted) || errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInactiveReference) ||
		errors.Is(err, ErrDeleteDenied) ||
		errors.Is(err, ErrNotFound)
}

// IsDeleteDenied reports whether err is a guarded-delete refusal.
func IsDeleteDenied(err error) bool {
	return errors.Is(err, ErrDeleteDenied)
}
