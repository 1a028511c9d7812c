// Package apperrors defines the typed error taxonomy shared by the
// validator, transaction engines and the HTTP boundary.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy without relying on type switches
// at every call site.
type Kind string

const (
	KindValidation           Kind = "VALIDATION"
	KindBatchAlreadyCompleted Kind = "BATCH_ALREADY_COMPLETED"
	KindInsufficientInventory Kind = "INSUFFICIENT_INVENTORY"
	KindLotNotFound          Kind = "LOT_NOT_FOUND"
	KindBinInvalid           Kind = "BIN_INVALID"
	KindInvalidCredentials   Kind = "INVALID_CREDENTIALS"
	KindDirectoryUnreachable Kind = "DIRECTORY_UNREACHABLE"
	KindTransientConflict    Kind = "TRANSIENT_CONFLICT"
	KindTransactionFailed    Kind = "TRANSACTION_FAILED"
	KindNotFound             Kind = "NOT_FOUND"
	KindInternal             Kind = "INTERNAL"
)

// Error is the concrete error type carried through the service layer up
// to the HTTP boundary.
type Error struct {
	Kind    Kind
	Message string
	// Phase records which of the five pick phases failed, when applicable.
	Phase int
	// MaxAllowed is populated for over-pick / insufficient-inventory errors.
	MaxAllowed float64
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}

// BatchAlreadyCompleted carries the fixed user-visible message required
// by the already-completed check (§4.3.3).
func BatchAlreadyCompleted() *Error {
	return New(KindBatchAlreadyCompleted, "This batch is already completed. Please refresh to load the next batch.")
}

func InsufficientInventory(maxAllowed float64) *Error {
	return &Error{
		Kind:       KindInsufficientInventory,
		Message:    "requested quantity exceeds available inventory",
		MaxAllowed: maxAllowed,
	}
}

func OverPick(maxAllowedUnits float64) *Error {
	return &Error{
		Kind:       KindValidation,
		Message:    "requested units exceed remaining units for this batch line",
		MaxAllowed: maxAllowedUnits,
	}
}

func LotNotFound(lotNo string) *Error {
	return New(KindLotNotFound, fmt.Sprintf("lot %q not found", lotNo))
}

func BinInvalid(binNo string) *Error {
	return New(KindBinInvalid, fmt.Sprintf("bin %q is not a valid scan target", binNo))
}

func InvalidCredentials() *Error {
	return New(KindInvalidCredentials, "invalid username or password")
}

func DirectoryUnreachable(cause error) *Error {
	return Wrap(KindDirectoryUnreachable, "directory service unreachable", cause)
}

func TransientConflict(cause error) *Error {
	return Wrap(KindTransientConflict, "transient database conflict", cause)
}

func TransactionFailed(phase int, cause error) *Error {
	return &Error{
		Kind:    KindTransactionFailed,
		Message: fmt.Sprintf("phase %d failed", phase),
		Phase:   phase,
		cause:   cause,
	}
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// As retrieves the *Error from any error chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err does not carry one.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the HTTP status code the API boundary should use.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation, KindBatchAlreadyCompleted, KindInsufficientInventory:
		return 422
	case KindLotNotFound, KindBinInvalid, KindNotFound:
		return 404
	case KindInvalidCredentials:
		return 401
	case KindDirectoryUnreachable:
		return 503
	case KindTransientConflict:
		return 409
	case KindTransactionFailed:
		return 500
	default:
		return 500
	}
}
