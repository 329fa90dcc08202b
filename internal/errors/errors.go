// Package errors defines the closed failure taxonomy shared by every
// mixer component. Each failure maps to exactly one Kind; retry policy,
// audit severity and HTTP status all derive from the kind rather than
// from string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindInputValidation marks malformed or out-of-range caller input.
	KindInputValidation Kind = "INPUT_VALIDATION"
	// KindPolicyRejection marks security or compliance refusals.
	KindPolicyRejection Kind = "POLICY_REJECTION"
	// KindInsufficientFunds marks balance or liquidity shortfalls.
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	// KindDoubleSpend marks key image or input reuse.
	KindDoubleSpend Kind = "DOUBLE_SPEND"
	// KindProtocolViolation marks participant misbehaviour in a session.
	KindProtocolViolation Kind = "PROTOCOL_VIOLATION"
	// KindTimeout marks deadline and phase-window expiry.
	KindTimeout Kind = "TIMEOUT"
	// KindTransient marks retryable infrastructure failures.
	KindTransient Kind = "TRANSIENT"
	// KindFatal marks unrecoverable internal failures.
	KindFatal Kind = "FATAL"
)

// Error is the canonical error value. It carries the kind, the failing
// operation and optional structured details alongside a wrapped cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap exposes the cause to stdlib errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is lets two taxonomy errors match on kind, so callers can write
// errors.Is(err, errors.DoubleSpend("")) style sentinels if they want.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithOp returns a copy annotated with the failing operation.
func (e *Error) WithOp(op string) *Error {
	clone := *e
	clone.Op = op
	return &clone
}

// WithDetails returns a copy with one structured detail appended.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	clone := *e
	clone.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// ===== Constructors =====

// InputValidation builds a caller-input failure.
func InputValidation(msg string) *Error {
	return &Error{Kind: KindInputValidation, Message: msg}
}

// InputValidationf builds a formatted caller-input failure.
func InputValidationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInputValidation, Message: fmt.Sprintf(format, args...)}
}

// PolicyRejection builds a security or compliance refusal.
func PolicyRejection(msg string) *Error {
	return &Error{Kind: KindPolicyRejection, Message: msg}
}

// InsufficientFunds builds a balance shortfall failure.
func InsufficientFunds(msg string) *Error {
	return &Error{Kind: KindInsufficientFunds, Message: msg}
}

// DoubleSpend builds a key image or input reuse failure.
func DoubleSpend(msg string) *Error {
	return &Error{Kind: KindDoubleSpend, Message: msg}
}

// ProtocolViolation builds a session misbehaviour failure.
func ProtocolViolation(msg string) *Error {
	return &Error{Kind: KindProtocolViolation, Message: msg}
}

// Timeout builds a deadline expiry failure.
func Timeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Message: msg}
}

// Transient builds a retryable infrastructure failure around a cause.
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// Fatal builds an unrecoverable failure around a cause.
func Fatal(msg string, err error) *Error {
	return &Error{Kind: KindFatal, Message: msg, Err: err}
}

// Wrap attaches a kind and message to an existing cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// ===== Classification =====

// AsError extracts the nearest taxonomy error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of an error. Untagged non-nil errors classify
// as TRANSIENT so that bounded retry, not a crash, is the default
// response to surprises.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the engine may retry the failed step.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the failure must end the owning request.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindFatal, KindPolicyRejection, KindDoubleSpend:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the API response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInputValidation:
		return http.StatusBadRequest
	case KindPolicyRejection:
		return http.StatusForbidden
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindDoubleSpend, KindProtocolViolation:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Is and As re-export the stdlib helpers so importers of this package
// do not need a second aliased errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As re-exports stdlib errors.As.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New re-exports stdlib errors.New for plain sentinel values.
func New(text string) error { return stderrors.New(text) }
