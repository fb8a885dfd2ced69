package errors

import (
	"errors"
	"fmt"
)

// Kind classifies where an action failed
type Kind int

const (
	// KindLocal is a failure detected before any network call
	KindLocal Kind = iota
	// KindTransport is a network-level failure: dial, timeout, cancelled context
	KindTransport
	// KindStatus is a non-2xx response
	KindStatus
	// KindDecode is a response body that could not be parsed
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ActionError is the failure half of every write result. Op names the
// operation ("approve", "submit-request"), Status is the HTTP status for
// KindStatus and UserMsg is safe to show to an end user.
type ActionError struct {
	Op        string
	Kind      Kind
	Status    int
	Err       error
	UserMsg   string
	Retryable bool
}

func (e *ActionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Predefined errors
var (
	ErrNotConfirmed = &ActionError{
		Op:      "confirm",
		Kind:    KindLocal,
		Err:     errors.New("action not confirmed"),
		UserMsg: "Operación cancelada",
	}

	ErrActionInProgress = &ActionError{
		Op:      "guard",
		Kind:    KindLocal,
		Err:     errors.New("action already in progress"),
		UserMsg: "Ya hay una operación en curso para este elemento",
	}

	ErrNoPlanSelected = &ActionError{
		Op:      "select-plan",
		Kind:    KindLocal,
		Err:     errors.New("no plan selected"),
		UserMsg: "Selecciona un plan",
	}

	ErrNoRequest = &ActionError{
		Op:      "request",
		Kind:    KindLocal,
		Err:     errors.New("no request submitted"),
		UserMsg: "No hay ninguna solicitud enviada",
	}

	ErrUnauthorized = &ActionError{
		Op:      "access",
		Kind:    KindLocal,
		Err:     errors.New("chat not authorized"),
		UserMsg: "No tienes permiso para usar este bot.",
	}

	ErrUnmounted = &ActionError{
		Op:      "lifecycle",
		Kind:    KindLocal,
		Err:     errors.New("controller unmounted"),
		UserMsg: "La vista ya no está activa",
	}
)

// Transport wraps a network failure
func Transport(op string, err error) *ActionError {
	return &ActionError{Op: op, Kind: KindTransport, Err: err, Retryable: true}
}

// Status wraps a non-2xx response. serverMsg is the backend's "error" field,
// if any, and becomes the user message.
func Status(op string, status int, serverMsg string) *ActionError {
	err := fmt.Errorf("server returned %d", status)
	if serverMsg != "" {
		err = fmt.Errorf("server returned %d: %s", status, serverMsg)
	}
	return &ActionError{
		Op:        op,
		Kind:      KindStatus,
		Status:    status,
		Err:       err,
		UserMsg:   serverMsg,
		Retryable: status >= 500,
	}
}

// Decode wraps a malformed response body
func Decode(op string, err error) *ActionError {
	return &ActionError{Op: op, Kind: KindDecode, Err: err}
}

// Local wraps a failure that happened before any request was sent
func Local(op string, err error, userMsg string) *ActionError {
	return &ActionError{Op: op, Kind: KindLocal, Err: err, UserMsg: userMsg}
}

// GetUserMessage extracts a user-friendly message from err, falling back to
// fallback when err carries none.
func GetUserMessage(err error, fallback string) string {
	var actionErr *ActionError
	if errors.As(err, &actionErr) && actionErr.UserMsg != "" {
		return actionErr.UserMsg
	}
	return fallback
}

// Describe is GetUserMessage with a retry hint appended when the failure
// is worth retrying
func Describe(err error, fallback string) string {
	msg := GetUserMessage(err, fallback)
	if IsRetryable(err) {
		msg += " (intenta de nuevo)"
	}
	return msg
}

// IsRetryable checks if an error can be retried
func IsRetryable(err error) bool {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Retryable
	}
	return false
}

// KindOf reports the failure kind of err. ok is false for errors that did
// not come from an action.
func KindOf(err error) (kind Kind, ok bool) {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Kind, true
	}
	return 0, false
}
