package models

import (
	"errors"
	"strings"
)

// Error kinds. Every *Error carries exactly one of these, so callers can
// branch with errors.Is(err, ErrTimeout) and friends.
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("authentication error")
	ErrTransport  = errors.New("transport error")
	ErrJob        = errors.New("job error")
	ErrTimeout    = errors.New("status check timed out")
)

// Controller and parser errors that are not part of the user-facing taxonomy.
var (
	ErrBusy              = errors.New("a request for this job is already in flight")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrMalformedPayload  = errors.New("malformed payload")
)

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // operation that failed, e.g. "upload", "status"
	Msg  string // message shown to the user
	Err  error  // underlying cause, may be nil
}

// NewError builds a classified error.
func NewError(kind error, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Recovery returns the action the user can take after this failure.
func (e *Error) Recovery() string {
	return RecoveryHint(e)
}

// RecoveryHint maps an error to the recovery action presented to the user.
func RecoveryHint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "choose a CSV or JSON file and try again"
	case errors.Is(err, ErrAuth):
		return "sign in again or refresh the access token, then retry"
	case errors.Is(err, ErrTimeout):
		return "the job status is unknown; re-open the job later with 'anonima watch'"
	case errors.Is(err, ErrJob):
		return "return to the dashboard and start a new upload"
	case errors.Is(err, ErrTransport):
		return "check the connection to the service and retry"
	default:
		return "return to the dashboard and retry"
	}
}

// UserMessage returns the message part of a classified error, or err.Error().
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsTransportError reports whether err is a network or HTTP failure.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}
