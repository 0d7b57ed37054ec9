package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfig marks an action whose required secret or endpoint is not configured.
	ErrMissingConfig = errors.New("missing configuration")
	// ErrValidation marks input rejected before any remote call.
	ErrValidation = errors.New("validation failed")
)

// Error carries the message shown to the user together with its class.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.kind
}

func missingConfig(format string, args ...any) error {
	return &Error{kind: ErrMissingConfig, msg: fmt.Sprintf(format, args...)}
}

func invalid(msg string) error {
	return &Error{kind: ErrValidation, msg: msg}
}

// errString returns err's message, or "" for nil.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
