package clinical

import (
	"errors"
	"fmt"
)

const (
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeUnavailable  = "unavailable"
)

// Error is a caller-visible failure. Only lookups by identifier produce
// these; external call failures degrade instead of surfacing.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(kind, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

func InvalidInput(message string) error {
	return &Error{Code: CodeInvalidInput, Message: message}
}

func Unavailable(message string, err error) error {
	return &Error{Code: CodeUnavailable, Message: message, Err: err}
}

func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

func IsInvalidInput(err error) bool {
	return hasCode(err, CodeInvalidInput)
}

func hasCode(err error, code string) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}
