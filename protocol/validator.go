package protocol

import (
	"fmt"
	"strings"
)

// Validator is implemented by arguments and configuration which check
// themselves before use.
type Validator interface {
	Validate() error
}

// ValidationError is an argument error which tracks the nested fields
// within which it occurred, eg "Reference.OrderID: is zero".
type ValidationError struct {
	Context []string
	Err     error
}

func (ve *ValidationError) Error() string {
	if len(ve.Context) == 0 {
		return ve.Err.Error()
	}
	return strings.Join(ve.Context, ".") + ": " + ve.Err.Error()
}

// Unwrap returns the underlying error.
func (ve *ValidationError) Unwrap() error { return ve.Err }

// ExtendContext prefixes |err| with the field |format|, if |err| is a
// *ValidationError. |err| is returned in all cases.
func ExtendContext(err error, format string, args ...interface{}) error {
	if ve, ok := err.(*ValidationError); ok {
		ve.Context = append([]string{fmt.Sprintf(format, args...)}, ve.Context...)
	}
	return err
}

// NewValidationError returns a *ValidationError of the formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// ValidateRange returns a *ValidationError unless min <= |v| <= max.
func ValidateRange(name string, v, min, max int64) error {
	if v >= min && v <= max {
		return nil
	}
	return NewValidationError("invalid %s (%d; expected %d <= %s <= %d)", name, v, min, name, max)
}
