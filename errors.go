package servicemon

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFamily is returned when a series is requested for a family that was never registered
	ErrUnknownFamily = errors.New("unknown metric family")
	// ErrLabelMismatch is returned when a label tuple does not match the family's label names
	ErrLabelMismatch = errors.New("label tuple does not match family labels")
	// ErrKindMismatch is returned when a counter operation hits a histogram series or vice versa
	ErrKindMismatch = errors.New("operation does not match series kind")
	// ErrInvalidFamily is returned for malformed family declarations
	ErrInvalidFamily = errors.New("invalid metric family")
	// ErrCardinalityLimit is returned when a family refuses to create another series
	ErrCardinalityLimit = errors.New("series limit reached")
)

// ConflictError reports a family re-registered with a different schema
type ConflictError struct {
	Name      string
	Existing  Kind
	Requested Kind
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.Existing != e.Requested {
		return fmt.Sprintf("metric family %q already registered as %s, cannot register as %s",
			e.Name, e.Existing, e.Requested)
	}
	return fmt.Sprintf("metric family %q already registered with different %s", e.Name, e.Reason)
}

// InvalidDeltaError reports a negative counter increment
type InvalidDeltaError struct {
	Family string
	Delta  int64
}

func (e *InvalidDeltaError) Error() string {
	return fmt.Sprintf("counter %q: delta %d is negative", e.Family, e.Delta)
}

// InvalidValueError reports a histogram observation that is negative or not finite
type InvalidValueError struct {
	Family string
	Value  float64
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("histogram %q: value %v is negative or not finite", e.Family, e.Value)
}

// InternalRecordingError wraps an unexpected failure while mutating registry state
// on behalf of an instrumented request.
type InternalRecordingError struct {
	Op  string
	Err error
}

func (e *InternalRecordingError) Error() string {
	return fmt.Sprintf("recording %s: %v", e.Op, e.Err)
}

func (e *InternalRecordingError) Unwrap() error { return e.Err }
