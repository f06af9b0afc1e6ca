package provider

import (
	"errors"
	"fmt"
)

// Error describes a failed provider call. Transient errors (timeouts,
// rate limits, 5xx) are worth retrying; the rest are not.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

func newHTTPError(op string, status int, body string) *Error {
	return &Error{
		Op:        op,
		Status:    status,
		Transient: status == 429 || status >= 500,
		Err:       fmt.Errorf("%s", body),
	}
}

func newTransportError(op string, err error) *Error {
	return &Error{Op: op, Transient: true, Err: err}
}

func errNoModel(kind string) error {
	return fmt.Errorf("no %s model available", kind)
}

func errCountMismatch(want, got int) error {
	return fmt.Errorf("requested %d embeddings, got %d", want, got)
}
