package market

import (
	"errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is.
var (
	// ErrUpstream covers unreachable or malformed marketplace responses.
	ErrUpstream = errors.New("upstream failure")

	// ErrTransaction means a multi-step write was rolled back.
	ErrTransaction = errors.New("transaction failure")

	// ErrBackup means a pre-operation backup could not be created; the
	// destructive step was not attempted.
	ErrBackup = errors.New("backup failure")

	// ErrNotFound is returned when a named backup or item does not exist.
	ErrNotFound = errors.New("not found")
)

// OpError describes a failed operation. Rows carries the batch size or the
// pre-operation row count, whichever is relevant to Op.
type OpError struct {
	Op   string
	Kind error
	Rows int64
	Err  error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Rows > 0 {
		msg += fmt.Sprintf(" (rows=%d)", e.Rows)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail builds an OpError.
func Fail(op string, kind error, rows int64, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Rows: rows, Err: err}
}
