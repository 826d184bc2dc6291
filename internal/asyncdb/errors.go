package asyncdb

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionDisposed    = errors.New("the connection was disposed")
	ErrInvalidOperationState = errors.New("invalid operation state")
	ErrArgumentCount         = errors.New("wrong number of query arguments")
	ErrUnknownParameter      = errors.New("unknown query parameter")
	ErrDuplicateParameter    = errors.New("query parameter bound twice")

	ErrNoTransaction   = fmt.Errorf("%w: no transaction active", ErrInvalidOperationState)
	ErrTransactionDone = fmt.Errorf("%w: transaction already committed or rolled back", ErrInvalidOperationState)
	ErrQueryBusy       = fmt.Errorf("%w: cannot close a query while it is executing", ErrInvalidOperationState)
	ErrQueryClosed     = fmt.Errorf("%w: query is closed", ErrInvalidOperationState)
	ErrStreamClosed    = fmt.Errorf("%w: stream closed before its cursor opened", ErrInvalidOperationState)
)

// ArgumentCountError reports a call whose argument count does not match the
// number of parameter slots in the statement.
type ArgumentCountError struct {
	Got, Want int
}

func (e *ArgumentCountError) Error() string {
	return fmt.Sprintf("got %d parameter(s), expected %d", e.Got, e.Want)
}

func (e *ArgumentCountError) Unwrap() error {
	return ErrArgumentCount
}

// UnknownParameterError reports a named argument the statement does not declare.
type UnknownParameterError struct {
	Name string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("statement has no parameter named %q", e.Name)
}

func (e *UnknownParameterError) Unwrap() error {
	return ErrUnknownParameter
}

// DuplicateParameterError reports a named argument given more than once.
type DuplicateParameterError struct {
	Name string
}

func (e *DuplicateParameterError) Error() string {
	return fmt.Sprintf("parameter %q is bound more than once", e.Name)
}

func (e *DuplicateParameterError) Unwrap() error {
	return ErrDuplicateParameter
}
