package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInputClosed is returned (wrapped in a WriteError) when writing after the input has been closed,
// either explicitly with CloseInput or because the process has been reaped.
var ErrInputClosed = errors.New("process input closed")

// SpawnError is returned when the child process could not be started.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError is returned when bytes could not be written to the child's input.
// This is the normal way for a session to learn that the child has gone away.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing to process input: %s", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
