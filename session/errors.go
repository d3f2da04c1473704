package session

import (
	"errors"
	"fmt"
)

// ErrUnexpectedInput is matched by every rejected event.
var ErrUnexpectedInput = errors.New("session: unexpected input")

// UnexpectedInputError reports an event with no transition from the current
// state. The session is left unchanged.
type UnexpectedInputError struct {
	State State
	Event EventKind
	Op    Op
}

func (e *UnexpectedInputError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("session: unexpected %s in state %s", e.Event, e.State)
	}
	return fmt.Sprintf("session: unexpected %s in state %s (op %s)", e.Event, e.State, e.Op)
}

func (e *UnexpectedInputError) Is(target error) bool { return target == ErrUnexpectedInput }
