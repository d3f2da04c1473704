// Package session keeps one conversation state machine per user.
//
// Each user is in one of four states. Events move a session through an
// explicit transition table; an event with no matching row is rejected with
// ErrUnexpectedInput and leaves the session untouched. Outcome-dependent
// rows (a file that could not be used, a parameter that failed validation)
// are selected by Event.Failed, set by the caller after running the
// operation.
package session

import "time"

// State is the position of a conversation.
type State int

const (
	StateIdle State = iota
	StateAwaitingFile
	StateAwaitingParameter
	StateCollecting
)

func (s State) String() string {
	switch s {
	case StateAwaitingFile:
		return "awaiting-file"
	case StateAwaitingParameter:
		return "awaiting-parameter"
	case StateCollecting:
		return "collecting-multi-file"
	default:
		return "idle"
	}
}

// EventKind discriminates events.
type EventKind int

const (
	EventCommand EventKind = iota
	EventFile
	EventText
	EventFinish
	EventReset
	EventExpire
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventFile:
		return "file"
	case EventText:
		return "text"
	case EventFinish:
		return "finish"
	case EventReset:
		return "reset"
	default:
		return "expire"
	}
}

// File is an uploaded file held by a session.
type File struct {
	Path string // local copy
	Name string // name as uploaded
}

// Event is one input to a session.
type Event struct {
	Kind EventKind
	Op   Op   // EventCommand
	File File // EventFile
	// Failed marks a file or text the operation could not use. The session
	// keeps waiting for the same kind of input.
	Failed bool
}

// Session is a snapshot of one user's conversation.
type Session struct {
	UserID     string
	State      State
	Op         Op
	Files      []File
	LastActive time.Time
}

// guard decides whether a row applies to (session, event, max files).
type guard func(s *Session, ev Event, maxFiles int) bool

type row struct {
	from  []State // nil: any state
	event EventKind
	guard guard
	to    State
	name  string
}

var anyState []State

func always(*Session, Event, int) bool { return true }

func commandInput(in ...Input) guard {
	return func(_ *Session, ev Event, _ int) bool {
		got := ev.Op.Input()
		for _, want := range in {
			if got == want {
				return true
			}
		}
		return false
	}
}

func failed(_ *Session, ev Event, _ int) bool    { return ev.Failed }
func succeeded(_ *Session, ev Event, _ int) bool { return !ev.Failed }

func succeededWith(in Input) guard {
	return func(s *Session, ev Event, _ int) bool { return !ev.Failed && s.Op.Input() == in }
}

func belowMax(s *Session, _ Event, maxFiles int) bool { return len(s.Files) < maxFiles }
func hasFiles(s *Session, _ Event, _ int) bool        { return len(s.Files) > 0 }

// table is evaluated top to bottom; the first row whose state, event and
// guard match wins.
var table = []row{
	{anyState, EventReset, always, StateIdle, "reset"},
	{anyState, EventExpire, always, StateIdle, "expire"},
	{anyState, EventCommand, commandInput(InputNone), StateIdle, "run command"},
	{anyState, EventCommand, commandInput(InputMultiFile), StateCollecting, "start collecting"},
	{anyState, EventCommand, commandInput(InputFile, InputFileThenParam), StateAwaitingFile, "await file"},
	{anyState, EventCommand, commandInput(InputParam), StateAwaitingParameter, "await parameter"},
	{[]State{StateAwaitingFile}, EventFile, failed, StateAwaitingFile, "retry file"},
	{[]State{StateAwaitingFile}, EventFile, succeededWith(InputFileThenParam), StateAwaitingParameter, "file then parameter"},
	{[]State{StateAwaitingFile}, EventFile, succeededWith(InputFile), StateIdle, "file done"},
	{[]State{StateAwaitingParameter}, EventText, failed, StateAwaitingParameter, "retry parameter"},
	{[]State{StateAwaitingParameter}, EventText, succeeded, StateIdle, "parameter done"},
	{[]State{StateCollecting}, EventFile, belowMax, StateCollecting, "collect file"},
	{[]State{StateCollecting}, EventFinish, hasFiles, StateIdle, "finish collecting"},
}

func (r row) matches(s *Session, ev Event, maxFiles int) bool {
	if r.event != ev.Kind {
		return false
	}
	if r.from != nil {
		found := false
		for _, st := range r.from {
			if st == s.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.guard(s, ev, maxFiles)
}

// next applies ev to s in place and returns the files the session let go
// of. s is not modified when ev is rejected.
func next(s *Session, ev Event, maxFiles int) (released []File, err error) {
	var match *row
	for i := range table {
		if table[i].matches(s, ev, maxFiles) {
			match = &table[i]
			break
		}
	}
	if match == nil {
		return nil, &UnexpectedInputError{State: s.State, Event: ev.Kind, Op: s.Op}
	}

	switch {
	case ev.Kind == EventCommand:
		released = s.Files
		s.Files = nil
		s.Op = ev.Op
	case ev.Kind == EventFile && !ev.Failed && match.to != StateIdle:
		s.Files = append(s.Files, ev.File)
	}
	s.State = match.to
	if s.State == StateIdle {
		released = append(released, s.Files...)
		s.Files = nil
		s.Op = ""
	}
	return released, nil
}
