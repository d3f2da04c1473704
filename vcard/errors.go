package vcard

import (
	"errors"
	"fmt"
)

// Kind discriminates engine failures.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindNotFound
	KindIndexOutOfRange
	KindEmptyResult
	KindUndetectableFormat
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindIndexOutOfRange:
		return "index_out_of_range"
	case KindEmptyResult:
		return "empty_result"
	case KindUndetectableFormat:
		return "undetectable_format"
	default:
		return "none"
	}
}

// Sentinels for errors.Is. Every typed error below matches the sentinel of
// its kind.
var (
	ErrValidation         = errors.New("vcard: validation failed")
	ErrNotFound           = errors.New("vcard: not found")
	ErrIndexOutOfRange    = errors.New("vcard: index out of range")
	ErrEmptyResult        = errors.New("vcard: empty result")
	ErrUndetectableFormat = errors.New("vcard: undetectable format")
)

// ValidationError reports malformed input or a parameter outside its range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "vcard: invalid input: " + e.Reason
	}
	return fmt.Sprintf("vcard: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is returned when a targeted rename matched nothing.
type NotFoundError struct {
	Pattern string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("vcard: no match for %q", e.Pattern)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IndexOutOfRangeError is returned when a 1-based index is outside [1, Len].
type IndexOutOfRangeError struct {
	Index int
	Len   int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("vcard: index %d out of range [1, %d]", e.Index, e.Len)
}

func (e *IndexOutOfRangeError) Is(target error) bool { return target == ErrIndexOutOfRange }

// EmptyResultError is returned when an operation would produce a document
// with zero records.
type EmptyResultError struct {
	Op string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("vcard: %s would produce no records", e.Op)
}

func (e *EmptyResultError) Is(target error) bool { return target == ErrEmptyResult }

// UndetectableFormatError is returned when no separator could be inferred
// from delimited input. It also matches ErrValidation.
type UndetectableFormatError struct {
	Sampled int // non-blank lines inspected
}

func (e *UndetectableFormatError) Error() string {
	return fmt.Sprintf("vcard: undetectable separator in %d sampled lines", e.Sampled)
}

func (e *UndetectableFormatError) Is(target error) bool {
	return target == ErrUndetectableFormat || target == ErrValidation
}

// KindOf returns the kind of an engine error, or KindNone for nil and for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUndetectableFormat):
		return KindUndetectableFormat
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIndexOutOfRange):
		return KindIndexOutOfRange
	case errors.Is(err, ErrEmptyResult):
		return KindEmptyResult
	default:
		return KindNone
	}
}
