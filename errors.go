package dynarena

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllocationFailure indicates the memory source or the byte budget
	// could not supply a chunk. Never retried.
	ErrAllocationFailure = errors.New("dynarena: allocation failure")

	// ErrCapabilityViolation indicates a value was rejected by the capability
	// gate before placement.
	ErrCapabilityViolation = errors.New("dynarena: capability violation")

	// ErrReleased indicates use of an arena after Release.
	ErrReleased = errors.New("dynarena: arena released")

	// ErrStaleRef indicates use of a Ref whose arena was released or reset.
	ErrStaleRef = errors.New("dynarena: stale reference")

	// ErrDestructorFailed indicates a cleanup action returned an error or panicked.
	ErrDestructorFailed = errors.New("dynarena: destructor failed")
)

// AllocError describes a failed chunk request.
type AllocError struct {
	Op    string
	Size  int
	Align int
	Cause error
}

func (e *AllocError) Error() string {
	var b strings.Builder
	b.WriteString("dynarena: allocation failure in ")
	b.WriteString(e.Op)
	fmt.Fprintf(&b, " (size %d, align %d)", e.Size, e.Align)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *AllocError) Unwrap() error { return e.Cause }

func (e *AllocError) Is(target error) bool { return target == ErrAllocationFailure }

// CapabilityError describes a value the gate refused to place.
//
// Path is the field path from the inserted value to the offending borrowed
// value, and Invalidated says when that value stops being valid.
type CapabilityError struct {
	Op          string
	Type        string
	Path        []string
	Reason      string
	Invalidated string
}

func (e *CapabilityError) Error() string {
	var b strings.Builder
	b.WriteString("dynarena: capability violation in ")
	b.WriteString(e.Op)
	b.WriteByte('[')
	b.WriteString(e.Type)
	b.WriteByte(']')
	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Invalidated != "" {
		b.WriteString("; ")
		b.WriteString(e.Invalidated)
	}
	return b.String()
}

func (e *CapabilityError) Is(target error) bool { return target == ErrCapabilityViolation }

// DestroyError wraps the failure of one cleanup action at teardown.
type DestroyError struct {
	Type  string
	Err   error
	Panic any
}

func (e *DestroyError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dynarena: destructor for %s panicked: %v", e.Type, e.Panic)
	}
	return fmt.Sprintf("dynarena: destructor for %s: %v", e.Type, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }

func (e *DestroyError) Is(target error) bool { return target == ErrDestructorFailed }
