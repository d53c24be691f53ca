// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compileerr defines the kinds of errors reported by the compilation pipeline.
//
// Errors carry a Kind, a message with enough context to diagnose the problem (option names,
// expected vs. actual types, pass names) and a stack trace (github.com/pkg/errors), printed
// with "%+v". Use Is or KindOf to inspect an error chain.
package compileerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the failure categories of the compilation pipeline.
type Kind int

const (
	// Unknown is the Kind of errors not created by this package.
	Unknown Kind = iota

	// InvalidInputKind is returned when a graph or program of an unsupported type is given.
	InvalidInputKind

	// IncompatibleRecompile is returned when an already compiled artifact is asked to be compiled
	// for a different scope or placement.
	IncompatibleRecompile

	// MissingPassParameter is returned by pipeline validation, before any pass is applied.
	MissingPassParameter

	// StructuralConfigViolation is returned when an option dependency is not satisfied.
	StructuralConfigViolation

	// UnsupportedHardwareState is returned when compiling while the device is in capture mode.
	UnsupportedHardwareState

	// UnknownOption is returned when getting or setting an unrecognized option.
	UnknownOption

	// EmptyDeviceList is returned when no devices of the requested kind are available.
	EmptyDeviceList

	// InvalidOptionValue is returned when an option is set with a value of the wrong type or out of range.
	InvalidOptionValue

	// UnknownPass is returned when a pass name or id is not registered.
	UnknownPass

	// InvalidGraph is returned when a graph mutation would break the graph invariants.
	InvalidGraph

	// PassFailed is returned when a pass fails while being applied.
	PassFailed
)

var kindNames = map[Kind]string{
	Unknown:                   "Unknown",
	InvalidInputKind:          "InvalidInputKind",
	IncompatibleRecompile:     "IncompatibleRecompile",
	MissingPassParameter:      "MissingPassParameter",
	StructuralConfigViolation: "StructuralConfigViolation",
	UnsupportedHardwareState:  "UnsupportedHardwareState",
	UnknownOption:             "UnknownOption",
	EmptyDeviceList:           "EmptyDeviceList",
	InvalidOptionValue:        "InvalidOptionValue",
	UnknownPass:               "UnknownPass",
	InvalidGraph:              "InvalidGraph",
	PassFailed:                "PassFailed",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Format prints the stack trace of the underlying error with "%+v".
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.Kind, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Errorf creates a new error of the given kind, with a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrapf wraps err with the given kind and message. It returns nil if err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the Kind of the outermost Error in the chain of err, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether any Error in the chain of err has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
