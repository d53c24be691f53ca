// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime defines the interfaces the compiler uses to reach the outside world: the tensor runtime
// that executes compiled programs, the scope where variable values live, device enumeration and the
// graph-capture probe.
//
// The compiler never calls a concrete runtime directly. Implementations register themselves with Register
// (usually in an init function) and are instantiated with New.
package runtime

import (
	"fmt"
	"strings"

	"github.com/gomlx/compiler/pkg/core/program"
)

// DeviceKind enumerates the kinds of devices a program can be placed on.
type DeviceKind int

const (
	CPU DeviceKind = iota
	GPU
	Accelerator
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	case Accelerator:
		return "accelerator"
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// ParseDeviceKind converts the output of DeviceKind.String back. It is case-insensitive.
func ParseDeviceKind(s string) (DeviceKind, error) {
	for _, k := range []DeviceKind{CPU, GPU, Accelerator} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown device kind %q, valid values are cpu, gpu and accelerator", s)
}

// Place identifies a device: its kind and its index among devices of the same kind.
type Place struct {
	Kind DeviceKind
	ID   int
}

// Equal returns whether both places refer to the same device.
func (p Place) Equal(o Place) bool { return p == o }

// String implements fmt.Stringer.
func (p Place) String() string { return fmt.Sprintf("%s:%d", p.Kind, p.ID) }

// Scope is where the runtime keeps the values of variables between runs.
type Scope interface {
	// ID uniquely identifies the scope.
	ID() string

	// FindVar returns the value of the variable, searching parent scopes if needed.
	FindVar(name string) (any, bool)

	// SetVar sets the value of a variable in this scope.
	SetVar(name string, value any)
}

// DeviceContext is created once per executable and device.
type DeviceContext interface {
	Place() Place
}

// Runtime executes compiled programs.
type Runtime interface {
	// Name of the runtime, as registered.
	Name() string

	// CreateDeviceContext prepares the device for running programs.
	CreateDeviceContext(place Place) (DeviceContext, error)

	// RunProgram runs the program on the device, with the given fed values, and returns the values of the
	// fetched variables, in order.
	RunProgram(ctx DeviceContext, p *program.Program, feed map[string]any, fetch []string) ([]any, error)

	// GetOrCreateScope returns the global scope of the runtime.
	GetOrCreateScope() Scope
}

// DeviceLister enumerates the devices available.
type DeviceLister interface {
	ListDevices(kind DeviceKind) []Place
}

// StaticDevices is a DeviceLister over a fixed list of devices.
type StaticDevices []Place

// ListDevices implements DeviceLister.
func (d StaticDevices) ListDevices(kind DeviceKind) []Place {
	var places []Place
	for _, p := range d {
		if p.Kind == kind {
			places = append(places, p)
		}
	}
	return places
}

// DefaultDevices lists a single CPU device.
var DefaultDevices = StaticDevices{{Kind: CPU, ID: 0}}

// CaptureProbe reports whether the runtime is currently recording operations into a device graph (e.g. a
// CUDA graph), in which case compilation is not allowed.
type CaptureProbe interface {
	IsCapturing() bool
}

// NoCapture is a CaptureProbe that never reports an active capture.
type NoCapture struct{}

// IsCapturing implements CaptureProbe.
func (NoCapture) IsCapturing() bool { return false }
