// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the type/shape descriptor attached to the values of a program.
//
// A Shape holds the data type (DType, as enumerated in github.com/gomlx/gopjrt/dtypes) and the
// dimensions of a value. Unlike shapes of concrete tensors, a program value may have axes whose
// dimension is only known at compilation time, typically the batch axis: those are represented
// with DynamicDim (-1) and are resolved by the shape inference pass.
//
// Example: a feed `x` of float32 with an unknown batch and 784 features has shape `(Float32)[? 784]`,
// created with `shapes.Make(dtypes.Float32, shapes.DynamicDim, 784)`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicDim marks an axis whose dimension is not known until compilation.
const DynamicDim = -1

// Shape of a value in a program: its DType and dimensions.
//
// The zero value is an invalid shape (see Ok).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions. Dimensions must be either > 0 or DynamicDim.
//
// It panics (with a descriptive error) otherwise, since this is always a programming error.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for axis, dim := range dimensions {
		if dim <= 0 && dim != DynamicDim {
			panic(errors.Errorf("shapes.Make(%s): axis #%d has invalid dimension %d", s, axis, dim))
		}
	}
	return s
}

// Scalar returns a scalar shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsDynamic returns whether any of the axes has a DynamicDim dimension.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DynamicDim)
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		panic(errors.Errorf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s))
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements of the shape, or -1 if it is dynamic.
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dimensions {
		if d == DynamicDim {
			return -1
		}
		size *= d
	}
	return size
}

// String implements fmt.Stringer. Dynamic axes are printed as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, d := range s.Dimensions {
		if d == DynamicDim {
			parts = append(parts, "?")
		} else {
			parts = append(parts, fmt.Sprintf("%d", d))
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// ResolveLeading returns a copy of the shape where a dynamic leading axis is replaced by dim.
// Other dynamic axes are left untouched.
func (s Shape) ResolveLeading(dim int) Shape {
	s2 := s.Clone()
	if s2.Rank() > 0 && s2.Dimensions[0] == DynamicDim {
		s2.Dimensions[0] = dim
	}
	return s2
}

// Broadcast returns the shape resulting from broadcasting lhs and rhs with the usual rules:
// scalars broadcast to anything; otherwise axes are aligned on the trailing side and each pair must either
// match or have a 1. A dynamic axis broadcasts with any dimension.
func Broadcast(lhs, rhs Shape) (Shape, error) {
	if lhs.DType != rhs.DType {
		return Invalid(), errors.Errorf("dtypes don't match for broadcasting, got %s and %s", lhs, rhs)
	}
	if lhs.IsScalar() {
		return rhs.Clone(), nil
	}
	if rhs.IsScalar() {
		return lhs.Clone(), nil
	}
	if lhs.Rank() != rhs.Rank() {
		// Trailing alignment: the lower rank operand is broadcast on the leading axes.
		if lhs.Rank() < rhs.Rank() {
			lhs, rhs = rhs, lhs
		}
		prefix := make([]int, lhs.Rank()-rhs.Rank())
		for ii := range prefix {
			prefix[ii] = 1
		}
		rhs = Shape{DType: rhs.DType, Dimensions: append(prefix, rhs.Dimensions...)}
	}
	output := lhs.Clone()
	for axis := range output.Rank() {
		lhsDim, rhsDim := lhs.Dimensions[axis], rhs.Dimensions[axis]
		switch {
		case lhsDim == rhsDim:
		case lhsDim == 1:
			output.Dimensions[axis] = rhsDim
		case rhsDim == 1:
		case lhsDim == DynamicDim || rhsDim == DynamicDim:
			output.Dimensions[axis] = max(lhsDim, rhsDim)
		default:
			return Invalid(), errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast, got shapes %s and %s",
				axis, lhs, rhs)
		}
	}
	return output, nil
}
