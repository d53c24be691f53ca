// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// AttrKind enumerates the types an operator attribute can hold.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrBool
	AttrInt
	AttrFloat
	AttrString
	AttrBools
	AttrInts
	AttrFloats
	AttrStrings
)

var attrKindNames = []string{"invalid", "bool", "int", "float", "string", "[]bool", "[]int", "[]float", "[]string"}

// String implements fmt.Stringer.
func (k AttrKind) String() string {
	if int(k) < 0 || int(k) >= len(attrKindNames) {
		return fmt.Sprintf("AttrKind(%d)", int(k))
	}
	return attrKindNames[k]
}

// Attribute is a typed operator attribute value. Create it with Bool, Int, Float, String or their
// list versions. The zero value is invalid.
type Attribute struct {
	kind  AttrKind
	value any
}

// Bool creates a bool attribute.
func Bool(v bool) Attribute { return Attribute{kind: AttrBool, value: v} }

// Int creates an int attribute.
func Int(v int) Attribute { return Attribute{kind: AttrInt, value: v} }

// Float creates a float attribute.
func Float(v float64) Attribute { return Attribute{kind: AttrFloat, value: v} }

// String creates a string attribute.
func String(v string) Attribute { return Attribute{kind: AttrString, value: v} }

// Bools creates a list of bool attribute.
func Bools(v ...bool) Attribute { return Attribute{kind: AttrBools, value: slices.Clone(v)} }

// Ints creates a list of int attribute.
func Ints(v ...int) Attribute { return Attribute{kind: AttrInts, value: slices.Clone(v)} }

// Floats creates a list of float attribute.
func Floats(v ...float64) Attribute { return Attribute{kind: AttrFloats, value: slices.Clone(v)} }

// Strings creates a list of string attribute.
func Strings(v ...string) Attribute { return Attribute{kind: AttrStrings, value: slices.Clone(v)} }

// Kind of the attribute.
func (a Attribute) Kind() AttrKind { return a.kind }

// Value returns the attribute value as an `any`.
func (a Attribute) Value() any { return a.value }

func (a Attribute) checkKind(kind AttrKind) error {
	if a.kind != kind {
		return errors.Errorf("attribute holds a %s, not a %s", a.kind, kind)
	}
	return nil
}

// AsBool returns the bool value or an error if the attribute is of another kind.
func (a Attribute) AsBool() (bool, error) {
	if err := a.checkKind(AttrBool); err != nil {
		return false, err
	}
	return a.value.(bool), nil
}

// AsInt returns the int value or an error if the attribute is of another kind.
func (a Attribute) AsInt() (int, error) {
	if err := a.checkKind(AttrInt); err != nil {
		return 0, err
	}
	return a.value.(int), nil
}

// AsFloat returns the float value. Int attributes are converted.
func (a Attribute) AsFloat() (float64, error) {
	if a.kind == AttrInt {
		return float64(a.value.(int)), nil
	}
	if err := a.checkKind(AttrFloat); err != nil {
		return 0, err
	}
	return a.value.(float64), nil
}

// AsString returns the string value or an error if the attribute is of another kind.
func (a Attribute) AsString() (string, error) {
	if err := a.checkKind(AttrString); err != nil {
		return "", err
	}
	return a.value.(string), nil
}

// AsStrings returns the list of strings or an error if the attribute is of another kind.
func (a Attribute) AsStrings() ([]string, error) {
	if err := a.checkKind(AttrStrings); err != nil {
		return nil, err
	}
	return slices.Clone(a.value.([]string)), nil
}

// AsInts returns the list of ints or an error if the attribute is of another kind.
func (a Attribute) AsInts() ([]int, error) {
	if err := a.checkKind(AttrInts); err != nil {
		return nil, err
	}
	return slices.Clone(a.value.([]int)), nil
}

// Clone returns a deep copy of the attribute.
func (a Attribute) Clone() Attribute {
	switch v := a.value.(type) {
	case []bool:
		return Attribute{kind: a.kind, value: slices.Clone(v)}
	case []int:
		return Attribute{kind: a.kind, value: slices.Clone(v)}
	case []float64:
		return Attribute{kind: a.kind, value: slices.Clone(v)}
	case []string:
		return Attribute{kind: a.kind, value: slices.Clone(v)}
	}
	return a
}

// Equal compares kind and value.
func (a Attribute) Equal(b Attribute) bool {
	if a.kind != b.kind {
		return false
	}
	switch v := a.value.(type) {
	case []bool:
		return slices.Equal(v, b.value.([]bool))
	case []int:
		return slices.Equal(v, b.value.([]int))
	case []float64:
		return slices.Equal(v, b.value.([]float64))
	case []string:
		return slices.Equal(v, b.value.([]string))
	}
	return a.value == b.value
}

// String implements fmt.Stringer.
func (a Attribute) String() string {
	if a.kind == AttrString {
		return fmt.Sprintf("%q", a.value)
	}
	return fmt.Sprintf("%v", a.value)
}

// Attrs maps attribute names to values.
type Attrs map[string]Attribute

// Clone returns a deep copy of the attributes. It returns nil for an empty map.
func (attrs Attrs) Clone() Attrs {
	if len(attrs) == 0 {
		return nil
	}
	c := make(Attrs, len(attrs))
	for k, v := range attrs {
		c[k] = v.Clone()
	}
	return c
}

// Equal compares two attribute maps. A nil map equals an empty one.
func (attrs Attrs) Equal(other Attrs) bool {
	if len(attrs) != len(other) {
		return false
	}
	for k, v := range attrs {
		o, found := other[k]
		if !found || !v.Equal(o) {
			return false
		}
	}
	return true
}
