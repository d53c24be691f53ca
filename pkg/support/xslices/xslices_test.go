// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 3, "a": 1, "b": 2}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Len(t, Keys(m), 3)
	assert.Empty(t, SortedKeys(map[int]bool{}))
}

func TestMapAndPop(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, "3", Last(got))
	assert.Equal(t, "", Last([]string(nil)))

	v, rest := Pop(got)
	assert.Equal(t, "3", v)
	assert.Equal(t, []string{"1", "2"}, rest)
	v, rest = Pop([]string{})
	assert.Equal(t, "", v)
	assert.Empty(t, rest)
}

func TestSortedUnique(t *testing.T) {
	in := []string{"w1", "b0", "w1", "a"}
	assert.Equal(t, []string{"a", "b0", "w1"}, SortedUnique(in))
	assert.Equal(t, []string{"w1", "b0", "w1", "a"}, in, "input must not be modified")
}
