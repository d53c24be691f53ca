// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/compiler/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := scoped.New("/")
	s.Set("/", "w0", 10)
	s.Set("/", "lr", 20)
	s.Set("/run_0", "lr", 30)
	s.Set("/run_0/step", "x", 100)

	value, found := s.Get("/run_0/step", "x")
	require.True(t, found)
	assert.Equal(t, 100, value)

	value, found = s.Get("/run_0/step", "lr")
	require.True(t, found)
	assert.Equal(t, 30, value)

	value, found = s.Get("/other/deep", "w0")
	require.True(t, found)
	assert.Equal(t, 10, value)

	_, found = s.Get("/run_0", "x")
	assert.False(t, found)

	parent, ok := s.Parent("/run_0/step")
	assert.True(t, ok)
	assert.Equal(t, "/run_0", parent)
	parent, ok = s.Parent("/run_0")
	assert.True(t, ok)
	assert.Equal(t, "/", parent)
	_, ok = s.Parent("/")
	assert.False(t, ok)
	assert.Equal(t, "/run_0/step", s.Join("/run_0", "step"))
	assert.Equal(t, "/run_0", s.Join("/", "run_0"))

	type entry struct {
		scope, key string
		value int
	}
	var got []entry
	s.Enumerate(func(scope, key string, value any) {
		got = append(got, entry{scope, key, value.(int)})
	})
	assert.Equal(t, []entry{
		{"/", "lr", 20},
		{"/", "w0", 10},
		{"/run_0", "lr", 30},
		{"/run_0/step", "x", 100},
	}, got)

	c := s.Clone()
	assert.True(t, s.Delete("/run_0", "lr"))
	assert.False(t, s.Delete("/run_0", "lr"))
	value, _ = s.Get("/run_0/step", "lr")
	assert.Equal(t, 20, value)
	value, _ = c.Get("/run_0/step", "lr")
	assert.Equal(t, 30, value, "clone must not be affected")
}
