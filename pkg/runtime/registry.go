// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/compiler/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register runtime with the given name, and a constructor that takes as input a configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the sorted names of the registered runtimes.
func Registered() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return xslices.SortedKeys(registeredConstructors)
}

// New takes a configuration string formatted as "<runtime_name>:<runtime_configuration>".
//
// The "<runtime_name>" is the name of a registered runtime, and "<runtime_configuration>" is runtime
// specific. If config has no ":", it is taken as the name of the runtime. If config is empty, the first
// registered runtime is used.
func New(config string) (Runtime, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New("no registered runtimes")
	}
	name, runtimeConfig := firstRegistered, ""
	if config != "" {
		name = config
		if idx := strings.Index(config, ":"); idx != -1 {
			name, runtimeConfig = config[:idx], config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[name]
	known := xslices.SortedKeys(registeredConstructors)
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find runtime %q for configuration %q, registered runtimes: %v",
			name, config, known)
	}
	rt, err := constructor(runtimeConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create runtime %q", name)
	}
	return rt, nil
}

// IsRegistered returns whether a runtime with the given name was registered.
func IsRegistered(name string) bool {
	return slices.Contains(Registered(), name)
}
