// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"github.com/gomlx/compiler/pkg/core/program"
	"k8s.io/klog/v2"
)

// Optimizer is the part of an optimizer the Strategy needs to know about.
type Optimizer interface {
	// LearningRate returns the current learning rate: either a constant or the current value of its
	// schedule.
	LearningRate() float64
}

// SetOptimizer configures the Strategy for a program traced in dynamic mode with the given optimizer: it
// sets is_dynamic and lr.
//
// It doesn't mark the Strategy as needing recompilation by itself: it's meant to be called before the first
// compilation, and is_dynamic is part of the Hash.
func (s *Strategy) SetOptimizer(opt Optimizer) error {
	return s.setOptions(Options{IsDynamic: true, LR: opt.LearningRate()}, false)
}

// syncedScheduler is returned by SyncLR.
type syncedScheduler struct {
	program.LRScheduler
	strategy *Strategy
}

// SyncLR returns a scheduler that, after each step of inner, sets the lr option of s to the new learning
// rate. Since lr is exempt, this doesn't require recompilation.
func SyncLR(inner program.LRScheduler, s *Strategy) program.LRScheduler {
	return &syncedScheduler{LRScheduler: inner, strategy: s}
}

// Step implements program.LRScheduler.
func (l *syncedScheduler) Step() {
	l.LRScheduler.Step()
	lr := l.LRScheduler.LastLR()
	if err := l.strategy.SetOptions(Options{LR: lr}); err != nil {
		klog.Errorf("failed to update the learning rate to %g: %+v", lr, err)
	}
}
