// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build !deadlock

package syncutil

import "sync"

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = false

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	sync.Mutex
}

// AssertHeld is a no-op outside of deadlock builds. Callers use it to
// document that a lock must be held on entry.
func (m *Mutex) AssertHeld() {}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
}

// AssertHeld is a no-op outside of deadlock builds.
func (rw *RWMutex) AssertHeld() {}

// AssertRHeld is a no-op outside of deadlock builds.
func (rw *RWMutex) AssertRHeld() {}
