// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package mon tracks the memory held by query execution. A BytesMonitor
// owns a byte budget; BoundAccounts draw from it and give back what they
// release. Monitors may be nested so that a per-query budget is also
// charged against a process-wide one.
package mon

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
	"github.com/cockroachdb/redact"
	humanize "github.com/dustin/go-humanize"
)

// BytesMonitor defines an object that can track and limit memory usage by
// other components.
type BytesMonitor struct {
	name   redact.SafeString
	limit  int64
	parent *BytesMonitor

	mu struct {
		syncutil.Mutex
		curAllocated int64
		maxAllocated int64
		stopped      bool
	}
}

// NewMonitor creates a new monitor with the given limit. A limit of zero or
// less means unlimited. A non-nil parent is also charged for every byte
// reserved through this monitor.
func NewMonitor(name redact.SafeString, limit int64, parent *BytesMonitor) *BytesMonitor {
	if limit <= 0 {
		limit = math.MaxInt64
	}
	return &BytesMonitor{name: name, limit: limit, parent: parent}
}

// NewUnlimitedMonitor creates a monitor that never refuses an allocation.
func NewUnlimitedMonitor(name redact.SafeString) *BytesMonitor {
	return NewMonitor(name, 0, nil)
}

// Name returns the name of the monitor.
func (mm *BytesMonitor) Name() redact.SafeString { return mm.name }

// Limit returns the byte limit, or math.MaxInt64 if unlimited.
func (mm *BytesMonitor) Limit() int64 { return mm.limit }

// AllocBytes returns the current number of allocated bytes.
func (mm *BytesMonitor) AllocBytes() int64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mu.curAllocated
}

// MaximumBytes returns the high water mark of allocated bytes.
func (mm *BytesMonitor) MaximumBytes() int64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mu.maxAllocated
}

// MakeBoundAccount creates a BoundAccount connected to this monitor.
func (mm *BytesMonitor) MakeBoundAccount() BoundAccount {
	return BoundAccount{mon: mm}
}

// Stop completes a monitoring region. Leftover allocations are reported
// as they indicate an account that was not closed.
func (mm *BytesMonitor) Stop(ctx context.Context) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.mu.stopped {
		return
	}
	mm.mu.stopped = true
	if mm.mu.curAllocated != 0 {
		log.Errorf(ctx, "%s: unexpected %d leftover bytes", mm.name, mm.mu.curAllocated)
		if mm.parent != nil {
			mm.parent.release(ctx, mm.mu.curAllocated)
		}
		mm.mu.curAllocated = 0
	}
	if log.V(1) {
		log.Infof(ctx, "%s, bytes usage max %s", mm.name,
			redact.SafeString(humanize.IBytes(uint64(mm.mu.maxAllocated))))
	}
}

func (mm *BytesMonitor) reserve(ctx context.Context, x int64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.mu.curAllocated > mm.limit-x {
		return newBudgetExceededError(mm.name, x, mm.mu.curAllocated, mm.limit)
	}
	if mm.parent != nil {
		if err := mm.parent.reserve(ctx, x); err != nil {
			return err
		}
	}
	mm.mu.curAllocated += x
	if mm.mu.curAllocated > mm.mu.maxAllocated {
		mm.mu.maxAllocated = mm.mu.curAllocated
	}
	if log.V(3) {
		log.Infof(ctx, "%s: now at %d bytes (+%d)", mm.name, mm.mu.curAllocated, x)
	}
	return nil
}

func (mm *BytesMonitor) release(ctx context.Context, sz int64) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.mu.curAllocated < sz {
		log.Errorf(ctx, "%s: no bytes in account to release, current %d, free %d",
			mm.name, mm.mu.curAllocated, sz)
		sz = mm.mu.curAllocated
	}
	mm.mu.curAllocated -= sz
	if mm.parent != nil {
		mm.parent.release(ctx, sz)
	}
}

var errBudgetExceeded = errors.New("memory budget exceeded")

func newBudgetExceededError(
	name redact.SafeString, requested, alreadyAllocated, budget int64,
) error {
	return errors.WithHintf(
		errors.Mark(errors.Newf("%s: memory budget exceeded: %d bytes requested, %d currently allocated, %s in budget",
			name, requested, alreadyAllocated, redact.SafeString(humanize.IBytes(uint64(budget)))),
			errBudgetExceeded),
		"consider raising the memory limit of the query or reducing its grouping cardinality",
	)
}

// IsBudgetExceededError returns true if err was produced by a monitor that
// refused an allocation.
func IsBudgetExceededError(err error) bool {
	return errors.Is(err, errBudgetExceeded)
}
