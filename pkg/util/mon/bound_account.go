// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package mon

import "context"

// BoundAccount tracks the memory allocations of a single component and
// charges them to a monitor. The zero value is an account that tracks but
// never refuses, which is what standalone tests use.
//
// A BoundAccount is not safe for concurrent use.
type BoundAccount struct {
	used int64
	mon  *BytesMonitor
}

// Used returns the number of bytes currently allocated through this account.
func (b *BoundAccount) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used
}

// Monitor returns the monitor the account draws from, or nil.
func (b *BoundAccount) Monitor() *BytesMonitor {
	if b == nil {
		return nil
	}
	return b.mon
}

// Grow is an accessor for b.mon.reserve. It fails if the monitor's budget
// cannot absorb x more bytes.
func (b *BoundAccount) Grow(ctx context.Context, x int64) error {
	if b == nil {
		return nil
	}
	if b.mon != nil {
		if err := b.mon.reserve(ctx, x); err != nil {
			return err
		}
	}
	b.used += x
	return nil
}

// Shrink releases part of the allocation.
func (b *BoundAccount) Shrink(ctx context.Context, delta int64) {
	if b == nil {
		return
	}
	if b.used < delta {
		delta = b.used
	}
	b.used -= delta
	if b.mon != nil {
		b.mon.release(ctx, delta)
	}
}

// Resize requests a size change for an object already registered in the
// account.
func (b *BoundAccount) Resize(ctx context.Context, oldSz, newSz int64) error {
	delta := newSz - oldSz
	switch {
	case delta > 0:
		return b.Grow(ctx, delta)
	case delta < 0:
		b.Shrink(ctx, -delta)
	}
	return nil
}

// Clear releases all the allocations but keeps the account open.
func (b *BoundAccount) Clear(ctx context.Context) {
	b.Shrink(ctx, b.Used())
}

// Close releases all the allocations of the account. The account can be
// reused afterwards.
func (b *BoundAccount) Close(ctx context.Context) {
	b.Clear(ctx)
}
