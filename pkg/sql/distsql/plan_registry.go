// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package distsql

import (
	"bytes"
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
)

// planEntry is a structure associated with a (potential) decoded plan.
// All fields are protected by the planRegistry mutex.
type planEntry struct {
	data []byte
	// waitCh is closed once the plan is decoded. Requests shipping the same
	// plan wait on it instead of decoding it again.
	waitCh chan struct{}
	plan   *execinfra.Plan
	err    error
	// lastUse orders the entries for eviction.
	lastUse uint64
}

// planRegistry caches the decoded server plans. A decoded plan is immutable
// and serves every request that ships it, concurrently.
type planRegistry struct {
	mu    syncutil.Mutex
	plans map[uint64]*planEntry
	clock uint64
}

func makePlanRegistry() *planRegistry {
	return &planRegistry{plans: make(map[uint64]*planEntry)}
}

// lookupOrDecode returns the plan encoded in data, decoding it unless it is
// cached or being decoded by another request. The bool reports a cache
// hit.
func (pr *planRegistry) lookupOrDecode(
	ctx context.Context, data []byte, compressed bool, maxEntries int,
) (*execinfra.Plan, bool, error) {
	if maxEntries <= 0 {
		p, err := decodePlan(data, compressed)
		return p, false, err
	}
	key := xxhash.Sum64(data)

	pr.mu.Lock()
	pr.clock++
	entry, ok := pr.plans[key]
	if ok && bytes.Equal(entry.data, data) {
		entry.lastUse = pr.clock
		waitCh := entry.waitCh
		pr.mu.Unlock()
		<-waitCh
		return entry.plan, true, entry.err
	}
	// A hash collision replaces the entry; requests holding it are not
	// affected.
	entry = &planEntry{data: data, waitCh: make(chan struct{}), lastUse: pr.clock}
	pr.plans[key] = entry
	pr.evictLocked(maxEntries)
	pr.mu.Unlock()

	entry.plan, entry.err = decodePlan(data, compressed)
	if entry.err != nil {
		log.VEventf(ctx, 1, "decoding plan: %v", entry.err)
		pr.mu.Lock()
		if pr.plans[key] == entry {
			delete(pr.plans, key)
		}
		pr.mu.Unlock()
	}
	close(entry.waitCh)
	return entry.plan, false, entry.err
}

// evictLocked removes the least recently used entries above maxEntries.
// It should only be called while holding the mutex.
func (pr *planRegistry) evictLocked(maxEntries int) {
	for len(pr.plans) > maxEntries {
		var oldest uint64
		var oldestKey uint64
		first := true
		for k, e := range pr.plans {
			if first || e.lastUse < oldest {
				oldest, oldestKey, first = e.lastUse, k, false
			}
		}
		delete(pr.plans, oldestKey)
	}
}

func (pr *planRegistry) len() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.plans)
}

func decodePlan(data []byte, compressed bool) (*execinfra.Plan, error) {
	if compressed {
		var err error
		if data, err = execinfra.DecompressPlan(data); err != nil {
			return nil, err
		}
	}
	return execinfra.DecodePlan(data)
}
