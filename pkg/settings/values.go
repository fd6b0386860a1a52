// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
)

// Values is a container that stores values for all registered settings.
// Each setting is assigned a unique slot (up to MaxSettings) at
// registration.
type Values struct {
	intVals [MaxSettings]atomic.Int64

	changeMu struct {
		syncutil.Mutex
		onChange [MaxSettings][]func(ctx context.Context)
	}
}

// Init must be called before using a Values instance; it initializes all
// variables to their defaults.
func (sv *Values) Init(ctx context.Context) {
	for _, s := range registry {
		s.setToDefault(ctx, sv)
	}
}

// MakeTestingValues returns a Values initialized with defaults.
func MakeTestingValues() *Values {
	sv := &Values{}
	sv.Init(context.Background())
	return sv
}

func (sv *Values) getInt64(slot slotIdx) int64 {
	return sv.intVals[slot].Load()
}

func (sv *Values) setInt64(ctx context.Context, slot slotIdx, newVal int64) {
	if sv.intVals[slot].Swap(newVal) != newVal {
		sv.settingChanged(ctx, slot)
	}
}

func (sv *Values) settingChanged(ctx context.Context, slot slotIdx) {
	sv.changeMu.Lock()
	funcs := sv.changeMu.onChange[slot]
	sv.changeMu.Unlock()
	for _, fn := range funcs {
		fn(ctx)
	}
}

func (sv *Values) setOnChange(slot slotIdx, fn func(ctx context.Context)) {
	sv.changeMu.Lock()
	sv.changeMu.onChange[slot] = append(sv.changeMu.onChange[slot], fn)
	sv.changeMu.Unlock()
}
