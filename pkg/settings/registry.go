// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// registry contains all defined settings, their types and default values.
//
// Registry should never be mutated after init (except in tests), as it is read
// concurrently by different callers.
var registry = map[string]internalSetting{}

// slotTable stores the settings by their slot index.
var slotTable [MaxSettings]internalSetting

// frozen becomes non-zero once the registry is "live".
var frozen int32

// Freeze ensures that no new settings can be defined.
func Freeze() { atomic.StoreInt32(&frozen, 1) }

// register adds a setting to the registry.
func register(s internalSetting) {
	key := s.Key()
	if atomic.LoadInt32(&frozen) > 0 {
		panic(fmt.Sprintf("registration must occur before server start: %s", key))
	}
	if _, ok := registry[key]; ok {
		panic(fmt.Sprintf("setting already defined: %s", key))
	}
	slot := slotIdx(len(registry))
	if slot >= MaxSettings {
		panic("too many settings; increase MaxSettings")
	}
	s.init(slot)
	registry[key] = s
	slotTable[slot] = s
}

// Keys returns a sorted string array with all the known keys.
func Keys() (res []string) {
	res = make([]string, 0, len(registry))
	for k := range registry {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Lookup returns a Setting by name.
func Lookup(key string) (Setting, bool) {
	s, ok := registry[key]
	if !ok {
		return nil, false
	}
	return s, true
}
