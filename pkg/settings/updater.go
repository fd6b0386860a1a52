// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
)

// Updater is a helper for updating the in-memory settings from their
// encoded string form, e.g. a configuration file.
type Updater struct {
	sv *Values
}

// NewUpdater makes an Updater for the given container.
func NewUpdater(sv *Values) Updater {
	return Updater{sv: sv}
}

// Set attempts to parse and update a setting.
func (u Updater) Set(ctx context.Context, key, encoded string) error {
	s, ok := registry[key]
	if !ok {
		return errors.WithHint(errors.Errorf("unknown setting %q", key),
			"run `kvquery settings` to list the known settings")
	}
	return s.decodeAndSet(ctx, u.sv, encoded)
}

// SetAll applies every entry of the map, in key order, stopping at the
// first error.
func (u Updater) SetAll(ctx context.Context, vals map[string]string) error {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := u.Set(ctx, k, vals[k]); err != nil {
			return err
		}
	}
	return nil
}

// ResetRemaining sets all settings not in the given set to their defaults.
func (u Updater) ResetRemaining(ctx context.Context, keep map[string]string) {
	for k, s := range registry {
		if _, ok := keep[k]; !ok {
			s.setToDefault(ctx, u.sv)
		}
	}
}
