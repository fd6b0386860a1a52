// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package settings is a registry of typed, process-wide tunables for the
// query engine. Settings are declared once at init time and read through a
// Values container, so tests and concurrent servers can each hold their own
// values.
package settings

import "context"

// MaxSettings is the maximum number of settings that the system supports.
const MaxSettings = 64

type slotIdx int32

// Setting is the interface exposing the metadata for a setting.
type Setting interface {
	// Key returns the name of the setting.
	Key() string
	// Description contains a helpful text explaining what the setting is for.
	Description() string
	// Typ returns the short (1 char) string denoting the type of setting.
	Typ() string
	// String returns the current value of the setting, formatted for display.
	String(sv *Values) string
	// EncodedDefault returns the default value formatted the way Set parses
	// it.
	EncodedDefault() string
}

type internalSetting interface {
	Setting
	init(slot slotIdx)
	slot() slotIdx
	setToDefault(ctx context.Context, sv *Values)
	decodeAndSet(ctx context.Context, sv *Values, encoded string) error
}

type common struct {
	key         string
	description string
	slotIdx     slotIdx
}

func (c *common) Key() string         { return c.key }
func (c *common) Description() string { return c.description }
func (c *common) init(slot slotIdx)   { c.slotIdx = slot }
func (c *common) slot() slotIdx       { return c.slotIdx }
