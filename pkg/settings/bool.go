// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
)

// BoolSetting is the interface of a setting variable that will be
// updated automatically when the corresponding cluster-wide setting
// of type "bool" is updated.
type BoolSetting struct {
	common
	defaultValue bool
}

var _ internalSetting = &BoolSetting{}

// Get retrieves the bool value in the setting.
func (b *BoolSetting) Get(sv *Values) bool {
	return sv.getInt64(b.slotIdx) != 0
}

func (b *BoolSetting) String(sv *Values) string {
	return EncodeBool(b.Get(sv))
}

// Typ returns the short (1 char) string denoting the type of setting.
func (*BoolSetting) Typ() string {
	return "b"
}

// EncodedDefault returns the encoded default value.
func (b *BoolSetting) EncodedDefault() string {
	return EncodeBool(b.defaultValue)
}

// Override changes the setting. For tests.
func (b *BoolSetting) Override(ctx context.Context, sv *Values, v bool) {
	var vInt int64
	if v {
		vInt = 1
	}
	sv.setInt64(ctx, b.slotIdx, vInt)
}

func (b *BoolSetting) decodeAndSet(ctx context.Context, sv *Values, encoded string) error {
	v, err := strconv.ParseBool(encoded)
	if err != nil {
		return errors.Wrapf(err, "setting %s", b.key)
	}
	b.Override(ctx, sv, v)
	return nil
}

func (b *BoolSetting) setToDefault(ctx context.Context, sv *Values) {
	b.Override(ctx, sv, b.defaultValue)
}

// RegisterBoolSetting defines a new setting with type bool.
func RegisterBoolSetting(key, desc string, defaultValue bool) *BoolSetting {
	setting := &BoolSetting{
		common:       common{key: key, description: desc},
		defaultValue: defaultValue,
	}
	register(setting)
	return setting
}

// EncodeBool encodes a bool in the format parseRaw expects.
func EncodeBool(b bool) string {
	return strconv.FormatBool(b)
}
