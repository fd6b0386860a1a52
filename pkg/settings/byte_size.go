// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"context"

	"github.com/cockroachdb/errors"
	humanize "github.com/dustin/go-humanize"
)

// ByteSizeSetting is the interface of a setting variable that will be
// updated automatically when the corresponding cluster-wide setting
// of type "bytesize" is updated.
type ByteSizeSetting struct {
	IntSetting
}

var _ internalSetting = &ByteSizeSetting{}

// Typ returns the short (1 char) string denoting the type of setting.
func (*ByteSizeSetting) Typ() string {
	return "z"
}

func (b *ByteSizeSetting) String(sv *Values) string {
	return humanize.IBytes(uint64(b.Get(sv)))
}

// EncodedDefault returns the default value in human readable form.
func (b *ByteSizeSetting) EncodedDefault() string {
	return humanize.IBytes(uint64(b.defaultValue))
}

func (b *ByteSizeSetting) decodeAndSet(ctx context.Context, sv *Values, encoded string) error {
	v, err := humanize.ParseBytes(encoded)
	if err != nil {
		return errors.Wrapf(err, "setting %s", b.key)
	}
	if v > 1<<62 {
		return errors.Errorf("setting %s: value %s is too large", b.key, encoded)
	}
	return b.set(ctx, sv, int64(v))
}

// RegisterByteSizeSetting defines a new setting with type bytesize and any
// supplied validation function.
func RegisterByteSizeSetting(
	key, desc string, defaultValue int64, validateFn func(int64) error,
) *ByteSizeSetting {
	if validateFn != nil {
		if err := validateFn(defaultValue); err != nil {
			panic(errors.Wrap(err, "invalid default"))
		}
	}
	setting := &ByteSizeSetting{IntSetting{
		common:       common{key: key, description: desc},
		defaultValue: defaultValue,
		validateFn:   validateFn,
	}}
	register(setting)
	return setting
}
