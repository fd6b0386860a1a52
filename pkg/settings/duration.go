// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// DurationSetting is the interface of a setting variable that will be
// updated automatically when the corresponding cluster-wide setting
// of type "duration" is updated.
type DurationSetting struct {
	common
	defaultValue time.Duration
	validateFn   func(time.Duration) error
}

var _ internalSetting = &DurationSetting{}

// Get retrieves the duration value in the setting.
func (d *DurationSetting) Get(sv *Values) time.Duration {
	return time.Duration(sv.getInt64(d.slotIdx))
}

func (d *DurationSetting) String(sv *Values) string {
	return EncodeDuration(d.Get(sv))
}

// Typ returns the short (1 char) string denoting the type of setting.
func (*DurationSetting) Typ() string {
	return "d"
}

// EncodedDefault returns the encoded default value.
func (d *DurationSetting) EncodedDefault() string {
	return EncodeDuration(d.defaultValue)
}

// Override changes the setting without validation. For tests.
func (d *DurationSetting) Override(ctx context.Context, sv *Values, v time.Duration) {
	sv.setInt64(ctx, d.slotIdx, int64(v))
}

func (d *DurationSetting) set(ctx context.Context, sv *Values, v time.Duration) error {
	if d.validateFn != nil {
		if err := d.validateFn(v); err != nil {
			return errors.Wrapf(err, "invalid value for %s", d.key)
		}
	}
	sv.setInt64(ctx, d.slotIdx, int64(v))
	return nil
}

func (d *DurationSetting) decodeAndSet(ctx context.Context, sv *Values, encoded string) error {
	v, err := time.ParseDuration(encoded)
	if err != nil {
		return errors.Wrapf(err, "setting %s", d.key)
	}
	return d.set(ctx, sv, v)
}

func (d *DurationSetting) setToDefault(ctx context.Context, sv *Values) {
	if err := d.set(ctx, sv, d.defaultValue); err != nil {
		panic(err)
	}
}

// RegisterDurationSetting defines a new setting with type duration.
func RegisterDurationSetting(
	key, desc string, defaultValue time.Duration, validateFn func(time.Duration) error,
) *DurationSetting {
	if validateFn != nil {
		if err := validateFn(defaultValue); err != nil {
			panic(errors.Wrap(err, "invalid default"))
		}
	}
	setting := &DurationSetting{
		common:       common{key: key, description: desc},
		defaultValue: defaultValue,
		validateFn:   validateFn,
	}
	register(setting)
	return setting
}

// NonNegativeDuration can be passed to RegisterDurationSetting.
func NonNegativeDuration(v time.Duration) error {
	if v < 0 {
		return errors.Errorf("cannot be set to a negative duration: %s", v)
	}
	return nil
}

// EncodeDuration encodes the duration value of a setting.
func EncodeDuration(d time.Duration) string {
	return d.String()
}
