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

// IntSetting is the interface of a setting variable that will be
// updated automatically when the corresponding cluster-wide setting
// of type "int" is updated.
type IntSetting struct {
	common
	defaultValue int64
	validateFn   func(int64) error
}

var _ internalSetting = &IntSetting{}

// Get retrieves the int value in the setting.
func (i *IntSetting) Get(sv *Values) int64 {
	return sv.getInt64(i.slotIdx)
}

func (i *IntSetting) String(sv *Values) string {
	return EncodeInt(i.Get(sv))
}

// Typ returns the short (1 char) string denoting the type of setting.
func (*IntSetting) Typ() string {
	return "i"
}

// EncodedDefault returns the encoded default value.
func (i *IntSetting) EncodedDefault() string {
	return EncodeInt(i.defaultValue)
}

// Default returns the default value.
func (i *IntSetting) Default() int64 {
	return i.defaultValue
}

// Validate that a value conforms with the validation function.
func (i *IntSetting) Validate(v int64) error {
	if i.validateFn != nil {
		if err := i.validateFn(v); err != nil {
			return errors.Wrapf(err, "invalid value for %s", i.key)
		}
	}
	return nil
}

// Override changes the setting without validation. For tests.
func (i *IntSetting) Override(ctx context.Context, sv *Values, v int64) {
	sv.setInt64(ctx, i.slotIdx, v)
}

// SetOnChange registers a callback invoked whenever the value changes.
func (i *IntSetting) SetOnChange(sv *Values, fn func(ctx context.Context)) {
	sv.setOnChange(i.slotIdx, fn)
}

func (i *IntSetting) set(ctx context.Context, sv *Values, v int64) error {
	if err := i.Validate(v); err != nil {
		return err
	}
	sv.setInt64(ctx, i.slotIdx, v)
	return nil
}

func (i *IntSetting) decodeAndSet(ctx context.Context, sv *Values, encoded string) error {
	v, err := strconv.ParseInt(encoded, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "setting %s", i.key)
	}
	return i.set(ctx, sv, v)
}

func (i *IntSetting) setToDefault(ctx context.Context, sv *Values) {
	if err := i.set(ctx, sv, i.defaultValue); err != nil {
		panic(err)
	}
}

// RegisterIntSetting defines a new setting with type int with an
// optional validation function.
func RegisterIntSetting(
	key, desc string, defaultValue int64, validateFn func(int64) error,
) *IntSetting {
	if validateFn != nil {
		if err := validateFn(defaultValue); err != nil {
			panic(errors.Wrap(err, "invalid default"))
		}
	}
	setting := &IntSetting{
		common:       common{key: key, description: desc},
		defaultValue: defaultValue,
		validateFn:   validateFn,
	}
	register(setting)
	return setting
}

// PositiveInt can be passed to RegisterIntSetting.
func PositiveInt(v int64) error {
	if v < 1 {
		return errors.Errorf("cannot be set to a non-positive value: %d", v)
	}
	return nil
}

// NonNegativeInt can be passed to RegisterIntSetting.
func NonNegativeInt(v int64) error {
	if v < 0 {
		return errors.Errorf("cannot be set to a negative value: %d", v)
	}
	return nil
}

// EncodeInt encodes the int value of a setting.
func EncodeInt(i int64) string {
	return strconv.FormatInt(i, 10)
}
