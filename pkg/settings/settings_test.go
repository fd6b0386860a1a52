// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const mb = int64(1024 * 1024)

var boolTA = RegisterBoolSetting("test.bool.t", "", true)
var boolFA = RegisterBoolSetting("test.bool.f", "", false)
var i1A = RegisterIntSetting("test.i.1", "", 0, nil)
var i2A = RegisterIntSetting("test.i.2", "", 5, PositiveInt)
var dA = RegisterDurationSetting("test.d", "", time.Second, NonNegativeDuration)
var byteSize = RegisterByteSizeSetting("test.zzz", "", mb, nil)

func TestCache(t *testing.T) {
	ctx := context.Background()
	sv := MakeTestingValues()

	t.Run("defaults", func(t *testing.T) {
		require.False(t, boolFA.Get(sv))
		require.True(t, boolTA.Get(sv))
		require.EqualValues(t, 0, i1A.Get(sv))
		require.EqualValues(t, 5, i2A.Get(sv))
		require.Equal(t, time.Second, dA.Get(sv))
		require.Equal(t, mb, byteSize.Get(sv))
		require.Equal(t, "1.0 MiB", byteSize.String(sv))
	})

	t.Run("lookup", func(t *testing.T) {
		s, ok := Lookup("test.i.1")
		require.True(t, ok)
		require.Equal(t, Setting(i1A), s)
		_, ok = Lookup("dne")
		require.False(t, ok)
		require.Contains(t, Keys(), "test.d")
	})

	t.Run("read and write each type", func(t *testing.T) {
		u := NewUpdater(sv)
		require.NoError(t, u.Set(ctx, "test.bool.t", EncodeBool(false)))
		require.NoError(t, u.Set(ctx, "test.i.2", EncodeInt(3)))
		require.NoError(t, u.Set(ctx, "test.d", "2h"))
		require.NoError(t, u.Set(ctx, "test.zzz", "10 MiB"))
		require.False(t, boolTA.Get(sv))
		require.EqualValues(t, 3, i2A.Get(sv))
		require.Equal(t, 2*time.Hour, dA.Get(sv))
		require.Equal(t, 10*mb, byteSize.Get(sv))

		u.ResetRemaining(ctx, map[string]string{"test.i.2": ""})
		require.True(t, boolTA.Get(sv))
		require.EqualValues(t, 3, i2A.Get(sv))
	})

	t.Run("invalid values", func(t *testing.T) {
		u := NewUpdater(sv)
		require.Error(t, u.Set(ctx, "test.i.2", "0"))
		require.Error(t, u.Set(ctx, "test.i.2", "notanint"))
		require.Error(t, u.Set(ctx, "test.d", "-1s"))
		require.Error(t, u.Set(ctx, "test.zzz", "lots"))
		require.Error(t, u.Set(ctx, "nope", "1"))
		require.Error(t, u.SetAll(ctx, map[string]string{"test.i.1": "1", "nope": "2"}))
	})
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	sv := MakeTestingValues()
	changes := 0
	i1A.SetOnChange(sv, func(context.Context) { changes++ })
	i1A.Override(ctx, sv, 7)
	i1A.Override(ctx, sv, 7)
	i1A.Override(ctx, sv, 8)
	require.Equal(t, 2, changes)
}

func TestIndependentValues(t *testing.T) {
	ctx := context.Background()
	a, b := MakeTestingValues(), MakeTestingValues()
	i1A.Override(ctx, a, 42)
	require.EqualValues(t, 42, i1A.Get(a))
	require.EqualValues(t, 0, i1A.Get(b))
}
