// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	var timer Timer
	require.False(t, timer.Stop())

	timer.Reset(time.Millisecond)
	<-timer.C
	timer.Read = true

	timer.Reset(time.Hour)
	select {
	case <-timer.C:
		t.Fatal("timer fired early")
	case <-time.After(5 * time.Millisecond):
	}
	require.True(t, timer.Stop())
	require.Nil(t, timer.C)
}

func TestSinceUntil(t *testing.T) {
	start := Now()
	require.Equal(t, time.UTC, start.Location())
	require.GreaterOrEqual(t, Since(start), time.Duration(0))
	require.Greater(t, Until(start.Add(time.Hour)), 59*time.Minute)
}
