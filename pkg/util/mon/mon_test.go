// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package mon

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/stretchr/testify/require"
)

func TestBoundAccountBudget(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	m := NewMonitor("test", 100, nil)
	acc := m.MakeBoundAccount()
	require.NoError(t, acc.Grow(ctx, 60))
	require.NoError(t, acc.Grow(ctx, 40))
	require.EqualValues(t, 100, m.AllocBytes())

	err := acc.Grow(ctx, 1)
	require.Error(t, err)
	require.True(t, IsBudgetExceededError(err))
	require.NotEmpty(t, errors.GetAllHints(err))
	require.EqualValues(t, 100, acc.Used())

	acc.Shrink(ctx, 30)
	require.NoError(t, acc.Resize(ctx, 10, 30))
	require.EqualValues(t, 90, acc.Used())
	require.EqualValues(t, 100, m.MaximumBytes())

	acc.Close(ctx)
	require.EqualValues(t, 0, m.AllocBytes())
	m.Stop(ctx)
}

func TestNestedMonitors(t *testing.T) {
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	root := NewMonitor("root", 50, nil)
	a := NewMonitor("a", 40, root)
	b := NewUnlimitedMonitor("b")
	b.parent = root

	accA := a.MakeBoundAccount()
	accB := b.MakeBoundAccount()
	require.NoError(t, accA.Grow(ctx, 30))
	require.NoError(t, accB.Grow(ctx, 20))
	// Both children are under their own budget but the root is full.
	require.True(t, IsBudgetExceededError(accB.Grow(ctx, 1)))
	require.EqualValues(t, 50, root.AllocBytes())

	accA.Close(ctx)
	accB.Close(ctx)
	require.EqualValues(t, 0, root.AllocBytes())
}

func TestStopReportsLeak(t *testing.T) {
	sc := log.Scope(t)
	defer sc.Close(t)
	ctx := context.Background()

	root := NewMonitor("root", 0, nil)
	m := NewMonitor("leaky", 0, root)
	acc := m.MakeBoundAccount()
	require.NoError(t, acc.Grow(ctx, 7))
	m.Stop(ctx)
	require.Contains(t, sc.Contents(), "leftover")
	require.EqualValues(t, 0, root.AllocBytes())
}

func TestNilAndZeroAccounts(t *testing.T) {
	ctx := context.Background()
	var nilAcc *BoundAccount
	require.NoError(t, nilAcc.Grow(ctx, 10))
	require.Zero(t, nilAcc.Used())

	var standalone BoundAccount
	require.NoError(t, standalone.Grow(ctx, 1<<40))
	require.EqualValues(t, 1<<40, standalone.Used())
	standalone.Close(ctx)
	require.Zero(t, standalone.Used())
}
