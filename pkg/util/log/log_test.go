// Copyright 2013 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestLogTagsAndSeverity(t *testing.T) {
	sc := Scope(t)
	defer sc.Close(t)

	ctx := WithLogTag(context.Background(), "n", 3)
	ctx = WithLogTag(ctx, "query", "q7")
	Infof(ctx, "hello %d", 42)
	Warningf(ctx, "careful")

	lines := strings.Split(strings.TrimSpace(sc.Contents()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "I"), lines[0])
	require.Contains(t, lines[0], "log_test.go:")
	require.Contains(t, lines[0], "[n3,query=q7] hello 42")
	require.True(t, strings.HasPrefix(lines[1], "W"), lines[1])
}

func TestRedaction(t *testing.T) {
	sc := Scope(t)
	defer sc.Close(t)

	Infof(context.Background(), "key %s safe %s", "secret", redact.Safe("public"))
	require.Contains(t, sc.Contents(), "key secret safe public")
	require.NotContains(t, sc.Contents(), "‹")

	defer SetRedactable(true)()
	Infof(context.Background(), "key %s", "secret")
	require.Contains(t, sc.Contents(), "key ‹secret›")
}

func TestVerbosity(t *testing.T) {
	sc := Scope(t)
	defer sc.Close(t)

	require.False(t, V(2))
	VEventf(context.Background(), 2, "invisible")
	require.NotContains(t, sc.Contents(), "invisible")

	defer SetVerbosity(2)()
	require.True(t, V(2))
	require.False(t, V(3))
	VEventf(context.Background(), 2, "visible")
	require.Contains(t, sc.Contents(), "visible")
}

func TestRecording(t *testing.T) {
	sc := Scope(t)
	defer sc.Close(t)

	ctx, rec := WithRecording(WithLogTag(context.Background(), "p", 1))
	VEventf(ctx, 3, "scanned %d rows", 10)
	Eventf(ctx, "batch done")
	require.True(t, ExpensiveLogEnabled(ctx, 5))
	require.NotContains(t, sc.Contents(), "scanned")
	require.Equal(t, "[p1] scanned 10 rows\n[p1] batch done\n", rec.String())
	require.Len(t, rec.Events(), 2)
}

func TestEveryN(t *testing.T) {
	start := time.Now()
	e := Every(time.Minute)
	require.True(t, e.shouldLog(start))
	require.False(t, e.shouldLog(start.Add(time.Second)))
	require.True(t, e.shouldLog(start.Add(time.Minute)))
	require.False(t, e.shouldLog(start.Add(time.Minute+time.Second)))
}

func TestFatalf(t *testing.T) {
	sc := Scope(t)
	defer sc.Close(t)

	var code int
	defer SetExitFunc(func(c int) { code = c })()
	Fatalf(context.Background(), "boom")
	require.Equal(t, 255, code)
	require.Contains(t, sc.Contents(), "boom")
}

func TestSeverityByName(t *testing.T) {
	s, ok := SeverityByName("warning")
	require.True(t, ok)
	require.Equal(t, Severity_WARNING, s)
	_, ok = SeverityByName("loud")
	require.False(t, ok)
	require.Equal(t, "ERROR", Severity_ERROR.String())
}
