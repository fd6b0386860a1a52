// Copyright 2018 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
)

type tShim interface {
	Failed() bool
	Helper()
	Logf(format string, args ...interface{})
}

// TestLogScope captures the log output of a test. When the test fails the
// captured output is replayed through t.Logf.
//
// Use as follows:
//
//	defer log.Scope(t).Close(t)
type TestLogScope struct {
	buf     syncBuffer
	restore []func()
}

type syncBuffer struct {
	mu syncutil.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// Scope redirects the log output to an in-memory buffer until Close is
// called.
func Scope(t tShim) *TestLogScope {
	t.Helper()
	sc := &TestLogScope{}
	sc.restore = append(sc.restore, SetOutput(&sc.buf), SetThreshold(Severity_INFO))
	return sc
}

// Contents returns what has been logged within the scope so far.
func (sc *TestLogScope) Contents() string {
	return sc.buf.String()
}

// Close restores the previous log configuration.
func (sc *TestLogScope) Close(t tShim) {
	t.Helper()
	for i := len(sc.restore) - 1; i >= 0; i-- {
		sc.restore[i]()
	}
	if t.Failed() {
		for _, line := range strings.Split(strings.TrimRight(sc.Contents(), "\n"), "\n") {
			t.Logf("%s", line)
		}
	}
}
