// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
	"github.com/cockroachdb/redact"
)

// RecordedEvent is one message captured by a Recording.
type RecordedEvent struct {
	Time    time.Time
	Message redact.RedactableString
}

// Recording collects the events logged against a context, regardless of
// verbosity. Query tracing attaches one per request so that server-side
// events can be shipped back to the client.
type Recording struct {
	mu struct {
		syncutil.Mutex
		events []RecordedEvent
	}
}

type recordingKey struct{}

// WithRecording returns a context whose events are captured by a new
// Recording.
func WithRecording(ctx context.Context) (context.Context, *Recording) {
	rec := &Recording{}
	return context.WithValue(ctx, recordingKey{}, rec), rec
}

func recordingFromContext(ctx context.Context) *Recording {
	if ctx == nil {
		return nil
	}
	rec, _ := ctx.Value(recordingKey{}).(*Recording)
	return rec
}

func (r *Recording) record(ctx context.Context, msg redact.RedactableString) {
	var buf strings.Builder
	formatTags(ctx, &buf)
	buf.WriteString(string(msg))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.events = append(r.mu.events, RecordedEvent{
		Time:    time.Now(),
		Message: redact.RedactableString(buf.String()),
	})
}

// Events returns a copy of the recorded events.
func (r *Recording) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.mu.events...)
}

// String renders the recording with redaction markers stripped, one event
// per line.
func (r *Recording) String() string {
	var buf strings.Builder
	for _, ev := range r.Events() {
		buf.WriteString(ev.Message.StripMarkers())
		buf.WriteByte('\n')
	}
	return buf.String()
}
