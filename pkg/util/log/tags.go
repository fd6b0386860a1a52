// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"context"
	"strings"

	"github.com/cockroachdb/logtags"
)

// WithLogTag returns a context annotated with the given tag. A nil value
// produces a tag without a value.
func WithLogTag(ctx context.Context, name string, value interface{}) context.Context {
	return logtags.AddTag(ctx, name, value)
}

// FormatWithContextTags formats the string and prepends the context tags.
func FormatWithContextTags(ctx context.Context, msg string) string {
	var buf strings.Builder
	formatTags(ctx, &buf)
	buf.WriteString(msg)
	return buf.String()
}

// formatTags writes "[k1=v1,k2] " for the context's tags, or nothing.
func formatTags(ctx context.Context, buf *strings.Builder) {
	tags := logtags.FromContext(ctx)
	if tags == nil {
		return
	}
	buf.WriteByte('[')
	for i, t := range tags.Get() {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(t.Key())
		if v := t.ValueStr(); v != "" {
			if len(t.Key()) > 1 {
				buf.WriteByte('=')
			}
			buf.WriteString(v)
		}
	}
	buf.WriteString("] ")
}
