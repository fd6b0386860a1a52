// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package value

import (
	"time"

	"github.com/cockroachdb/errors"
)

// MaxTimestampPrecision is the largest fractional second precision.
const MaxTimestampPrecision = 9

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// NewTimestamp returns a TIMESTAMP rounded down to the given precision.
func NewTimestamp(t time.Time, precision int8) *DTimestamp {
	return &DTimestamp{Time: truncateToPrecision(t.UTC(), precision), Precision: precision}
}

func truncateToPrecision(t time.Time, precision int8) time.Time {
	if precision < 0 || precision >= MaxTimestampPrecision {
		return t
	}
	unit := time.Duration(1)
	for i := precision; i < MaxTimestampPrecision; i++ {
		unit *= 10
	}
	return t.Truncate(unit)
}

// ParseTimestamp parses an ISO 8601 string as a TIMESTAMP of the given
// precision. Strings without a zone designator are taken as UTC.
func ParseTimestamp(s string, precision int8) (*DTimestamp, error) {
	if precision < 0 || precision > MaxTimestampPrecision {
		return nil, errors.Newf("invalid timestamp precision %d", precision)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return NewTimestamp(t, precision), nil
		}
	}
	return nil, errors.Newf("could not parse %q as TIMESTAMP(%d)", s, precision)
}
