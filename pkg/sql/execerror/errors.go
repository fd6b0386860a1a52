// Copyright 2019 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package execerror defines the error taxonomy of query execution.
//
// User errors are QueryErrors: they carry a Code and the source location of
// the offending expression and are never retried. Internal errors are
// assertion failures (see errors.AssertionFailedf). Retryable errors are
// marked so that IsRetryable recognizes them through any amount of
// wrapping.
package execerror

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Location is the position of an expression in the query text.
type Location struct {
	StartLine   int32
	StartColumn int32
	EndLine     int32
	EndColumn   int32
}

// SafeFormat implements redact.SafeFormatter.
func (l Location) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("line %d, column %d", l.StartLine, l.StartColumn)
}

func (l Location) String() string { return redact.StringWithoutMarkers(l) }

// IsZero returns true if no location was recorded.
func (l Location) IsZero() bool { return l == Location{} }

// QueryError is a user-facing error attached to a query location.
type QueryError struct {
	Code  Code
	Loc   Location
	cause error
}

var _ errors.SafeFormatter = (*QueryError)(nil)

// NewQueryErrorf creates a QueryError.
func NewQueryErrorf(code Code, loc Location, format string, args ...interface{}) error {
	return &QueryError{
		Code:  code,
		Loc:   loc,
		cause: errors.NewWithDepthf(1, format, args...),
	}
}

// WrapQueryErrorf wraps err into a QueryError.
func WrapQueryErrorf(err error, code Code, loc Location, format string, args ...interface{}) error {
	return &QueryError{
		Code:  code,
		Loc:   loc,
		cause: errors.WrapWithDepthf(1, err, format, args...),
	}
}

func (e *QueryError) Error() string { return fmt.Sprint(e) }

// Cause implements the causer interface.
func (e *QueryError) Cause() error { return e.cause }

// Unwrap implements the Go 1.13 wrapper interface.
func (e *QueryError) Unwrap() error { return e.cause }

// Format implements fmt.Formatter.
func (e *QueryError) Format(s fmt.State, verb rune) { errors.FormatError(e, s, verb) }

// SafeFormatError implements errors.SafeFormatter.
func (e *QueryError) SafeFormatError(p errors.Printer) (next error) {
	if !e.Loc.IsZero() {
		p.Printf("at %s", e.Loc)
	}
	return e.cause
}

// GetCode returns the code of the outermost QueryError in err's chain, or
// CodeUncategorized.
func GetCode(err error) Code {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeUncategorized
}

// GetLocation returns the location of the outermost QueryError in err's
// chain.
func GetLocation(err error) (Location, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Loc, true
	}
	return Location{}, false
}

// errRetryable marks errors after which the whole request may be retried.
var errRetryable = errors.New("retryable")

// IsRetryable returns true if err (or any error it wraps) was marked as
// retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, errRetryable)
}

// PartitionMovedError reports that a partition was found to live on a
// different shard than the request was routed to.
type PartitionMovedError struct {
	PartitionID int32
	// Initial is set when the moved partition is the one the request was
	// routed by. Otherwise the request already produced results from other
	// partitions.
	Initial bool
}

func (e *PartitionMovedError) Error() string { return fmt.Sprint(e) }

// SafeFormatError implements errors.SafeFormatter.
func (e *PartitionMovedError) SafeFormatError(p errors.Printer) (next error) {
	p.Printf("partition %d moved", redact.Safe(e.PartitionID))
	if e.Initial {
		p.Print(" (initial)")
	}
	return nil
}

// Format implements fmt.Formatter.
func (e *PartitionMovedError) Format(s fmt.State, verb rune) { errors.FormatError(e, s, verb) }

// NewPartitionMovedError returns a retryable error for a migrated partition.
func NewPartitionMovedError(pid int32, initial bool) error {
	return errors.Mark(&PartitionMovedError{PartitionID: pid, Initial: initial}, errRetryable)
}

// IsPartitionMoved returns the partition id if err reports a moved
// partition.
func IsPartitionMoved(err error) (*PartitionMovedError, bool) {
	var pm *PartitionMovedError
	if errors.As(err, &pm) {
		return pm, true
	}
	return nil, false
}

// RequestTimeoutError is returned when a request produced no results within
// its time budget.
type RequestTimeoutError struct {
	Op      redact.SafeString
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// NewRequestTimeoutError returns a retryable timeout error.
func NewRequestTimeoutError(op redact.SafeString, timeout time.Duration) error {
	return errors.Mark(&RequestTimeoutError{Op: op, Timeout: timeout}, errRetryable)
}

// NodeUnavailableError is returned by a dispatcher that cannot reach any
// node of a shard.
type NodeUnavailableError struct {
	ShardID int32
}

func (e *NodeUnavailableError) Error() string {
	return fmt.Sprintf("no node of shard %d is available", e.ShardID)
}

// NewNodeUnavailableError returns a retryable error for an unreachable shard.
func NewNodeUnavailableError(shardID int32) error {
	return errors.Mark(&NodeUnavailableError{ShardID: shardID}, errRetryable)
}

// UnsupportedKindError is returned when a serialized plan contains an
// iterator kind this binary does not know.
type UnsupportedKindError struct {
	Kind    int16
	Version int16
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported plan iterator kind %d at serial version %d", e.Kind, e.Version)
}

// NewUnsupportedKindError returns an internal error naming the unknown kind.
func NewUnsupportedKindError(kind, version int16) error {
	return errors.WithAssertionFailure(
		errors.WithHint(&UnsupportedKindError{Kind: kind, Version: version},
			"the plan was produced by a newer version; retry once the cluster is upgraded"))
}

// NewMemoryLimitError converts a monitor budget failure into a user error.
func NewMemoryLimitError(err error, loc Location) error {
	return WrapQueryErrorf(err, CodeMemoryLimitExceeded, loc, "query memory limit exceeded")
}

// ErrResultPending is returned by non-blocking iteration when no result is
// available yet and a remote request is in flight.
var ErrResultPending = errors.New("result pending")
