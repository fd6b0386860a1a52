// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/redact"
)

// TargetKind says what a request's target id names.
type TargetKind int8

const (
	// TargetPartition routes the request to the shard holding a partition.
	TargetPartition TargetKind = iota
	// TargetShard routes the request to a shard.
	TargetShard
)

// SafeFormat implements the redact.SafeFormatter interface.
func (k TargetKind) SafeFormat(w redact.SafePrinter, _ rune) {
	if k == TargetShard {
		w.SafeString("shard")
		return
	}
	w.SafeString("partition")
}

func (k TargetKind) String() string { return redact.StringWithoutMarkers(k) }

// Request asks a shard to run one batch of a serialized server-side plan.
type Request struct {
	QueryID  string
	Target   TargetKind
	TargetID int32
	// VirtualPID restricts a shard request to one partition that migrated to
	// the shard, or is resume.NoPartition.
	VirtualPID int32
	// Plan is the serialized plan. PlanCompressed is set when it is
	// zstd-compressed.
	Plan           []byte
	PlanCompressed bool
	ExternalVars   []value.Value
	Resume         *resume.Info
	// BatchSize bounds the number of results, MaxReadKB the KB read.
	BatchSize     int
	MaxReadKB     int64
	Timeout       time.Duration
	SerialVersion int16
	// TopoSeq is the topology the client routed the request with.
	TopoSeq   int32
	Trace     bool
	BatchName string
}

// SafeFormat implements the redact.SafeFormatter interface.
func (r *Request) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %d", r.Target, r.TargetID)
	if r.VirtualPID != resume.NoPartition {
		w.Printf(" (virtual pid %d)", r.VirtualPID)
	}
	w.Printf(" batch=%d maxReadKB=%d", r.BatchSize, r.MaxReadKB)
}

func (r *Request) String() string { return redact.StringWithoutMarkers(r) }

// Result is the answer to a Request.
type Result struct {
	Rows []value.Value
	// RowPIDs holds the partition of each row when the plan tags results
	// with their partition.
	RowPIDs []int32
	Resume  *resume.Info
	// More is set when the batch was suspended before the scan completed.
	More   bool
	ReadKB int64
	// Trace is the batch trace, when requested.
	Trace string
}

// Dispatcher sends requests to the shards.
type Dispatcher interface {
	// ExecuteRequest sends a request and waits for its result.
	ExecuteRequest(ctx context.Context, req *Request) (*Result, error)
	// ExecuteRequestAsync sends a request and calls done with the outcome
	// from another goroutine.
	ExecuteRequestAsync(ctx context.Context, req *Request, done func(*Result, error))
}

// RequestHandler runs requests against a shard's store.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request, store Store) (*Result, error)
}

// IteratorError wraps an error raised while iterating over a store.
type IteratorError struct {
	Err error
}

func (e *IteratorError) Error() string { return fmt.Sprintf("store iterator: %v", e.Err) }

// Unwrap returns the wrapped error.
func (e *IteratorError) Unwrap() error { return e.Err }

// UnwrapIteratorError returns the error wrapped by an IteratorError, or err
// if it is not one.
func UnwrapIteratorError(err error) error {
	var ie *IteratorError
	if errors.As(err, &ie) {
		return ie.Err
	}
	return err
}
