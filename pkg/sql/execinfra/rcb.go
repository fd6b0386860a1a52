// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execinfra

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/mon"
	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
	"github.com/cockroachdb/kvquery/pkg/util/timeutil"
	"github.com/cockroachdb/redact"
)

// Role says which side of the client/server split an execution runs on.
type Role int8

const (
	// RoleClient is the coordinating side: the driver or proxy that fans
	// requests out and merges their results.
	RoleClient Role = iota
	// RoleServer is a shard executing one batch of a request.
	RoleServer
)

// SafeFormat implements the redact.SafeFormatter interface.
func (r Role) SafeFormat(w redact.SafePrinter, _ rune) {
	if r == RoleServer {
		w.SafeString("server")
		return
	}
	w.SafeString("client")
}

func (r Role) String() string { return redact.StringWithoutMarkers(r) }

// Collaborators are the services an execution uses. A server execution
// needs Metadata, Store and Topology; a client one Dispatcher and Topology.
type Collaborators struct {
	Metadata   kv.MetadataResolver
	Dispatcher kv.Dispatcher
	Topology   kv.TopologyProvider
	Store      kv.Store
}

// Limits are the budgets of one batch.
type Limits struct {
	// BatchSize is the number of results after which the batch is
	// suspended. Zero means no limit.
	BatchSize int
	// MaxReadKB is the number of KB a server batch may read. Zero means no
	// limit.
	MaxReadKB int64
	// Deadline is the time after which a server batch is suspended. Zero
	// means none.
	Deadline time.Time
	// RequestTimeout bounds each request a client sends.
	RequestTimeout time.Duration
	// MaxConcurrentRequests bounds the requests a client has in flight.
	MaxConcurrentRequests int
}

// RuntimeControlBlock is the state of one execution of a plan: the register
// file, the iterator states, the resume info, the budgets and the suspend
// flags.
//
// A server execution is driven by a single goroutine. A client execution in
// asynchronous mode receives request completions on other goroutines; those
// only touch state guarded by the publisher lock.
type RuntimeControlBlock struct {
	Collaborators
	Settings *settings.Values
	Limits   Limits

	// QueryID names the query in batch names and log tags.
	QueryID       string
	ExternalVars  []value.Value
	SerialVersion int16
	// OldStyleGrouping makes a grouping SFW send a group cut by the end of
	// a batch as a regular result instead of keeping it in the resume
	// info.
	OldStyleGrouping bool
	// TargetPID is the partition a server request targets, or
	// resume.NoPartition for shard requests.
	TargetPID int32
	// VirtualPID restricts a server shard scan to one partition.
	VirtualPID int32
	// ScanPartitions are the partitions a server shard scan covers.
	ScanPartitions []int32
	// CurrentPID is the partition the current result came from, when a
	// partition union tags its results.
	CurrentPID int32
	// Async selects the non-blocking mode of the receive iterators.
	Async bool
	// Trace enables the collection of batch traces.
	Trace bool

	role       Role
	regs       []value.Value
	states     []IterState
	resumeInfo *resume.Info
	mem        *mon.BoundAccount

	readKB        int64
	numResults    int
	needToSuspend bool
	cannotSuspend int
	reachedLimit  bool

	publisherMu struct {
		syncutil.Mutex
		traces map[string]string
	}
	ready chan struct{}
}

// NewRuntimeControlBlock creates the control block of an execution of plan.
// A nil resume info starts the execution from scratch.
func NewRuntimeControlBlock(role Role, plan *Plan, ri *resume.Info) *RuntimeControlBlock {
	if ri == nil {
		ri = resume.NewInfo(plan.NumTables)
	}
	rcb := &RuntimeControlBlock{
		role:          role,
		regs:          make([]value.Value, plan.NumRegs),
		states:        make([]IterState, plan.NumStates),
		resumeInfo:    ri,
		SerialVersion: SerialVersionCurrent,
		TargetPID:     resume.NoPartition,
		VirtualPID:    resume.NoPartition,
		CurrentPID:    resume.NoPartition,
		ready:         make(chan struct{}, 1),
	}
	rcb.publisherMu.traces = make(map[string]string)
	return rcb
}

// Role returns the side of the execution.
func (rcb *RuntimeControlBlock) Role() Role { return rcb.role }

// IsServer returns true for server executions.
func (rcb *RuntimeControlBlock) IsServer() bool { return rcb.role == RoleServer }

// Reg returns the value in register i.
func (rcb *RuntimeControlBlock) Reg(i int) value.Value { return rcb.regs[i] }

// SetReg stores v in register i.
func (rcb *RuntimeControlBlock) SetReg(i int, v value.Value) { rcb.regs[i] = v }

// Regs returns registers [from, from+n).
func (rcb *RuntimeControlBlock) Regs(from, n int) []value.Value { return rcb.regs[from : from+n] }

// State returns the state in slot pos, or nil if the iterator was never
// opened.
func (rcb *RuntimeControlBlock) State(pos int) IterState { return rcb.states[pos] }

// SetState stores the state of the iterator with slot pos.
func (rcb *RuntimeControlBlock) SetState(pos int, s IterState) { rcb.states[pos] = s }

// GetState returns the state in slot pos as a T. A slot holding anything
// else is an internal error, reported by panicking.
func GetState[T IterState](rcb *RuntimeControlBlock, pos int) T {
	s, ok := rcb.states[pos].(T)
	if !ok {
		panic(errors.AssertionFailedf("state slot %d holds %T", pos, rcb.states[pos]))
	}
	return s
}

// CloseState marks the state in slot pos closed. It returns false if the
// iterator was never opened or is already closed, which lets Close methods
// release their resources exactly once.
func (rcb *RuntimeControlBlock) CloseState(pos int) bool {
	s := rcb.states[pos]
	if s == nil || s.base().IsClosed() {
		return false
	}
	s.base().Close()
	return true
}

// IsOpen returns true if the iterator with slot pos has a state that was
// not closed.
func (rcb *RuntimeControlBlock) IsOpen(pos int) bool {
	s := rcb.states[pos]
	return s != nil && !s.base().IsClosed()
}

// ResumeInfo returns the resume info of the execution.
func (rcb *RuntimeControlBlock) ResumeInfo() *resume.Info { return rcb.resumeInfo }

// SetResumeInfo replaces the resume info of the execution.
func (rcb *RuntimeControlBlock) SetResumeInfo(ri *resume.Info) { rcb.resumeInfo = ri }

// SetMemoryAccount sets the account memory-hungry iterators charge.
func (rcb *RuntimeControlBlock) SetMemoryAccount(acc *mon.BoundAccount) { rcb.mem = acc }

// MemoryAccount returns the memory account, which is never nil.
func (rcb *RuntimeControlBlock) MemoryAccount() *mon.BoundAccount {
	if rcb.mem == nil {
		rcb.mem = &mon.BoundAccount{}
	}
	return rcb.mem
}

// GrowMemory charges delta bytes to the memory account. At a client,
// exceeding the budget is a query error. At a server it suspends the batch
// instead and GrowMemory returns nil.
func (rcb *RuntimeControlBlock) GrowMemory(
	ctx context.Context, delta int64, loc execerror.Location,
) error {
	if delta <= 0 {
		rcb.MemoryAccount().Shrink(ctx, -delta)
		return nil
	}
	err := rcb.MemoryAccount().Grow(ctx, delta)
	if err == nil {
		return nil
	}
	if rcb.IsServer() && mon.IsBudgetExceededError(err) {
		log.VEventf(ctx, 2, "suspending batch: %v", err)
		rcb.SetNeedToSuspend()
		return nil
	}
	return execerror.NewMemoryLimitError(err, loc)
}

// AddReadKB charges kb to the read budget, asking for a suspend when the
// budget is used up.
func (rcb *RuntimeControlBlock) AddReadKB(kb int64) {
	rcb.readKB += kb
	if rcb.Limits.MaxReadKB > 0 && rcb.readKB >= rcb.Limits.MaxReadKB {
		rcb.SetNeedToSuspend()
	}
}

// ReadKB returns the KB read by the batch.
func (rcb *RuntimeControlBlock) ReadKB() int64 { return rcb.readKB }

// ReadBudgetExhausted returns true if the batch may not read any more.
func (rcb *RuntimeControlBlock) ReadBudgetExhausted() bool {
	return rcb.Limits.MaxReadKB > 0 && rcb.readKB >= rcb.Limits.MaxReadKB
}

// AddResult counts a result of the batch, asking for a suspend when the
// batch is full.
func (rcb *RuntimeControlBlock) AddResult() {
	rcb.numResults++
	if rcb.Limits.BatchSize > 0 && rcb.numResults >= rcb.Limits.BatchSize {
		rcb.SetNeedToSuspend()
	}
}

// NumResults returns the number of results of the batch.
func (rcb *RuntimeControlBlock) NumResults() int { return rcb.numResults }

// SetNeedToSuspend asks the execution to end the batch at the next
// consistent point.
func (rcb *RuntimeControlBlock) SetNeedToSuspend() { rcb.needToSuspend = true }

// NeedToSuspend returns true if a suspend was asked for.
func (rcb *RuntimeControlBlock) NeedToSuspend() bool { return rcb.needToSuspend }

// EnterNoSuspend starts a region that must not be cut by a suspend. Regions
// nest.
func (rcb *RuntimeControlBlock) EnterNoSuspend() { rcb.cannotSuspend++ }

// ExitNoSuspend ends a region started by EnterNoSuspend.
func (rcb *RuntimeControlBlock) ExitNoSuspend() {
	if rcb.cannotSuspend == 0 {
		panic(errors.AssertionFailedf("unbalanced ExitNoSuspend"))
	}
	rcb.cannotSuspend--
}

// CannotSuspend returns true inside a no-suspend region.
func (rcb *RuntimeControlBlock) CannotSuspend() bool { return rcb.cannotSuspend > 0 }

// ShouldSuspend returns true if the batch must end now.
func (rcb *RuntimeControlBlock) ShouldSuspend() bool {
	if rcb.cannotSuspend > 0 {
		return false
	}
	if !rcb.needToSuspend && !rcb.Limits.Deadline.IsZero() && timeutil.Now().After(rcb.Limits.Deadline) {
		rcb.needToSuspend = true
	}
	return rcb.needToSuspend
}

// SetReachedLimit records that the batch was suspended before the plan was
// exhausted.
func (rcb *RuntimeControlBlock) SetReachedLimit() { rcb.reachedLimit = true }

// ReachedLimit returns true if the batch was suspended.
func (rcb *RuntimeControlBlock) ReachedLimit() bool { return rcb.reachedLimit }

// StartBatch clears the per-batch counters and flags.
func (rcb *RuntimeControlBlock) StartBatch(limits Limits) {
	rcb.Limits = limits
	rcb.readKB = 0
	rcb.numResults = 0
	rcb.needToSuspend = false
	rcb.reachedLimit = false
}

// AddBatchTrace records the trace of a server batch. It may be called from
// request completion goroutines.
func (rcb *RuntimeControlBlock) AddBatchTrace(name, trace string) {
	rcb.publisherMu.Lock()
	defer rcb.publisherMu.Unlock()
	rcb.publisherMu.traces[name] = trace
}

// BatchTraces returns the batch traces recorded so far, keyed by batch name.
func (rcb *RuntimeControlBlock) BatchTraces() map[string]string {
	rcb.publisherMu.Lock()
	defer rcb.publisherMu.Unlock()
	res := make(map[string]string, len(rcb.publisherMu.traces))
	for k, v := range rcb.publisherMu.traces {
		res[k] = v
	}
	return res
}

// BatchTraceNames returns the names of the recorded batch traces, sorted.
func (rcb *RuntimeControlBlock) BatchTraceNames() []string {
	rcb.publisherMu.Lock()
	defer rcb.publisherMu.Unlock()
	names := make([]string, 0, len(rcb.publisherMu.traces))
	for k := range rcb.publisherMu.traces {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// WithPublisherLock runs fn with the publisher lock held. Request
// completions use it to hand their results over to the execution.
func (rcb *RuntimeControlBlock) WithPublisherLock(fn func()) {
	rcb.publisherMu.Lock()
	defer rcb.publisherMu.Unlock()
	fn()
}

// Publish signals that a request completed. Signals coalesce.
func (rcb *RuntimeControlBlock) Publish() {
	select {
	case rcb.ready <- struct{}{}:
	default:
	}
}

// Ready returns the channel Publish signals on.
func (rcb *RuntimeControlBlock) Ready() <-chan struct{} { return rcb.ready }

// Close releases the memory charged by the execution.
func (rcb *RuntimeControlBlock) Close(ctx context.Context) {
	if rcb.mem != nil {
		rcb.mem.Close(ctx)
	}
}
