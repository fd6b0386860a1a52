// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package distsql

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/rowexec"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/metric"
	"github.com/cockroachdb/kvquery/pkg/util/mon"
	"github.com/cockroachdb/kvquery/pkg/util/timeutil"
	"github.com/cockroachdb/redact"
)

// ExecutorConfig holds the collaborators of the queries run by an
// Executor.
type ExecutorConfig struct {
	Settings   *settings.Values
	Dispatcher kv.Dispatcher
	Topology   kv.TopologyProvider
	Metrics    *metric.Registry
	Monitor    *mon.BytesMonitor
}

// Executor starts queries at the client.
type Executor struct {
	cfg     ExecutorConfig
	metrics QueryMetrics
	nextID  atomic.Int64
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Settings == nil {
		cfg.Settings = settings.MakeTestingValues()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	return &Executor{cfg: cfg, metrics: MakeQueryMetrics(cfg.Metrics)}
}

// Metrics returns the metrics of the executor.
func (e *Executor) Metrics() *QueryMetrics { return &e.metrics }

// QueryOptions parameterize a query.
type QueryOptions struct {
	// QueryID names the query in logs and batch names. A fresh id is
	// generated if empty.
	QueryID      string
	ExternalVars []value.Value
	// BatchSize is the number of results of a batch; 0 means the
	// BatchSize setting.
	BatchSize int
	// MaxReadKB bounds the KB each server batch reads; 0 means the
	// MaxReadKB setting.
	MaxReadKB int64
	// Continuation resumes the query where the batch that returned it
	// ended.
	Continuation []byte
	// Async makes the query non-blocking: see Query.NextLocal.
	Async bool
	// Trace collects the traces of the server batches.
	Trace bool
}

// Query is one execution of a client plan. It is not safe for concurrent
// use.
type Query struct {
	e       *Executor
	plan    *execinfra.Plan
	rcb     *execinfra.RuntimeControlBlock
	monitor *mon.BytesMonitor
	acc     mon.BoundAccount
	limits  execinfra.Limits
	// batchOpen is set between the first result of a batch and the end of
	// the batch.
	batchOpen bool
	done      bool
	closed    bool
}

// Start opens a query over plan.
func (e *Executor) Start(
	ctx context.Context, plan *execinfra.Plan, opts QueryOptions,
) (*Query, error) {
	sv := e.cfg.Settings
	e.metrics.Queries.Inc(1)
	var ri *resume.Info
	if opts.Continuation != nil {
		tok, err := resume.UnmarshalToken(opts.Continuation)
		if err != nil {
			return nil, err
		}
		ri = tok.Info
	}
	if opts.QueryID == "" {
		opts.QueryID = fmt.Sprintf("q%d", e.nextID.Add(1))
	}
	ctx = log.WithLogTag(ctx, "qid", opts.QueryID)

	rcb := execinfra.NewRuntimeControlBlock(execinfra.RoleClient, plan, ri)
	rcb.Collaborators = execinfra.Collaborators{
		Dispatcher: e.cfg.Dispatcher,
		Topology:   e.cfg.Topology,
	}
	rcb.Settings = sv
	rcb.QueryID = opts.QueryID
	rcb.ExternalVars = opts.ExternalVars
	rcb.SerialVersion = int16(SerialVersion.Get(sv))
	rcb.Async = opts.Async
	rcb.Trace = opts.Trace

	q := &Query{e: e, plan: plan, rcb: rcb}
	q.limits = execinfra.Limits{
		BatchSize:             opts.BatchSize,
		MaxReadKB:             opts.MaxReadKB,
		RequestTimeout:        RequestTimeout.Get(sv),
		MaxConcurrentRequests: int(MaxConcurrentRequests.Get(sv)),
	}
	if q.limits.BatchSize <= 0 {
		q.limits.BatchSize = int(BatchSize.Get(sv))
	}
	if q.limits.MaxReadKB <= 0 {
		q.limits.MaxReadKB = MaxReadKB.Get(sv)
	}
	q.monitor = mon.NewMonitor(redact.SafeString("client-query"), ClientMemoryLimit.Get(sv), e.cfg.Monitor)
	q.acc = q.monitor.MakeBoundAccount()
	rcb.SetMemoryAccount(&q.acc)
	rcb.StartBatch(q.limits)

	if err := plan.Root.Open(ctx, rcb); err != nil {
		q.Close(ctx)
		return nil, err
	}
	log.VEventf(ctx, 2, "started query (resumed: %t)", ri != nil)
	return q, nil
}

// ID returns the query id.
func (q *Query) ID() string { return q.rcb.QueryID }

// Done returns true once every result was returned.
func (q *Query) Done() bool { return q.done }

// NextBatch returns the next batch of results. A batch has BatchSize
// results unless the query ends first or an atomic group of results must
// not be split. An empty batch with Done set ends the query.
func (q *Query) NextBatch(ctx context.Context) (_ []value.Value, retErr error) {
	if q.done || q.closed {
		return nil, nil
	}
	ctx = log.WithLogTag(ctx, "qid", q.rcb.QueryID)
	start := timeutil.Now()
	defer func() {
		q.e.metrics.Latency.RecordValue(timeutil.Since(start).Seconds())
		if retErr != nil {
			q.e.metrics.Errors.Inc(1)
		}
	}()
	q.startBatch()
	var rows []value.Value
	for q.rcb.NumResults() < q.limits.BatchSize || q.rcb.CannotSuspend() {
		v, ok, err := q.next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, v)
	}
	q.endBatch(ctx, len(rows))
	return rows, nil
}

func (q *Query) startBatch() {
	if !q.batchOpen {
		q.rcb.StartBatch(q.limits)
		q.batchOpen = true
	}
}

func (q *Query) endBatch(ctx context.Context, n int) {
	q.batchOpen = false
	q.e.metrics.Batches.Inc(1)
	q.e.metrics.Rows.Inc(int64(n))
	log.VEventf(ctx, 2, "batch of %d results (done: %t)", n, q.done)
}

// next returns the next result of the plan, retained.
func (q *Query) next(ctx context.Context) (value.Value, bool, error) {
	root := q.plan.Root
	more, err := root.Next(ctx, q.rcb)
	if err != nil {
		return nil, false, err
	}
	if !more {
		if !q.rcb.ReachedLimit() {
			q.done = true
		}
		return nil, false, nil
	}
	q.rcb.AddResult()
	return value.Copy(q.rcb.Reg(root.ResultReg())), true, nil
}

// NextLocal returns the next result without blocking. If the result
// depends on a server request that has not completed, it returns
// execerror.ErrResultPending; the caller waits on Ready and calls
// NextLocal again. The batch ends when NextLocal returns false with no
// error, and the next call starts a new batch.
func (q *Query) NextLocal(ctx context.Context) (value.Value, bool, error) {
	if !q.rcb.Async {
		return nil, false, errors.AssertionFailedf("NextLocal on a synchronous query")
	}
	if q.done || q.closed {
		return nil, false, nil
	}
	ctx = log.WithLogTag(ctx, "qid", q.rcb.QueryID)
	q.startBatch()
	n := q.rcb.NumResults()
	if n >= q.limits.BatchSize && !q.rcb.CannotSuspend() {
		q.endBatch(ctx, n)
		return nil, false, nil
	}
	v, ok, err := q.next(ctx)
	if err != nil {
		if !errors.Is(err, execerror.ErrResultPending) {
			q.e.metrics.Errors.Inc(1)
		}
		return nil, false, err
	}
	if !ok {
		q.endBatch(ctx, n)
	}
	return v, ok, nil
}

// Ready is signaled whenever a server request of an asynchronous query
// completes.
func (q *Query) Ready() <-chan struct{} { return q.rcb.Ready() }

// Token returns the continuation of the query after the last batch, or nil
// if the query is done. Queries that group at the client keep state
// outside the resume info and cannot be continued.
func (q *Query) Token() ([]byte, error) {
	if q.done {
		return nil, nil
	}
	if rowexec.HasClientGrouping(q.plan.Root) {
		return nil, execerror.NewQueryErrorf(execerror.CodeInvalidContinuation, execerror.Location{},
			"queries grouping at the client cannot be continued")
	}
	ri := q.rcb.ResumeInfo()
	return resume.MarshalToken(resume.Token{Target: ri.CurrentPID, Info: ri},
		int(TokenCompressionThreshold.Get(q.rcb.Settings)))
}

// BatchTraces returns the traces of the server batches run so far, keyed
// by batch name.
func (q *Query) BatchTraces() map[string]string { return q.rcb.BatchTraces() }

// ResumeInfo returns the resume info of the query.
func (q *Query) ResumeInfo() *resume.Info { return q.rcb.ResumeInfo() }

// Close releases the resources of the query. It is idempotent.
func (q *Query) Close(ctx context.Context) {
	if q.closed {
		return
	}
	q.closed = true
	if err := q.plan.Root.Close(ctx, q.rcb); err != nil {
		log.Warningf(ctx, "closing query %s: %v", q.rcb.QueryID, err)
	}
	q.rcb.Close(ctx)
	q.monitor.Stop(ctx)
}
