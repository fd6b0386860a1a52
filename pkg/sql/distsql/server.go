// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package distsql runs distributed query plans. A Server executes the
// batches of server plans that shards receive; a Query drives a client
// plan, batch after batch, on behalf of an application.
package distsql

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/metric"
	"github.com/cockroachdb/kvquery/pkg/util/mon"
	"github.com/cockroachdb/kvquery/pkg/util/timeutil"
	"github.com/cockroachdb/redact"

	// Registers the decoders of the plan iterators.
	_ "github.com/cockroachdb/kvquery/pkg/sql/rowexec"
)

// ServerConfig holds the collaborators of a Server.
type ServerConfig struct {
	Settings *settings.Values
	Metadata kv.MetadataResolver
	// Topology is optional. Without it shard scans cover the partitions the
	// store holds when they start.
	Topology kv.TopologyProvider
	Metrics  *metric.Registry
	// Monitor is the parent of the batch memory monitors; nil means no
	// limit beyond ServerMemoryLimit.
	Monitor *mon.BytesMonitor
}

// Server runs requests against the stores of the local shards.
type Server struct {
	cfg     ServerConfig
	metrics ServerMetrics
	plans   *planRegistry
}

var _ kv.RequestHandler = &Server{}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Settings == nil {
		cfg.Settings = settings.MakeTestingValues()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	return &Server{
		cfg:     cfg,
		metrics: MakeServerMetrics(cfg.Metrics),
		plans:   makePlanRegistry(),
	}
}

// Metrics returns the metrics of the server.
func (s *Server) Metrics() *ServerMetrics { return &s.metrics }

// HandleRequest implements the kv.RequestHandler interface. It runs one
// batch of the request's plan, starting from the request's resume info,
// and returns the results with the resume info of the next batch.
func (s *Server) HandleRequest(
	ctx context.Context, req *kv.Request, store kv.Store,
) (_ *kv.Result, retErr error) {
	ctx = log.WithLogTag(ctx, "qid", req.QueryID)
	ctx = log.WithLogTag(ctx, "shard", store.ShardID())
	start := timeutil.Now()
	s.metrics.Requests.Inc(1)
	s.metrics.Active.Inc(1)
	defer func() {
		s.metrics.Active.Dec(1)
		s.metrics.Latency.RecordValue(timeutil.Since(start).Seconds())
		if retErr != nil {
			s.metrics.Errors.Inc(1)
			log.VEventf(ctx, 1, "%s failed: %v", req, retErr)
		}
	}()

	var rec *log.Recording
	if req.Trace {
		ctx, rec = log.WithRecording(ctx)
	}
	sv := s.cfg.Settings
	plan, hit, err := s.plans.lookupOrDecode(ctx, req.Plan, req.PlanCompressed, int(PlanCacheSize.Get(sv)))
	if err != nil {
		return nil, err
	}
	if hit {
		s.metrics.PlanCache.Inc(1)
	}

	ri := req.Resume
	if ri == nil {
		ri = resume.NewInfo(plan.NumTables)
	}
	rcb := execinfra.NewRuntimeControlBlock(execinfra.RoleServer, plan, ri)
	rcb.Collaborators = execinfra.Collaborators{
		Metadata: s.cfg.Metadata,
		Topology: s.cfg.Topology,
		Store:    store,
	}
	rcb.Settings = sv
	rcb.QueryID = req.QueryID
	rcb.ExternalVars = req.ExternalVars
	rcb.SerialVersion = plan.Version
	if req.SerialVersion != 0 {
		rcb.SerialVersion = req.SerialVersion
	}
	rcb.OldStyleGrouping = rcb.SerialVersion < execinfra.SerialVersionGroupResume
	switch {
	case req.Target == kv.TargetPartition:
		rcb.TargetPID = req.TargetID
	case req.VirtualPID != resume.NoPartition:
		rcb.TargetPID = req.VirtualPID
		rcb.VirtualPID = req.VirtualPID
	}

	monitor := mon.NewMonitor(redact.SafeString("server-batch"), ServerMemoryLimit.Get(sv), s.cfg.Monitor)
	defer monitor.Stop(ctx)
	acc := monitor.MakeBoundAccount()
	rcb.SetMemoryAccount(&acc)
	defer rcb.Close(ctx)

	limits := execinfra.Limits{
		BatchSize: req.BatchSize,
		MaxReadKB: req.MaxReadKB,
	}
	if limits.BatchSize <= 0 {
		limits.BatchSize = int(BatchSize.Get(sv))
	}
	if t := ServerBatchTimeout.Get(sv); t > 0 {
		limits.Deadline = start.Add(t)
	}
	if req.Timeout > 0 {
		// Leave the client time to receive the results.
		if d := start.Add(req.Timeout / 2); limits.Deadline.IsZero() || d.Before(limits.Deadline) {
			limits.Deadline = d
		}
	}
	rcb.StartBatch(limits)

	log.VEventf(ctx, 2, "running %s at serial version %d", req, rcb.SerialVersion)
	res, err := s.run(ctx, rcb, plan.Root)
	if err != nil {
		return nil, err
	}
	res.Resume = ri
	res.ReadKB = rcb.ReadKB()
	if res.More {
		s.metrics.Suspended.Inc(1)
	}
	s.metrics.Rows.Inc(int64(len(res.Rows)))
	s.metrics.ReadKB.Inc(res.ReadKB)
	log.VEventf(ctx, 2, "%s: %d results, %d KB read, more: %t", req.BatchName,
		len(res.Rows), res.ReadKB, res.More)
	if rec != nil {
		res.Trace = rec.String()
	}
	return res, nil
}

// run drives the root of the plan until it is exhausted or the batch is
// suspended.
func (s *Server) run(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, root execinfra.PlanIter,
) (_ *kv.Result, retErr error) {
	if err := root.Open(ctx, rcb); err != nil {
		return nil, errors.CombineErrors(err, root.Close(ctx, rcb))
	}
	defer func() {
		retErr = errors.CombineErrors(retErr, root.Close(ctx, rcb))
	}()
	res := &kv.Result{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		more, err := root.Next(ctx, rcb)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		res.Rows = append(res.Rows, value.Copy(rcb.Reg(root.ResultReg())))
		res.RowPIDs = append(res.RowPIDs, rcb.CurrentPID)
		rcb.AddResult()
	}
	res.More = rcb.ReachedLimit()
	return res, nil
}
