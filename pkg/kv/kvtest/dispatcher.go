// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/retry"
	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
	"github.com/cockroachdb/kvquery/pkg/util/timeutil"
)

// DispatcherKnobs alter the behavior of a Dispatcher in tests.
type DispatcherKnobs struct {
	// Latency delays every request.
	Latency time.Duration
	// BeforeRequest is called with every request about to be sent to a
	// shard. A non-nil error is returned in place of the result.
	BeforeRequest func(shard int32, req *kv.Request) error
}

// Dispatcher sends requests to the stores of a Cluster, where they are run
// by a kv.RequestHandler. It retries requests that hit a moved partition
// after refreshing its routing.
type Dispatcher struct {
	c       *Cluster
	handler kv.RequestHandler
	opts    retry.Options
	Knobs   DispatcherKnobs

	// Requests and Retries count the requests sent to the stores and the
	// retries among them.
	Requests atomic.Int64
	Retries  atomic.Int64

	mu struct {
		syncutil.Mutex
		// routes caches the shard of partitions.
		routes map[int32]int32
	}
	wg sync.WaitGroup
}

var _ kv.Dispatcher = &Dispatcher{}

// NewDispatcher returns a dispatcher running requests with handler.
func NewDispatcher(c *Cluster, handler kv.RequestHandler) *Dispatcher {
	d := &Dispatcher{
		c:       c,
		handler: handler,
		opts: retry.Options{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			MaxRetries:     5,
		},
	}
	d.mu.routes = make(map[int32]int32)
	return d
}

// route returns the shard a request goes to.
func (d *Dispatcher) route(ctx context.Context, req *kv.Request, retrying bool) (int32, error) {
	pid := req.TargetID
	switch {
	case req.Target == kv.TargetShard && req.VirtualPID == resume.NoPartition:
		return req.TargetID, nil
	case req.Target == kv.TargetShard:
		// A virtual scan goes to the shard the partition was seen on, and
		// follows the partition once it moves again.
		if !retrying {
			return req.TargetID, nil
		}
		pid = req.VirtualPID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if shard, ok := d.mu.routes[pid]; ok && !retrying {
		return shard, nil
	}
	topo, err := d.c.Topology(ctx)
	if err != nil {
		return 0, err
	}
	shard, err := topo.RepGroupID(pid)
	if err != nil {
		return 0, err
	}
	d.mu.routes[pid] = shard
	return shard, nil
}

// ExecuteRequest implements the kv.Dispatcher interface.
func (d *Dispatcher) ExecuteRequest(ctx context.Context, req *kv.Request) (*kv.Result, error) {
	var lastErr error
	for r := retry.StartWithCtx(ctx, d.opts); r.Next(); {
		shard, err := d.route(ctx, req, lastErr != nil)
		if err != nil {
			return nil, err
		}
		res, err := d.send(ctx, shard, req)
		if err == nil {
			return res, nil
		}
		pm, ok := execerror.IsPartitionMoved(err)
		if !ok {
			return nil, err
		}
		d.Retries.Add(1)
		log.VEventf(ctx, 2, "%s to shard %d: partition %d moved; retrying", req, shard, pm.PartitionID)
		lastErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, lastErr
}

// send runs one attempt of a request at a shard. The handler gets its own
// copy of the resume info, which it advances.
func (d *Dispatcher) send(ctx context.Context, shard int32, req *kv.Request) (*kv.Result, error) {
	store := d.c.Store(shard)
	if store == nil {
		return nil, execerror.NewNodeUnavailableError(shard)
	}
	attempt := *req
	if req.Resume != nil {
		attempt.Resume = req.Resume.Copy()
	}
	if fn := d.Knobs.BeforeRequest; fn != nil {
		if err := fn(shard, &attempt); err != nil {
			return nil, err
		}
	}
	d.Requests.Add(1)
	if d.Knobs.Latency > 0 {
		var t timeutil.Timer
		defer t.Stop()
		t.Reset(d.Knobs.Latency)
		select {
		case <-t.C:
			t.Read = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.handler.HandleRequest(ctx, &attempt, store)
}

// ExecuteRequestAsync implements the kv.Dispatcher interface.
func (d *Dispatcher) ExecuteRequestAsync(
	ctx context.Context, req *kv.Request, done func(*kv.Result, error),
) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.ExecuteRequest(ctx, req)
		done(res, err)
	}()
}

// Wait blocks until every asynchronous request completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
