// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowexec

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/redact"
	"github.com/google/btree"
	"github.com/marusama/semaphore"
	"golang.org/x/sync/errgroup"
)

// Distribution says where a receive sends its server plan.
type Distribution int8

const (
	// DistSinglePartition sends the plan to the partition holding the rows
	// with a given shard key.
	DistSinglePartition Distribution = iota + 1
	// DistAllShards sends the plan to every shard.
	DistAllShards
	// DistAllPartitions sends the plan to every partition.
	DistAllPartitions
)

var distNames = [...]string{
	DistSinglePartition: "single-partition",
	DistAllShards:       "all-shards",
	DistAllPartitions:   "all-partitions",
}

func (d Distribution) String() string {
	if d > 0 && int(d) < len(distNames) {
		return distNames[d]
	}
	return fmt.Sprintf("Distribution(%d)", int(d))
}

// SafeValue implements the redact.SafeValue interface.
func (Distribution) SafeValue() {}

// maxPhase1Rounds bounds the passes over the shards of the sorting
// protocol.
const maxPhase1Rounds = 8

// receiveIter is the client end of a distributed query. It ships its
// server plan to the shards or partitions chosen by its distribution,
// collects the results of the resulting streams and returns them, merged
// on the sort fields if there are any.
//
// Every stream resumes with the resume info its server sent back with its
// last batch. The streams, their unconsumed results and the primary keys
// already returned live in the resume info of the client, so that a
// suspended query carries them in its continuation token.
//
// Shard streams are pinned to the topology the receive started at. A
// partition that leaves a shard in the middle of its scan comes back as
// a virtual scan, for which the receive opens a stream to the partition's
// new shard restricted to that partition.
//
// A sequential receive over all shards that has to sort runs in two
// phases. In phase 1 it visits the shards one at a time, each answering
// with the first result of every partition it holds; in phase 2 the
// partitions are merged, each fetched with partition requests.
type receiveIter struct {
	execinfra.IterBase
	dist     Distribution
	parallel bool
	// serverPlan runs at each target.
	serverPlan *execinfra.Plan
	// sortFields are the fields of the results the streams are sorted on.
	sortFields []string
	sortSpecs  []value.SortSpec
	// pkFields are the primary key fields of the results, set when the
	// server plan may return a row more than once.
	pkFields []string
	// unpack makes the receive return its results as tuples in the
	// registers starting at tupleReg.
	unpack   bool
	tupleReg int
	def      *value.RecordDef
	// pkIters compute the shard key of a single partition receive, to be
	// cast to pkTypes.
	pkIters []execinfra.PlanIter
	pkTypes []value.Type
}

var _ execinfra.PlanIter = &receiveIter{}

type completion struct {
	gen    int
	stream int
	req    *kv.Request
	res    *kv.Result
	err    error
}

// phase1Stream identifies the requests of sorting phase 1.
const phase1Stream = -1

type receiveState struct {
	execinfra.StateBase
	rs   *resume.ReceiveState
	plan []byte
	// compressed is set if plan is zstd-compressed.
	compressed bool
	tree       *btree.BTree
	seen       map[string]struct{}
	// noResults is set when the shard key cannot match any row.
	noResults   bool
	numRequests int
	rounds      int
	tuple       *value.Tuple

	// gen changes on reset and close so that late completions are
	// dropped.
	gen      int
	inflight map[int]bool
	// completions is guarded by the publisher lock.
	completions []completion
}

func (it *receiveIter) sorting() bool { return len(it.sortSpecs) > 0 }

func (it *receiveIter) Open(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if rcb.Dispatcher == nil || rcb.Topology == nil {
		return errors.AssertionFailedf("receive outside a client")
	}
	data, err := execinfra.EncodePlan(it.serverPlan, rcb.SerialVersion, false /* forCloud */)
	if err != nil {
		return err
	}
	s := &receiveState{
		rs:       rcb.ResumeInfo().Receiver(int32(it.Pos)),
		seen:     make(map[string]struct{}),
		inflight: make(map[int]bool),
	}
	if s.plan, s.compressed, err = execinfra.MaybeCompressPlan(data); err != nil {
		return err
	}
	if it.unpack {
		s.tuple = &value.Tuple{Def: it.def, Regs: rcb.Regs(it.tupleReg, it.def.NumFields())}
	}
	it.restore(s)
	rcb.SetState(it.Pos, s)
	return openAll(ctx, rcb, it.pkIters)
}

// restore rebuilds the in-memory indexes over a receive state coming from
// a continuation token.
func (it *receiveIter) restore(s *receiveState) {
	for _, k := range s.rs.SeenKeys {
		s.seen[string(k)] = struct{}{}
	}
	if !it.sorting() {
		return
	}
	s.tree = btree.New(8)
	if s.rs.SortPhase1 {
		return
	}
	for i := range s.rs.Streams {
		if len(s.rs.Streams[i].Buffered) > 0 {
			s.tree.ReplaceOrInsert(&streamItem{it: it, s: s, idx: i})
		}
	}
}

// streamItem orders the streams of a sorting receive on their first
// buffered result.
type streamItem struct {
	it  *receiveIter
	s   *receiveState
	idx int
}

// Less implements the btree.Item interface.
func (a *streamItem) Less(b btree.Item) bool {
	o := b.(*streamItem)
	sa, sb := &a.s.rs.Streams[a.idx], &o.s.rs.Streams[o.idx]
	if c := a.it.compareResults(sa.Buffered[0], sb.Buffered[0]); c != 0 {
		return c < 0
	}
	if sa.Target != sb.Target {
		return sa.Target < sb.Target
	}
	if sa.VirtualPID != sb.VirtualPID {
		return sa.VirtualPID < sb.VirtualPID
	}
	return a.idx < o.idx
}

func fieldValue(v value.Value, name string) value.Value {
	def, fields, ok := value.RecordFields(v)
	if !ok {
		return value.DNull
	}
	i, ok := def.FieldIndex(name)
	if !ok {
		return value.DNull
	}
	return fields[i]
}

func (it *receiveIter) compareResults(a, b value.Value) int {
	if len(it.sortFields) == 0 {
		return value.CompareTotalOrder(a, b, it.sortSpecs[0])
	}
	for i, f := range it.sortFields {
		if c := value.CompareTotalOrder(fieldValue(a, f), fieldValue(b, f), it.sortSpecs[i]); c != 0 {
			return c
		}
	}
	return 0
}

func (it *receiveIter) newStreamInfo(rs *resume.ReceiveState) *resume.Info {
	info := resume.NewInfo(it.serverPlan.NumTables)
	info.BaseTopoSeq = rs.TopoSeq
	return info
}

// start creates the initial streams.
func (it *receiveIter) start(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState,
) error {
	rs := s.rs
	topo, err := rcb.Topology.Topology(ctx)
	if err != nil {
		return err
	}
	rs.TopoSeq = topo.SeqNum
	rs.Started = true
	switch it.dist {
	case DistSinglePartition:
		pid, ok, err := it.targetPartition(ctx, rcb, topo)
		if err != nil {
			return err
		}
		if !ok {
			s.noResults = true
			return nil
		}
		rs.Streams = append(rs.Streams, resume.StreamState{
			Target:     pid,
			VirtualPID: resume.NoPartition,
			Info:       it.newStreamInfo(rs),
		})
		return nil
	case DistAllShards:
		rs.Shards = append([]int32(nil), topo.Shards()...)
	case DistAllPartitions:
		rs.Shards = make([]int32, topo.NumPartitions())
		for i := range rs.Shards {
			rs.Shards[i] = int32(i)
		}
	default:
		return errors.AssertionFailedf("unknown distribution %d", it.dist)
	}
	if it.sorting() && !it.parallel && it.dist == DistAllShards {
		rs.SortPhase1 = true
		rs.Phase1 = it.newStreamInfo(rs)
		return nil
	}
	if it.parallel || it.sorting() {
		for rs.NextTarget < int32(len(rs.Shards)) {
			it.addTargetStream(rs)
		}
	}
	return nil
}

func (it *receiveIter) addTargetStream(rs *resume.ReceiveState) {
	rs.Streams = append(rs.Streams, resume.StreamState{
		Target:      rs.Shards[rs.NextTarget],
		ShardTarget: it.dist == DistAllShards,
		VirtualPID:  resume.NoPartition,
		Info:        it.newStreamInfo(rs),
	})
	rs.NextTarget++
}

// targetPartition computes the partition of a single partition receive.
// It returns false if the shard key cannot be cast to the key types, in
// which case no row can match.
func (it *receiveIter) targetPartition(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, topo *kv.Topology,
) (int32, bool, error) {
	key := make([]value.Value, len(it.pkIters))
	for i, e := range it.pkIters {
		v, err := evalSingle(ctx, rcb, e)
		if err != nil {
			return 0, false, err
		}
		if err := e.Reset(ctx, rcb); err != nil {
			return 0, false, err
		}
		if i < len(it.pkTypes) {
			var ok bool
			if v, ok = value.Promote(v, it.pkTypes[i]); !ok {
				log.VEventf(ctx, 2, "shard key field %d does not match its type; no results", i)
				return 0, false, nil
			}
		}
		key[i] = v
	}
	pid, err := kv.PartitionForShardKey(key, topo.NumPartitions())
	return pid, err == nil, err
}

func (it *receiveIter) batchName(
	rcb *execinfra.RuntimeControlBlock, s *receiveState, target int32, shard bool,
) string {
	kind := "p"
	if shard {
		kind = "s"
	}
	s.numRequests++
	return fmt.Sprintf("%s/recv%d/%s%d/%d", rcb.QueryID, it.Pos, kind, target, s.numRequests)
}

func (it *receiveIter) newRequest(
	rcb *execinfra.RuntimeControlBlock, s *receiveState, stream int,
) *kv.Request {
	req := &kv.Request{
		QueryID:        rcb.QueryID,
		Plan:           s.plan,
		PlanCompressed: s.compressed,
		ExternalVars:   rcb.ExternalVars,
		BatchSize:      rcb.Limits.BatchSize,
		MaxReadKB:      rcb.Limits.MaxReadKB,
		Timeout:        rcb.Limits.RequestTimeout,
		SerialVersion:  rcb.SerialVersion,
		Trace:          rcb.Trace,
		VirtualPID:     resume.NoPartition,
	}
	rs := s.rs
	if stream == phase1Stream {
		req.Target = kv.TargetShard
		req.TargetID = rs.Shards[rs.NextTarget]
		req.Resume = rs.Phase1.Copy()
	} else {
		st := &rs.Streams[stream]
		req.TargetID = st.Target
		if st.ShardTarget {
			req.Target = kv.TargetShard
		}
		req.VirtualPID = st.VirtualPID
		req.Resume = st.Info.Copy()
	}
	req.TopoSeq = req.Resume.BaseTopoSeq
	req.BatchName = it.batchName(rcb, s, req.TargetID, req.Target == kv.TargetShard)
	return req
}

// execute sends a request and waits for the answer.
func (it *receiveIter) execute(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, req *kv.Request,
) (*kv.Result, error) {
	if t := rcb.Limits.RequestTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	log.VEventf(ctx, 2, "sending %s", req)
	res, err := rcb.Dispatcher.ExecuteRequest(ctx, req)
	return res, kv.UnwrapIteratorError(err)
}

// fetch runs one request for each of the given streams, at most
// MaxConcurrentRequests at a time, and applies the results.
func (it *receiveIter) fetch(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState, streams []int,
) (bool, error) {
	reqs := make([]*kv.Request, len(streams))
	for i, idx := range streams {
		reqs[i] = it.newRequest(rcb, s, idx)
	}
	results := make([]*kv.Result, len(streams))
	if len(streams) == 1 {
		res, err := it.execute(ctx, rcb, reqs[0])
		if err != nil {
			return it.handleError(rcb, err)
		}
		results[0] = res
	} else {
		limit := rcb.Limits.MaxConcurrentRequests
		if limit <= 0 {
			limit = len(streams)
		}
		sem := semaphore.New(limit)
		g, gCtx := errgroup.WithContext(ctx)
		for i := range reqs {
			i := i
			g.Go(func() error {
				if err := sem.Acquire(gCtx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				res, err := it.execute(gCtx, rcb, reqs[i])
				results[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return it.handleError(rcb, err)
		}
	}
	for i, idx := range streams {
		if err := it.applyResult(ctx, rcb, s, idx, reqs[i], results[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

// handleError turns a request error into the receive's outcome. A timeout
// ends the batch if it already has results, and fails the query
// otherwise.
func (it *receiveIter) handleError(rcb *execinfra.RuntimeControlBlock, err error) (bool, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		if rcb.NumResults() > 0 {
			rcb.SetReachedLimit()
			return false, nil
		}
		return false, execerror.NewRequestTimeoutError(redact.SafeString("receive"), rcb.Limits.RequestTimeout)
	}
	return false, err
}

// fetchAsync starts a request for each of the given streams that has none
// in flight.
func (it *receiveIter) fetchAsync(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState, streams []int,
) {
	for _, idx := range streams {
		if s.inflight[idx] {
			continue
		}
		s.inflight[idx] = true
		req := it.newRequest(rcb, s, idx)
		gen, stream := s.gen, idx
		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if t := rcb.Limits.RequestTimeout; t > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, t)
		}
		log.VEventf(ctx, 2, "sending %s asynchronously", req)
		rcb.Dispatcher.ExecuteRequestAsync(reqCtx, req, func(res *kv.Result, err error) {
			cancel()
			rcb.WithPublisherLock(func() {
				s.completions = append(s.completions, completion{
					gen: gen, stream: stream, req: req, res: res, err: kv.UnwrapIteratorError(err),
				})
			})
			rcb.Publish()
		})
	}
}

// drainCompletions applies the completed asynchronous requests. Every
// completion is taken in, and the error of the first failed request is
// then returned here, to the consumer. A failed stream has no request in
// flight afterwards, so the next batch sends it again.
func (it *receiveIter) drainCompletions(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState,
) (bool, error) {
	var done []completion
	rcb.WithPublisherLock(func() {
		done, s.completions = s.completions, nil
	})
	var firstErr error
	for _, c := range done {
		if c.gen != s.gen {
			continue
		}
		delete(s.inflight, c.stream)
		if c.err != nil {
			if firstErr == nil {
				firstErr = c.err
			} else {
				log.VEventf(ctx, 2, "%s failed after another request: %v", c.req.BatchName, c.err)
			}
			continue
		}
		if err := it.applyResult(ctx, rcb, s, c.stream, c.req, c.res); err != nil {
			return false, err
		}
	}
	if firstErr != nil {
		return it.handleError(rcb, firstErr)
	}
	return true, nil
}

// request fetches more results for the given streams, synchronously or
// not. It returns false if the batch must end.
func (it *receiveIter) request(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState, streams []int,
) (bool, error) {
	if rcb.Async {
		it.fetchAsync(ctx, rcb, s, streams)
		return false, execerror.ErrResultPending
	}
	return it.fetch(ctx, rcb, s, streams)
}

func (it *receiveIter) applyResult(
	ctx context.Context,
	rcb *execinfra.RuntimeControlBlock,
	s *receiveState,
	stream int,
	req *kv.Request,
	res *kv.Result,
) error {
	if res == nil {
		return errors.AssertionFailedf("no result for %s", req)
	}
	if res.Trace != "" {
		rcb.AddBatchTrace(req.BatchName, res.Trace)
	}
	log.VEventf(ctx, 2, "%s returned %d results (more: %t)", req.BatchName, len(res.Rows), res.More)
	if stream == phase1Stream {
		return it.applyPhase1Result(ctx, rcb, s, res)
	}
	rs := s.rs
	st := &rs.Streams[stream]
	st.Buffered = append(st.Buffered, res.Rows...)
	st.Done = !res.More
	if res.Resume != nil {
		st.Info.Refresh(res.Resume)
		it.addVirtualStreams(ctx, s, res.Resume.VirtualScans)
		st = &rs.Streams[stream]
	}
	if s.tree != nil && len(st.Buffered) > 0 {
		s.tree.ReplaceOrInsert(&streamItem{it: it, s: s, idx: stream})
	}
	return nil
}

func (it *receiveIter) hasStreamFor(rs *resume.ReceiveState, pid int32, virtual bool) bool {
	for i := range rs.Streams {
		st := &rs.Streams[i]
		if virtual && st.VirtualPID == pid {
			return true
		}
		if !virtual && !st.ShardTarget && st.Target == pid {
			return true
		}
	}
	return false
}

// addVirtualStreams opens a stream for each partition that left a shard
// while it was scanned.
func (it *receiveIter) addVirtualStreams(
	ctx context.Context, s *receiveState, scans []resume.VirtualScan,
) {
	rs := s.rs
	for _, vs := range scans {
		if it.hasStreamFor(rs, vs.PID, true /* virtual */) {
			continue
		}
		log.VEventf(ctx, 2, "resuming partition %d on shard %d", vs.PID, vs.ShardID)
		info := it.newStreamInfo(rs)
		info.Tables = []resume.TableInfo{vs.Table.Clone()}
		info.CurrentPID = vs.PID
		rs.Streams = append(rs.Streams, resume.StreamState{
			Target:      vs.ShardID,
			ShardTarget: true,
			VirtualPID:  vs.PID,
			Info:        info,
		})
	}
}

// partitionStream returns the phase 2 stream of partition pid, creating it
// from the partition's phase 1 record.
func (it *receiveIter) partitionStream(rs *resume.ReceiveState, pid int32) int {
	for i := range rs.Streams {
		if !rs.Streams[i].ShardTarget && rs.Streams[i].Target == pid {
			return i
		}
	}
	info := it.newStreamInfo(rs)
	info.CurrentPID = pid
	if rec := findPartition(rs.Phase1, pid); rec != nil {
		info.Tables = info.Tables[:0]
		for _, t := range rec.Tables {
			info.Tables = append(info.Tables, t.Clone())
		}
	}
	rs.Streams = append(rs.Streams, resume.StreamState{
		Target:     pid,
		VirtualPID: resume.NoPartition,
		Info:       info,
	})
	return len(rs.Streams) - 1
}

func (it *receiveIter) applyPhase1Result(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState, res *kv.Result,
) error {
	rs := s.rs
	if res.Resume != nil {
		rs.Phase1.Refresh(res.Resume)
	}
	if len(res.RowPIDs) != len(res.Rows) {
		return errors.AssertionFailedf("phase 1 batch has %d rows and %d partitions",
			len(res.Rows), len(res.RowPIDs))
	}
	for i, row := range res.Rows {
		idx := it.partitionStream(rs, res.RowPIDs[i])
		rs.Streams[idx].Buffered = append(rs.Streams[idx].Buffered, row)
	}
	for _, vs := range rs.Phase1.VirtualScans {
		pid := vs.PID
		if rs.Phase1.PartitionsDone.Contains(pid) || findPartition(rs.Phase1, pid) != nil {
			continue
		}
		// The partition is scanned from the start at its new home.
		rec := rs.Phase1.Partition(pid)
		rec.Tables = []resume.TableInfo{{}}
		it.partitionStream(rs, pid)
	}
	if !res.More {
		rs.NextTarget++
	}
	if int(rs.NextTarget) < len(rs.Shards) {
		return nil
	}
	topo, err := rcb.Topology.TopologyAt(ctx, rs.TopoSeq)
	if err != nil {
		return err
	}
	resolved := rs.Phase1.PartitionsDone.Copy()
	for _, p := range rs.Phase1.Partitions {
		resolved.Set(p.PID)
	}
	if !resolved.ContainsAll(topo.NumPartitions()) {
		s.rounds++
		if s.rounds >= maxPhase1Rounds {
			return errors.AssertionFailedf("partitions %s still unresolved after %d rounds",
				resolved.String(), s.rounds)
		}
		log.VEventf(ctx, 2, "phase 1 incomplete (%s); visiting the shards again", resolved.String())
		rs.NextTarget = 0
		return nil
	}
	log.VEventf(ctx, 2, "phase 1 complete with %d partition streams", len(rs.Streams))
	rs.SortPhase1 = false
	for i := range rs.Streams {
		st := &rs.Streams[i]
		if rec := findPartition(rs.Phase1, st.Target); rec != nil && rec.Done {
			st.Done = true
		}
		if len(st.Buffered) > 0 {
			s.tree.ReplaceOrInsert(&streamItem{it: it, s: s, idx: i})
		}
	}
	return nil
}

func (it *receiveIter) Next(ctx context.Context, rcb *execinfra.RuntimeControlBlock) (bool, error) {
	s := execinfra.GetState[*receiveState](rcb, it.Pos)
	if s.IsDone() {
		return false, nil
	}
	if rcb.Async {
		if ok, err := it.drainCompletions(ctx, rcb, s); !ok || err != nil {
			return false, err
		}
	}
	if !s.rs.Started {
		if err := it.start(ctx, rcb, s); err != nil {
			return false, err
		}
	}
	if s.noResults {
		s.Done()
		return false, nil
	}
	for {
		var v value.Value
		var ok bool
		var err error
		if it.sorting() {
			v, ok, err = it.nextSorted(ctx, rcb, s)
		} else {
			v, ok, err = it.nextUnsorted(ctx, rcb, s)
		}
		if err != nil || !ok {
			return false, err
		}
		if v == nil {
			s.Done()
			return false, nil
		}
		if it.isDuplicate(s, v) {
			continue
		}
		it.output(rcb, s, v)
		s.SetRunning()
		return true, nil
	}
}

// nextSorted pops the smallest head of the streams. It returns a nil value
// once every stream is exhausted, and false if the batch must end.
func (it *receiveIter) nextSorted(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState,
) (value.Value, bool, error) {
	rs := s.rs
	for rs.SortPhase1 {
		if ok, err := it.request(ctx, rcb, s, []int{phase1Stream}); !ok || err != nil {
			return nil, false, err
		}
	}
	for {
		var needy []int
		for i := range rs.Streams {
			if st := &rs.Streams[i]; !st.Done && len(st.Buffered) == 0 {
				needy = append(needy, i)
			}
		}
		if len(needy) == 0 {
			break
		}
		if ok, err := it.request(ctx, rcb, s, needy); !ok || err != nil {
			return nil, false, err
		}
	}
	item := s.tree.DeleteMin()
	if item == nil {
		return nil, true, nil
	}
	idx := item.(*streamItem).idx
	st := &rs.Streams[idx]
	v := st.Buffered[0]
	st.Buffered = st.Buffered[1:]
	if len(st.Buffered) > 0 {
		s.tree.ReplaceOrInsert(item)
	}
	return v, true, nil
}

// nextUnsorted returns the results of the streams. A sequential receive
// drains the streams one after the other; a parallel one returns whatever
// result is at hand and keeps requests going for the other streams.
func (it *receiveIter) nextUnsorted(
	ctx context.Context, rcb *execinfra.RuntimeControlBlock, s *receiveState,
) (value.Value, bool, error) {
	rs := s.rs
	for {
		cur := -1
		for i := range rs.Streams {
			st := &rs.Streams[i]
			if st.Done && len(st.Buffered) == 0 {
				continue
			}
			if cur < 0 || len(st.Buffered) > 0 {
				cur = i
			}
			if len(st.Buffered) > 0 || !it.parallel {
				break
			}
		}
		if cur < 0 {
			if int(rs.NextTarget) < len(rs.Shards) {
				it.addTargetStream(rs)
				continue
			}
			return nil, true, nil
		}
		st := &rs.Streams[cur]
		if len(st.Buffered) == 0 {
			streams := []int{cur}
			if it.parallel {
				streams = streams[:0]
				for i := range rs.Streams {
					if o := &rs.Streams[i]; !o.Done && len(o.Buffered) == 0 {
						streams = append(streams, i)
					}
				}
			}
			if ok, err := it.request(ctx, rcb, s, streams); !ok || err != nil {
				return nil, false, err
			}
			continue
		}
		v := st.Buffered[0]
		st.Buffered = st.Buffered[1:]
		return v, true, nil
	}
}

func (it *receiveIter) isDuplicate(s *receiveState, v value.Value) bool {
	if len(it.pkFields) == 0 {
		return false
	}
	pk := make([]value.Value, len(it.pkFields))
	for i, f := range it.pkFields {
		pk[i] = fieldValue(v, f)
	}
	key, err := value.EncodeKey(pk)
	if err != nil {
		return false
	}
	if _, ok := s.seen[string(key)]; ok {
		return true
	}
	s.seen[string(key)] = struct{}{}
	s.rs.SeenKeys = append(s.rs.SeenKeys, key)
	return false
}

func (it *receiveIter) output(rcb *execinfra.RuntimeControlBlock, s *receiveState, v value.Value) {
	if !it.unpack {
		rcb.SetReg(it.Reg, v)
		return
	}
	_, fields, _ := value.RecordFields(v)
	for i := range s.tuple.Regs {
		f := value.DNull
		if i < len(fields) {
			f = fields[i]
		}
		rcb.SetReg(it.tupleReg+i, f)
	}
	rcb.SetReg(it.Reg, s.tuple)
}

func (it *receiveIter) Reset(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	s := execinfra.GetState[*receiveState](rcb, it.Pos)
	ri := rcb.ResumeInfo()
	delete(ri.Receivers, int32(it.Pos))
	s.Reset()
	s.rs = ri.Receiver(int32(it.Pos))
	s.seen = make(map[string]struct{})
	s.noResults = false
	s.rounds = 0
	s.gen++
	s.inflight = make(map[int]bool)
	it.restore(s)
	return resetAll(ctx, rcb, it.pkIters)
}

func (it *receiveIter) Close(ctx context.Context, rcb *execinfra.RuntimeControlBlock) error {
	if s, ok := rcb.State(it.Pos).(*receiveState); ok && rcb.CloseState(it.Pos) {
		s.gen++
		s.tree = nil
	}
	return closeAll(ctx, rcb, it.pkIters)
}

func (it *receiveIter) Children() []execinfra.PlanIter {
	res := []execinfra.PlanIter{it.serverPlan.Root}
	return append(res, it.pkIters...)
}

func (it *receiveIter) DisplayContent(d *execinfra.Display) {
	d.Attr("dist", it.dist)
	if it.parallel {
		d.Flag("parallel")
	}
	if len(it.sortSpecs) > 0 {
		d.Attr("sort", it.sortFields)
	}
	if len(it.pkFields) > 0 {
		d.Attr("dedup", it.pkFields)
	}
}

func (it *receiveIter) WriteTo(w *execinfra.Writer) error {
	w.WriteUint(uint64(it.dist))
	w.WriteBool(it.parallel)
	w.WriteInt(int64(it.serverPlan.NumRegs))
	w.WriteInt(int64(it.serverPlan.NumStates))
	w.WriteInt(int64(it.serverPlan.NumTables))
	w.WriteIter(it.serverPlan.Root)
	w.WriteStrings(it.sortFields)
	w.WriteSortSpecs(it.sortSpecs)
	w.WriteStrings(it.pkFields)
	w.WriteBool(it.unpack)
	w.WriteInt(int64(it.tupleReg))
	w.WriteRecordDef(it.def)
	w.WriteIters(it.pkIters)
	w.WriteUint(uint64(len(it.pkTypes)))
	for _, t := range it.pkTypes {
		w.WriteType(t)
	}
	return w.Err()
}

func init() {
	execinfra.RegisterIterDecoder(execinfra.KindReceive, func(r *execinfra.Reader, base execinfra.IterBase) (execinfra.PlanIter, error) {
		it := &receiveIter{IterBase: base}
		it.dist = Distribution(r.ReadUint())
		it.parallel = r.ReadBool()
		it.serverPlan = &execinfra.Plan{Version: r.Version}
		it.serverPlan.NumRegs = int(r.ReadInt())
		it.serverPlan.NumStates = int(r.ReadInt())
		it.serverPlan.NumTables = int(r.ReadInt())
		it.serverPlan.Root = r.ReadIter()
		it.sortFields = r.ReadStrings()
		it.sortSpecs = r.ReadSortSpecs()
		it.pkFields = r.ReadStrings()
		it.unpack = r.ReadBool()
		it.tupleReg = int(r.ReadInt())
		it.def = r.ReadRecordDef()
		it.pkIters = r.ReadIters()
		n := int(r.ReadUint())
		for i := 0; i < n && r.Err() == nil; i++ {
			it.pkTypes = append(it.pkTypes, r.ReadType())
		}
		if r.Err() != nil {
			return nil, r.Err()
		}
		if it.serverPlan.Root == nil {
			return nil, errors.New("receive without server plan")
		}
		return it, nil
	})
}
