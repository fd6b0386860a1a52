// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package kvtest provides an in-memory cluster implementing the
// collaborators of the query engine: the metadata resolver, the topology
// provider, the shard stores and the request dispatcher.
//
// The rows of every table are kept per partition; moving a partition to
// another shard only installs a new topology, like a rebalance that
// completed instantly.
package kvtest

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
)

// Knobs alter the behavior of a Cluster in tests.
type Knobs struct {
	// BeforeScan is called before every scan of a store.
	BeforeScan func(shard int32, spec *kv.ScanSpec)
}

// Cluster is an in-memory cluster.
type Cluster struct {
	Knobs Knobs

	mu struct {
		syncutil.RWMutex
		// topos holds every topology; topos[i] has sequence number i+1.
		topos  []*kv.Topology
		tables map[string]*kv.Table
		// data[pid][table][primary key] is a row.
		data   []map[string]map[string][]value.Value
		stores map[int32]*Store
	}
}

var _ kv.MetadataResolver = &Cluster{}
var _ kv.TopologyProvider = &Cluster{}

// NewCluster returns a cluster with one partition per entry of
// partitionShards, placed on the given shard.
func NewCluster(partitionShards ...int32) *Cluster {
	c := &Cluster{}
	c.mu.topos = []*kv.Topology{kv.NewTopology(1, partitionShards)}
	c.mu.tables = make(map[string]*kv.Table)
	c.mu.data = make([]map[string]map[string][]value.Value, len(partitionShards))
	for i := range c.mu.data {
		c.mu.data[i] = make(map[string]map[string][]value.Value)
	}
	c.mu.stores = make(map[int32]*Store)
	for _, s := range partitionShards {
		c.addStoreLocked(s)
	}
	return c
}

func (c *Cluster) addStoreLocked(shard int32) {
	if _, ok := c.mu.stores[shard]; !ok {
		c.mu.stores[shard] = &Store{c: c, id: shard}
	}
}

func tableKey(namespace, name string) string {
	return strings.ToLower(namespace) + ":" + strings.ToLower(name)
}

// NumPartitions returns the number of partitions.
func (c *Cluster) NumPartitions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mu.data)
}

// CreateTable adds a table.
func (c *Cluster) CreateTable(t *kv.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := tableKey(t.Namespace, t.Name)
	if _, ok := c.mu.tables[key]; ok {
		return errors.Newf("table %s already exists", t.Name)
	}
	t.ID = int32(len(c.mu.tables) + 1)
	c.mu.tables[key] = t
	return nil
}

// GetTable implements the kv.MetadataResolver interface.
func (c *Cluster) GetTable(_ context.Context, namespace, name string) (*kv.Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.mu.tables[tableKey(namespace, name)]
	if !ok {
		return nil, kv.NewUnknownTableError(namespace, name)
	}
	return t, nil
}

// Insert adds or replaces rows, each in the partition its shard key hashes
// to.
func (c *Cluster) Insert(ctx context.Context, t *kv.Table, rows ...[]value.Value) error {
	for _, row := range rows {
		pid, err := kv.PartitionForShardKey(t.ShardKey(row), c.NumPartitions())
		if err != nil {
			return err
		}
		if err := c.InsertInto(ctx, t, pid, row); err != nil {
			return err
		}
	}
	return nil
}

// InsertInto adds or replaces rows in the given partition, regardless of
// their shard key.
func (c *Cluster) InsertInto(
	ctx context.Context, t *kv.Table, pid int32, rows ...[]value.Value,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pid < 0 || int(pid) >= len(c.mu.data) {
		return errors.Newf("partition %d does not exist", pid)
	}
	key := tableKey(t.Namespace, t.Name)
	if _, ok := c.mu.tables[key]; !ok {
		return kv.NewUnknownTableError(t.Namespace, t.Name)
	}
	for _, row := range rows {
		if len(row) != len(t.Columns) {
			return errors.Newf("table %s has %d columns, row has %d", t.Name, len(t.Columns), len(row))
		}
		pk, err := value.EncodeOrderedKey(t.PrimaryKeyValues(row))
		if err != nil {
			return err
		}
		m := c.mu.data[pid][key]
		if m == nil {
			m = make(map[string][]value.Value)
			c.mu.data[pid][key] = m
		}
		m[string(pk)] = append([]value.Value(nil), row...)
	}
	log.VEventf(ctx, 2, "inserted %d rows into %s partition %d", len(rows), t.Name, pid)
	return nil
}

// MovePartition moves a partition to another shard, creating the shard if
// needed, and returns the new topology.
func (c *Cluster) MovePartition(ctx context.Context, pid, shard int32) (*kv.Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.mu.topos[len(c.mu.topos)-1]
	if pid < 0 || int(pid) >= cur.NumPartitions() {
		return nil, errors.Newf("partition %d does not exist", pid)
	}
	next := cur.WithPartitionMoved(pid, shard)
	c.mu.topos = append(c.mu.topos, next)
	c.addStoreLocked(shard)
	log.Infof(ctx, "moved partition %d to shard %d (topology %d)", pid, shard, next.SeqNum)
	return next, nil
}

// Topology implements the kv.TopologyProvider interface.
func (c *Cluster) Topology(context.Context) (*kv.Topology, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.topos[len(c.mu.topos)-1], nil
}

// TopologyAt implements the kv.TopologyProvider interface.
func (c *Cluster) TopologyAt(_ context.Context, seq int32) (*kv.Topology, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if seq < 1 || int(seq) > len(c.mu.topos) {
		return nil, errors.Newf("unknown topology %d", seq)
	}
	return c.mu.topos[seq-1], nil
}

// Store returns the store of a shard, or nil if there is no such shard.
func (c *Cluster) Store(shard int32) *Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.stores[shard]
}

// Shards returns the ids of all stores in increasing order.
func (c *Cluster) Shards() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]int32, 0, len(c.mu.stores))
	for id := range c.mu.stores {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Rows returns the rows of a table in partition pid, in primary key order.
func (c *Cluster) Rows(t *kv.Table, pid int32) [][]value.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.mu.data[pid][tableKey(t.Namespace, t.Name)]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([][]value.Value, len(keys))
	for i, k := range keys {
		res[i] = m[k]
	}
	return res
}
