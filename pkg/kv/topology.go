// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kv

import (
	"context"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// Topology is an immutable snapshot of the placement of partitions on
// shards. Every change of placement produces a snapshot with a higher
// sequence number.
type Topology struct {
	SeqNum int32
	// partitionShards[pid] is the shard holding partition pid.
	partitionShards []int32
	shards          []int32
}

// NewTopology builds a topology from the shard of each partition.
func NewTopology(seq int32, partitionShards []int32) *Topology {
	t := &Topology{SeqNum: seq, partitionShards: append([]int32(nil), partitionShards...)}
	seen := make(map[int32]struct{})
	for _, s := range partitionShards {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			t.shards = append(t.shards, s)
		}
	}
	sort.Slice(t.shards, func(i, j int) bool { return t.shards[i] < t.shards[j] })
	return t
}

// NumPartitions returns the number of partitions of the store.
func (t *Topology) NumPartitions() int {
	return len(t.partitionShards)
}

// Shards returns the ids of the shards holding at least one partition, in
// increasing order.
func (t *Topology) Shards() []int32 {
	return t.shards
}

// RepGroupID returns the shard (replication group) holding partition pid.
func (t *Topology) RepGroupID(pid int32) (int32, error) {
	if pid < 0 || int(pid) >= len(t.partitionShards) {
		return 0, errors.AssertionFailedf("partition %d out of range [0, %d)", pid, len(t.partitionShards))
	}
	return t.partitionShards[pid], nil
}

// PartitionsInShards returns the partitions held by any of the given
// shards, in increasing order.
func (t *Topology) PartitionsInShards(shards ...int32) []int32 {
	var res []int32
	for pid, s := range t.partitionShards {
		for _, want := range shards {
			if s == want {
				res = append(res, int32(pid))
				break
			}
		}
	}
	return res
}

// WithPartitionMoved returns the topology that follows t after partition
// pid moves to shard.
func (t *Topology) WithPartitionMoved(pid, shard int32) *Topology {
	ps := append([]int32(nil), t.partitionShards...)
	ps[pid] = shard
	return NewTopology(t.SeqNum+1, ps)
}

// TopologyProvider gives access to the current topology and to the
// snapshots it replaced.
type TopologyProvider interface {
	// Topology returns the current topology.
	Topology(ctx context.Context) (*Topology, error)
	// TopologyAt returns the topology with the given sequence number.
	TopologyAt(ctx context.Context, seq int32) (*Topology, error)
}

// PartitionForShardKey returns the partition holding the rows with the given
// shard key.
func PartitionForShardKey(shardKey []value.Value, numPartitions int) (int32, error) {
	key, err := value.EncodeKey(shardKey)
	if err != nil {
		return 0, err
	}
	if numPartitions <= 0 {
		return 0, errors.AssertionFailedf("invalid number of partitions %d", numPartitions)
	}
	return int32(xxhash.Sum64(key) % uint64(numPartitions)), nil
}
