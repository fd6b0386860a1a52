// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvtest

import (
	"bytes"
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/google/btree"
)

// Store is the store of one shard of a Cluster. It answers for the
// partitions the current topology places on the shard.
type Store struct {
	c  *Cluster
	id int32
}

var _ kv.Store = &Store{}

// ShardID implements the kv.Store interface.
func (s *Store) ShardID() int32 { return s.id }

// LocalPartitions implements the kv.Store interface.
func (s *Store) LocalPartitions() []int32 {
	c := s.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.topos[len(c.mu.topos)-1].PartitionsInShards(s.id)
}

// HostsPartition implements the kv.Store interface.
func (s *Store) HostsPartition(pid int32) bool {
	c := s.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	shard, err := c.mu.topos[len(c.mu.topos)-1].RepGroupID(pid)
	return err == nil && shard == s.id
}

// indexEntry is an entry of a scanned index.
type indexEntry struct {
	key  []byte
	pk   []byte
	pid  int32
	row  []value.Value
	size int64
}

// Less implements the btree.Item interface.
func (e *indexEntry) Less(than btree.Item) bool {
	o := than.(*indexEntry)
	if c := bytes.Compare(e.key, o.key); c != 0 {
		return c < 0
	}
	return e.pid < o.pid
}

// Scan implements the kv.Store interface. The scanned partitions are merged
// in key order.
func (s *Store) Scan(ctx context.Context, spec kv.ScanSpec) ([]kv.Row, error) {
	if fn := s.c.Knobs.BeforeScan; fn != nil {
		fn(s.id, &spec)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, pid := range spec.Partitions {
		if !s.HostsPartition(pid) {
			return nil, &kv.IteratorError{Err: execerror.NewPartitionMovedError(pid, false /* initial */)}
		}
	}
	tree, err := s.buildIndex(spec)
	if err != nil {
		return nil, err
	}
	var rows []kv.Row
	visit := func(i btree.Item) bool {
		e := i.(*indexEntry)
		if spec.MoveAfter && bytes.Equal(e.key, spec.ResumeKey) {
			return true
		}
		rows = append(rows, kv.Row{
			Key:        e.key,
			PrimaryKey: e.pk,
			PID:        e.pid,
			Values:     e.row,
			Size:       e.size,
		})
		return spec.Limit <= 0 || len(rows) < spec.Limit
	}
	if spec.ResumeKey != nil {
		tree.AscendGreaterOrEqual(&indexEntry{key: spec.ResumeKey, pid: -1}, visit)
	} else {
		tree.Ascend(visit)
	}
	return rows, nil
}

// buildIndex returns the entries of the scanned index that fall in the
// range of the scan.
func (s *Store) buildIndex(spec kv.ScanSpec) (*btree.BTree, error) {
	t := spec.Table
	var fields []string
	if spec.Index != "" {
		idx, ok := t.IndexByName(spec.Index)
		if !ok {
			return nil, errors.Newf("table %s has no index %s", t.Name, spec.Index)
		}
		fields = idx.Fields
	}
	tree := btree.New(8)
	c := s.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	tk := tableKey(t.Namespace, t.Name)
	for _, pid := range spec.Partitions {
		for pk, row := range c.mu.data[pid][tk] {
			e := indexEntry{pk: []byte(pk), pid: pid, row: row, size: value.SizeOfValues(row)}
			if fields == nil {
				if !spec.Range.Contains(row[t.PrimaryKey[0]]) {
					continue
				}
				e.key = e.pk
				tree.ReplaceOrInsert(&e)
				continue
			}
			keys, err := indexKeys(t, fields, row)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				if !spec.Range.Contains(k[0]) {
					continue
				}
				ik, err := value.EncodeOrderedKey(k)
				if err != nil {
					return nil, err
				}
				ie := e
				ie.key = append(ik, e.pk...)
				tree.ReplaceOrInsert(&ie)
			}
		}
	}
	return tree, nil
}

// indexKeys returns the key values of the entries of a row in a secondary
// index. Each array field multiplies the entries by the number of its
// elements; an empty array contributes EMPTY.
func indexKeys(t *kv.Table, fields []string, row []value.Value) ([][]value.Value, error) {
	keys := [][]value.Value{nil}
	for _, f := range fields {
		name, splat := strings.CutSuffix(f, "[]")
		col, ok := t.ColumnIndex(name)
		if !ok {
			return nil, errors.AssertionFailedf("unknown index field %s", f)
		}
		v := row[col]
		vals := []value.Value{v}
		if arr, ok := v.(*value.DArray); ok && splat {
			vals = arr.Elems
			if len(vals) == 0 {
				vals = []value.Value{value.DEmpty}
			}
		}
		next := make([][]value.Value, 0, len(keys)*len(vals))
		for _, k := range keys {
			for _, v := range vals {
				next = append(next, append(append([]value.Value(nil), k...), v))
			}
		}
		keys = next
	}
	return keys, nil
}
