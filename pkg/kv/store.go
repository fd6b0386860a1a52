// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kv

import (
	"context"

	"github.com/cockroachdb/kvquery/pkg/sql/value"
)

// Row is a row read by a scan.
type Row struct {
	// Key is the position of the row in the scanned index: the ordered
	// encoding of the primary key, or of the index fields followed by the
	// primary key.
	Key []byte
	// PrimaryKey is the ordered encoding of the row's primary key.
	PrimaryKey []byte
	PID        int32
	Values     []value.Value
	// Size is the encoded size of the row in bytes.
	Size int64
}

// KeyRange restricts a scan to the rows whose first key field lies in
// [Start, End]. Nil bounds are open.
type KeyRange struct {
	Start, End                   value.Value
	StartInclusive, EndInclusive bool
}

// Contains returns true if v is within the range.
func (r KeyRange) Contains(v value.Value) bool {
	if r.Start != nil {
		c := value.CompareTotalOrder(v, r.Start, value.SortSpec{})
		if c < 0 || (c == 0 && !r.StartInclusive) {
			return false
		}
	}
	if r.End != nil {
		c := value.CompareTotalOrder(v, r.End, value.SortSpec{})
		if c > 0 || (c == 0 && !r.EndInclusive) {
			return false
		}
	}
	return true
}

// ScanSpec describes one call to Store.Scan.
type ScanSpec struct {
	Table *Table
	// Index is the name of the secondary index to scan, empty for the
	// primary index.
	Index string
	// Partitions restricts the scan to these partitions, merged in key
	// order.
	Partitions []int32
	Range      KeyRange
	// ResumeKey is the key the scan continues from. The row at ResumeKey is
	// skipped if MoveAfter is set.
	ResumeKey []byte
	MoveAfter bool
	Limit     int
}

// Store is the data of one shard.
type Store interface {
	// ShardID returns the shard the store belongs to.
	ShardID() int32
	// LocalPartitions returns the partitions the shard holds, in increasing
	// order.
	LocalPartitions() []int32
	// HostsPartition returns true if the shard holds pid.
	HostsPartition(pid int32) bool
	// Scan returns up to spec.Limit rows in key order.
	Scan(ctx context.Context, spec ScanSpec) ([]Row, error)
}
