// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package resume

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
)

// TokenVersion is the version of the continuation token format.
const TokenVersion = 1

const (
	tokenFlagCompressed = 1 << iota
)

// DefaultCompressionThreshold is the encoded size above which continuation
// tokens are compressed.
const DefaultCompressionThreshold = 1 << 10

// Token is the opaque continuation handed to applications: the partition or
// shard the last batch ran on plus the resume info.
type Token struct {
	Target int32
	Info   *Info
}

// MarshalToken encodes a continuation token. Payloads larger than
// compressAbove bytes are compressed; compressAbove <= 0 disables
// compression.
func MarshalToken(tok Token, compressAbove int) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeZigzag64(uint64(tok.Target)); err != nil {
		return nil, err
	}
	if err := EncodeInfo(buf, tok.Info); err != nil {
		return nil, err
	}
	payload := buf.Bytes()
	var flags byte
	if compressAbove > 0 && len(payload) > compressAbove {
		payload = snappy.Encode(nil, payload)
		flags |= tokenFlagCompressed
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, TokenVersion, flags)
	return append(out, payload...), nil
}

// UnmarshalToken decodes a token produced by MarshalToken.
func UnmarshalToken(data []byte) (Token, error) {
	if len(data) < 2 {
		return Token{}, execerror.NewQueryErrorf(execerror.CodeInvalidContinuation, execerror.Location{},
			"continuation token too short (%d bytes)", len(data))
	}
	if data[0] != TokenVersion {
		return Token{}, execerror.NewQueryErrorf(execerror.CodeInvalidContinuation, execerror.Location{},
			"unsupported continuation token version %d", data[0])
	}
	payload := data[2:]
	if data[1]&tokenFlagCompressed != 0 {
		var err error
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return Token{}, execerror.WrapQueryErrorf(err, execerror.CodeInvalidContinuation, execerror.Location{},
				"decompressing continuation token")
		}
	}
	buf := proto.NewBuffer(payload)
	target, err := buf.DecodeZigzag64()
	if err != nil {
		return Token{}, execerror.WrapQueryErrorf(err, execerror.CodeInvalidContinuation, execerror.Location{},
			"decoding continuation token")
	}
	info, err := DecodeInfo(buf)
	if err != nil {
		return Token{}, execerror.WrapQueryErrorf(err, execerror.CodeInvalidContinuation, execerror.Location{},
			"decoding continuation token")
	}
	return Token{Target: int32(target), Info: info}, nil
}

// EncodeInfo appends the encoding of r to buf. A nil r is encoded as
// absent.
func EncodeInfo(buf *proto.Buffer, r *Info) error {
	if r == nil {
		return buf.EncodeVarint(0)
	}
	if err := buf.EncodeVarint(1); err != nil {
		return err
	}
	e := encoder{buf: buf}
	e.int(r.NumResultsComputed)
	e.int(int64(r.CurrentPID))
	e.int32s(r.PartitionsDone.Ordered())
	e.bool(r.IsInSortPhase1)
	e.int(r.TotalReadKB)
	e.int(r.Offset)
	e.uint(uint64(len(r.Tables)))
	for i := range r.Tables {
		e.table(&r.Tables[i])
	}
	if e.err == nil {
		e.err = value.WriteValues(buf, r.GBTuple)
	}
	e.uint(uint64(len(r.VirtualScans)))
	for i := range r.VirtualScans {
		vs := &r.VirtualScans[i]
		e.int(int64(vs.PID))
		e.int(int64(vs.ShardID))
		e.table(&vs.Table)
		e.bool(vs.FirstBatch)
	}
	e.int(int64(r.BaseTopoSeq))
	e.uint(uint64(len(r.Partitions)))
	for i := range r.Partitions {
		p := &r.Partitions[i]
		e.int(int64(p.PID))
		e.bool(p.Done)
		e.uint(uint64(len(p.Tables)))
		for j := range p.Tables {
			e.table(&p.Tables[j])
		}
	}
	positions := make([]int32, 0, len(r.Receivers))
	for pos := range r.Receivers {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	e.uint(uint64(len(positions)))
	for _, pos := range positions {
		e.int(int64(pos))
		e.receiver(r.Receivers[pos])
	}
	return e.err
}

// DecodeInfo decodes an Info written by EncodeInfo.
func DecodeInfo(buf *proto.Buffer) (*Info, error) {
	d := decoder{buf: buf}
	if present := d.uint(); d.err != nil || present == 0 {
		return nil, d.err
	}
	r := &Info{}
	r.NumResultsComputed = d.int()
	r.CurrentPID = int32(d.int())
	for _, pid := range d.int32s() {
		r.PartitionsDone.Set(pid)
	}
	r.IsInSortPhase1 = d.bool()
	r.TotalReadKB = d.int()
	r.Offset = d.int()
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		r.Tables = append(r.Tables, d.table())
	}
	if d.err == nil {
		r.GBTuple, d.err = value.ReadValues(buf)
		if len(r.GBTuple) == 0 {
			r.GBTuple = nil
		}
	}
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		var vs VirtualScan
		vs.PID = int32(d.int())
		vs.ShardID = int32(d.int())
		vs.Table = d.table()
		vs.FirstBatch = d.bool()
		r.VirtualScans = append(r.VirtualScans, vs)
	}
	r.BaseTopoSeq = int32(d.int())
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		var p PartitionInfo
		p.PID = int32(d.int())
		p.Done = d.bool()
		m := d.count()
		for j := 0; j < m && d.err == nil; j++ {
			p.Tables = append(p.Tables, d.table())
		}
		r.Partitions = append(r.Partitions, p)
	}
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		pos := int32(d.int())
		st := d.receiver()
		if d.err == nil {
			if r.Receivers == nil {
				r.Receivers = make(map[int32]*ReceiveState)
			}
			r.Receivers[pos] = st
		}
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "decoding resume info")
	}
	return r, nil
}

// encoder accumulates the first error so that call sites stay linear.
type encoder struct {
	buf *proto.Buffer
	err error
}

func (e *encoder) uint(x uint64) {
	if e.err == nil {
		e.err = e.buf.EncodeVarint(x)
	}
}

func (e *encoder) int(x int64) {
	if e.err == nil {
		e.err = e.buf.EncodeZigzag64(uint64(x))
	}
}

func (e *encoder) bool(b bool) {
	if b {
		e.uint(1)
	} else {
		e.uint(0)
	}
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	// A nil key and an empty key are different positions.
	if b == nil {
		e.uint(0)
		return
	}
	e.uint(1)
	if e.err == nil {
		e.err = e.buf.EncodeRawBytes(b)
	}
}

func (e *encoder) int32s(xs []int32) {
	e.uint(uint64(len(xs)))
	for _, x := range xs {
		e.int(int64(x))
	}
}

func (e *encoder) table(t *TableInfo) {
	e.int(int64(t.CurrentIndexRange))
	e.bytes(t.PrimResumeKey)
	e.bytes(t.SecResumeKey)
	e.bytes(t.DescResumeKey)
	e.int32s(t.JoinPathTables)
	e.int(int64(t.JoinPathLength))
	e.bytes(t.JoinPathSecKey)
	e.bool(t.JoinPathMatched)
	e.bool(t.MoveAfterResumeKey)
}

func (e *encoder) receiver(st *ReceiveState) {
	e.bool(st.Started)
	e.int(int64(st.NextTarget))
	e.bool(st.SortPhase1)
	if e.err == nil {
		e.err = EncodeInfo(e.buf, st.Phase1)
	}
	e.int32s(st.Shards)
	e.int(int64(st.TopoSeq))
	e.uint(uint64(len(st.Streams)))
	for i := range st.Streams {
		s := &st.Streams[i]
		e.int(int64(s.Target))
		e.bool(s.ShardTarget)
		e.int(int64(s.VirtualPID))
		e.bool(s.Done)
		if e.err == nil {
			e.err = EncodeInfo(e.buf, s.Info)
		}
		if e.err == nil {
			e.err = value.WriteValues(e.buf, s.Buffered)
		}
	}
	e.uint(uint64(len(st.SeenKeys)))
	for _, k := range st.SeenKeys {
		e.bytes(k)
	}
}

type decoder struct {
	buf *proto.Buffer
	err error
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	var x uint64
	x, d.err = d.buf.DecodeVarint()
	return x
}

func (d *decoder) int() int64 {
	if d.err != nil {
		return 0
	}
	var x uint64
	x, d.err = d.buf.DecodeZigzag64()
	return int64(x)
}

func (d *decoder) bool() bool {
	return d.uint() != 0
}

// count decodes a length and rejects values that cannot possibly fit in
// the remaining input.
func (d *decoder) count() int {
	n := d.uint()
	if d.err == nil && n > uint64(len(d.buf.Bytes())) {
		d.err = errors.Newf("invalid length %d", n)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	if present := d.uint(); d.err != nil || present == 0 {
		return nil
	}
	var b []byte
	b, d.err = d.buf.DecodeRawBytes(true)
	if b == nil && d.err == nil {
		b = []byte{}
	}
	return b
}

func (d *decoder) int32s() []int32 {
	n := d.count()
	var res []int32
	for i := 0; i < n && d.err == nil; i++ {
		res = append(res, int32(d.int()))
	}
	return res
}

func (d *decoder) table() TableInfo {
	var t TableInfo
	t.CurrentIndexRange = int32(d.int())
	t.PrimResumeKey = d.bytes()
	t.SecResumeKey = d.bytes()
	t.DescResumeKey = d.bytes()
	t.JoinPathTables = d.int32s()
	t.JoinPathLength = int32(d.int())
	t.JoinPathSecKey = d.bytes()
	t.JoinPathMatched = d.bool()
	t.MoveAfterResumeKey = d.bool()
	return t
}

func (d *decoder) receiver() *ReceiveState {
	st := &ReceiveState{}
	st.Started = d.bool()
	st.NextTarget = int32(d.int())
	st.SortPhase1 = d.bool()
	if d.err == nil {
		st.Phase1, d.err = DecodeInfo(d.buf)
	}
	st.Shards = d.int32s()
	st.TopoSeq = int32(d.int())
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		var s StreamState
		s.Target = int32(d.int())
		s.ShardTarget = d.bool()
		s.VirtualPID = int32(d.int())
		s.Done = d.bool()
		if d.err == nil {
			s.Info, d.err = DecodeInfo(d.buf)
		}
		if d.err == nil {
			s.Buffered, d.err = value.ReadValues(d.buf)
			if len(s.Buffered) == 0 {
				s.Buffered = nil
			}
		}
		st.Streams = append(st.Streams, s)
	}
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		st.SeenKeys = append(st.SeenKeys, d.bytes())
	}
	return st
}
