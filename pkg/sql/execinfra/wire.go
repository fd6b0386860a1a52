// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execinfra

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/sql/execerror"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/gogo/protobuf/proto"
)

// Plan serial versions. Every optional field added to the wire format is
// gated by the version that introduced it.
const (
	// SerialVersionInitial is the first version of the format.
	SerialVersionInitial int16 = 1
	// SerialVersionNullsFirst adds the null placement of sort specs.
	SerialVersionNullsFirst int16 = 2
	// SerialVersionGroupResume keeps the group cut by the end of a batch in
	// the resume info and adds PARTITION_UNION.
	SerialVersionGroupResume int16 = 3

	SerialVersionCurrent = SerialVersionGroupResume
)

const planFlagForCloud = 1

// DecodeFunc decodes the kind-specific fields of an iterator.
type DecodeFunc func(r *Reader, base IterBase) (PlanIter, error)

var decoders = map[IterKind]DecodeFunc{}

// RegisterIterDecoder registers the decoder of an iterator kind. It is
// meant to be called from init functions.
func RegisterIterDecoder(kind IterKind, fn DecodeFunc) {
	if _, ok := decoders[kind]; ok {
		panic(errors.AssertionFailedf("decoder for %s registered twice", kind))
	}
	decoders[kind] = fn
}

// Writer serializes plans. Errors are sticky: once a write fails every
// following write is a no-op and Err returns the first error.
type Writer struct {
	buf *proto.Buffer
	// Version is the serial version of the reader the plan is meant for.
	Version int16
	// ForCloud selects the reduced format shipped to thin drivers, which
	// leaves out source locations.
	ForCloud bool
	err      error
}

// NewWriter returns a Writer for the given version.
func NewWriter(version int16, forCloud bool) *Writer {
	return &Writer{buf: proto.NewBuffer(nil), Version: version, ForCloud: forCloud}
}

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

// Bytes returns the encoding written so far.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// SetErr records err unless an error was already recorded.
func (w *Writer) SetErr(err error) {
	if w.err == nil {
		w.err = err
	}
}

// WriteUint writes an unsigned varint.
func (w *Writer) WriteUint(x uint64) {
	if w.err == nil {
		w.err = w.buf.EncodeVarint(x)
	}
}

// WriteInt writes a signed varint.
func (w *Writer) WriteInt(x int64) {
	if w.err == nil {
		w.err = w.buf.EncodeZigzag64(uint64(x))
	}
}

// WriteBool writes a bool.
func (w *Writer) WriteBool(b bool) {
	if b {
		w.WriteUint(1)
	} else {
		w.WriteUint(0)
	}
}

// WriteString writes a string.
func (w *Writer) WriteString(s string) {
	if w.err == nil {
		w.err = w.buf.EncodeStringBytes(s)
	}
}

// WriteStrings writes a sequence of strings.
func (w *Writer) WriteStrings(ss []string) {
	w.WriteUint(uint64(len(ss)))
	for _, s := range ss {
		w.WriteString(s)
	}
}

// WriteInts writes a sequence of ints.
func (w *Writer) WriteInts(xs []int) {
	w.WriteUint(uint64(len(xs)))
	for _, x := range xs {
		w.WriteInt(int64(x))
	}
}

// WriteValue writes a value; nil is written as absent.
func (w *Writer) WriteValue(v value.Value) {
	w.WriteBool(v != nil)
	if v != nil && w.err == nil {
		w.err = value.WriteValue(w.buf, v)
	}
}

// WriteType writes a type.
func (w *Writer) WriteType(t value.Type) {
	if w.err == nil {
		w.err = value.WriteType(w.buf, t)
	}
}

// WriteRecordDef writes a record definition.
func (w *Writer) WriteRecordDef(def *value.RecordDef) {
	if w.err == nil {
		w.err = value.WriteRecordDef(w.buf, def)
	}
}

// WriteSortSpecs writes sort specs. Null placement is only written for
// readers that know about it.
func (w *Writer) WriteSortSpecs(specs []value.SortSpec) {
	w.WriteUint(uint64(len(specs)))
	for _, s := range specs {
		w.WriteBool(s.Desc)
		if w.Version >= SerialVersionNullsFirst {
			w.WriteBool(s.NullsFirst)
		}
	}
}

func (w *Writer) writeLocation(loc execerror.Location) {
	if w.ForCloud {
		return
	}
	w.WriteInt(int64(loc.StartLine))
	w.WriteInt(int64(loc.StartColumn))
	w.WriteInt(int64(loc.EndLine))
	w.WriteInt(int64(loc.EndColumn))
}

// WriteIter writes an iterator tree. Kinds the target version does not
// know are rejected.
func (w *Writer) WriteIter(it PlanIter) {
	if w.err != nil {
		return
	}
	if it == nil {
		w.WriteInt(0)
		return
	}
	kind := it.Kind()
	if kind.MinVersion() > w.Version {
		w.SetErr(execerror.NewUnsupportedKindError(int16(kind), w.Version))
		return
	}
	w.WriteInt(int64(kind))
	w.WriteInt(int64(it.ResultReg()))
	w.WriteInt(int64(it.StatePos()))
	w.writeLocation(it.Location())
	if w.err == nil {
		w.SetErr(it.WriteTo(w))
	}
}

// WriteIters writes a sequence of iterator trees.
func (w *Writer) WriteIters(its []PlanIter) {
	w.WriteUint(uint64(len(its)))
	for _, it := range its {
		w.WriteIter(it)
	}
}

// Reader deserializes plans. Errors are sticky like the Writer's.
type Reader struct {
	buf      *proto.Buffer
	Version  int16
	ForCloud bool
	err      error
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// SetErr records err unless an error was already recorded.
func (r *Reader) SetErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

// ReadUint reads an unsigned varint.
func (r *Reader) ReadUint() uint64 {
	if r.err != nil {
		return 0
	}
	x, err := r.buf.DecodeVarint()
	r.err = err
	return x
}

// ReadInt reads a signed varint.
func (r *Reader) ReadInt() int64 {
	if r.err != nil {
		return 0
	}
	x, err := r.buf.DecodeZigzag64()
	r.err = err
	return int64(x)
}

// ReadBool reads a bool.
func (r *Reader) ReadBool() bool { return r.ReadUint() != 0 }

// ReadString reads a string.
func (r *Reader) ReadString() string {
	if r.err != nil {
		return ""
	}
	s, err := r.buf.DecodeStringBytes()
	r.err = err
	return s
}

// readCount reads a sequence length, rejecting lengths larger than the
// input.
func (r *Reader) readCount() int {
	n := r.ReadUint()
	if r.err == nil && n > uint64(len(r.buf.Bytes())) {
		r.err = errors.Newf("invalid sequence length %d", n)
		return 0
	}
	return int(n)
}

// ReadStrings reads a sequence of strings.
func (r *Reader) ReadStrings() []string {
	n := r.readCount()
	var res []string
	for i := 0; i < n && r.err == nil; i++ {
		res = append(res, r.ReadString())
	}
	return res
}

// ReadInts reads a sequence of ints.
func (r *Reader) ReadInts() []int {
	n := r.readCount()
	var res []int
	for i := 0; i < n && r.err == nil; i++ {
		res = append(res, int(r.ReadInt()))
	}
	return res
}

// ReadValue reads a value written by WriteValue.
func (r *Reader) ReadValue() value.Value {
	if !r.ReadBool() || r.err != nil {
		return nil
	}
	v, err := value.ReadValue(r.buf)
	r.err = err
	return v
}

// ReadType reads a type.
func (r *Reader) ReadType() value.Type {
	if r.err != nil {
		return value.Type{}
	}
	t, err := value.ReadType(r.buf)
	r.err = err
	return t
}

// ReadRecordDef reads a record definition.
func (r *Reader) ReadRecordDef() *value.RecordDef {
	if r.err != nil {
		return nil
	}
	def, err := value.ReadRecordDef(r.buf)
	r.err = err
	return def
}

// ReadSortSpecs reads sort specs.
func (r *Reader) ReadSortSpecs() []value.SortSpec {
	n := r.readCount()
	var res []value.SortSpec
	for i := 0; i < n && r.err == nil; i++ {
		var s value.SortSpec
		s.Desc = r.ReadBool()
		if r.Version >= SerialVersionNullsFirst {
			s.NullsFirst = r.ReadBool()
		}
		res = append(res, s)
	}
	return res
}

func (r *Reader) readLocation() execerror.Location {
	if r.ForCloud {
		return execerror.Location{}
	}
	return execerror.Location{
		StartLine:   int32(r.ReadInt()),
		StartColumn: int32(r.ReadInt()),
		EndLine:     int32(r.ReadInt()),
		EndColumn:   int32(r.ReadInt()),
	}
}

// ReadIter reads an iterator tree.
func (r *Reader) ReadIter() PlanIter {
	kind := IterKind(r.ReadInt())
	if r.err != nil || kind == 0 {
		return nil
	}
	dec, ok := decoders[kind]
	if !ok {
		r.SetErr(execerror.NewUnsupportedKindError(int16(kind), r.Version))
		return nil
	}
	base := IterBase{IKind: kind, Reg: int(r.ReadInt()), Pos: int(r.ReadInt())}
	base.Loc = r.readLocation()
	if r.err != nil {
		return nil
	}
	it, err := dec(r, base)
	if err != nil {
		r.SetErr(errors.Wrapf(err, "decoding %s", kind))
		return nil
	}
	return it
}

// ReadIters reads a sequence of iterator trees.
func (r *Reader) ReadIters() []PlanIter {
	n := r.readCount()
	var res []PlanIter
	for i := 0; i < n && r.err == nil; i++ {
		res = append(res, r.ReadIter())
	}
	return res
}

// EncodePlan serializes a plan for a reader at the given version.
func EncodePlan(p *Plan, version int16, forCloud bool) ([]byte, error) {
	if version < SerialVersionInitial || version > SerialVersionCurrent {
		return nil, errors.AssertionFailedf("cannot encode plan at serial version %d", version)
	}
	w := NewWriter(version, forCloud)
	w.WriteInt(int64(version))
	var flags uint64
	if forCloud {
		flags |= planFlagForCloud
	}
	w.WriteUint(flags)
	w.WriteInt(int64(p.NumRegs))
	w.WriteInt(int64(p.NumStates))
	w.WriteInt(int64(p.NumTables))
	w.WriteIter(p.Root)
	if w.err != nil {
		return nil, w.err
	}
	return w.Bytes(), nil
}

// DecodePlan deserializes a plan written by EncodePlan.
func DecodePlan(data []byte) (*Plan, error) {
	r := &Reader{buf: proto.NewBuffer(data)}
	r.Version = int16(r.ReadInt())
	if r.err == nil && (r.Version < SerialVersionInitial || r.Version > SerialVersionCurrent) {
		return nil, errors.WithHint(
			errors.Newf("plan serial version %d is not supported (max %d)", r.Version, SerialVersionCurrent),
			"the plan was produced by a newer version; retry once the cluster is upgraded")
	}
	r.ForCloud = r.ReadUint()&planFlagForCloud != 0
	p := &Plan{Version: r.Version}
	p.NumRegs = int(r.ReadInt())
	p.NumStates = int(r.ReadInt())
	p.NumTables = int(r.ReadInt())
	p.Root = r.ReadIter()
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decoding plan")
	}
	if p.Root == nil {
		return nil, errors.AssertionFailedf("decoded plan has no root")
	}
	return p, nil
}
