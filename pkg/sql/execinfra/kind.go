// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execinfra

import "github.com/cockroachdb/redact"

// IterKind identifies the type of a plan iterator. The numeric values are
// part of the plan wire format and must never change.
type IterKind int16

// The iterator kinds.
const (
	KindConst IterKind = iota + 1
	KindExternalVarRef
	KindVarRef
	KindFieldStep
	KindArrayElements
	KindCompOp
	KindAndOr
	KindFnCount
	KindFnCountStar
	KindFnCountNumbers
	KindFnSum
	KindFnMin
	KindFnMax
	KindFnCollect
	KindFnCollectDistinct
	KindGroup
	KindSFW
	KindTableScan
	KindReceive
	KindPartitionUnion
)

var kindNames = [...]string{
	KindConst:             "CONST",
	KindExternalVarRef:    "EXTERNAL_VAR_REF",
	KindVarRef:            "VAR_REF",
	KindFieldStep:         "FIELD_STEP",
	KindArrayElements:     "ARRAY_ELEMENTS",
	KindCompOp:            "COMP_OP",
	KindAndOr:             "AND_OR",
	KindFnCount:           "FN_COUNT",
	KindFnCountStar:       "FN_COUNT_STAR",
	KindFnCountNumbers:    "FN_COUNT_NUMBERS",
	KindFnSum:             "FN_SUM",
	KindFnMin:             "FN_MIN",
	KindFnMax:             "FN_MAX",
	KindFnCollect:         "FN_COLLECT",
	KindFnCollectDistinct: "FN_COLLECT_DISTINCT",
	KindGroup:             "GROUP",
	KindSFW:               "SFW",
	KindTableScan:         "TABLE_SCAN",
	KindReceive:           "RECEIVE",
	KindPartitionUnion:    "PARTITION_UNION",
}

func (k IterKind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// SafeValue implements the redact.SafeValue interface.
func (IterKind) SafeValue() {}

var _ redact.SafeValue = IterKind(0)

// MinVersion returns the plan serial version that introduced the kind.
func (k IterKind) MinVersion() int16 {
	if k == KindPartitionUnion {
		return SerialVersionGroupResume
	}
	return SerialVersionInitial
}
