// Copyright 2019 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execerror

// Code identifies the category of a user-facing query error.
type Code string

// Query error codes.
const (
	CodeUncategorized       Code = "XX000"
	CodeInvalidArgument     Code = "22023"
	CodeIncompatibleTypes   Code = "42804"
	CodeCardinalityViolated Code = "21000"
	CodeSizeLimitExceeded   Code = "54000"
	CodeMemoryLimitExceeded Code = "53200"
	CodeQueryCanceled       Code = "57014"
	CodeUnknownTable        Code = "42P01"
	CodeInvalidContinuation Code = "34000"
)

func (c Code) String() string { return string(c) }

// SafeValue implements redact.SafeValue.
func (Code) SafeValue() {}
