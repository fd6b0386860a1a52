// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package execinfra

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// PlanCompressionThreshold is the size above which a serialized sub-plan is
// compressed before it is shipped in a request.
const PlanCompressionThreshold = 4 << 10

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
}

// MaybeCompressPlan compresses an encoded plan if it is larger than
// PlanCompressionThreshold. It returns the bytes to ship and whether they
// are compressed.
func MaybeCompressPlan(data []byte) ([]byte, bool, error) {
	if len(data) <= PlanCompressionThreshold {
		return data, false, nil
	}
	initZstd()
	if zstdErr != nil {
		return nil, false, errors.Wrap(zstdErr, "initializing plan compression")
	}
	return zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), true, nil
}

// DecompressPlan reverses MaybeCompressPlan.
func DecompressPlan(data []byte) ([]byte, error) {
	initZstd()
	if zstdErr != nil {
		return nil, errors.Wrap(zstdErr, "initializing plan compression")
	}
	res, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing plan")
	}
	return res, nil
}
