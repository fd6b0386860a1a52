// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package distsql

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/cockroachdb/kvquery/pkg/sql/execinfra"
	"github.com/cockroachdb/kvquery/pkg/sql/resume"
)

// BatchSize is the number of results of a batch when the query does not
// say.
var BatchSize = settings.RegisterIntSetting(
	"sql.query.batch_size",
	"default number of results returned by a query batch",
	100,
	settings.PositiveInt,
)

// MaxReadKB bounds the KB a server batch reads when the query does not
// say.
var MaxReadKB = settings.RegisterIntSetting(
	"sql.query.max_read_kb",
	"default number of KB a server batch may read; 0 disables the limit",
	2048,
	settings.NonNegativeInt,
)

// ServerMemoryLimit bounds the memory of a server batch. Exceeding it
// suspends the batch.
var ServerMemoryLimit = settings.RegisterByteSizeSetting(
	"sql.query.server_memory_limit",
	"memory a server batch may use before it is suspended",
	64<<20,
	settings.PositiveInt,
)

// ClientMemoryLimit bounds the memory of a query at the client. Exceeding
// it fails the query.
var ClientMemoryLimit = settings.RegisterByteSizeSetting(
	"sql.query.client_memory_limit",
	"memory a query may use at the client",
	256<<20,
	settings.PositiveInt,
)

// RequestTimeout bounds each request the client sends.
var RequestTimeout = settings.RegisterDurationSetting(
	"sql.query.request_timeout",
	"time a server request may take; 0 disables the timeout",
	5*time.Second,
	settings.NonNegativeDuration,
)

// ServerBatchTimeout bounds the time a server spends on one batch before it
// suspends it.
var ServerBatchTimeout = settings.RegisterDurationSetting(
	"sql.query.server_batch_timeout",
	"time after which a server batch is suspended; 0 disables it",
	time.Second,
	settings.NonNegativeDuration,
)

// MaxConcurrentRequests bounds the requests a query has in flight.
var MaxConcurrentRequests = settings.RegisterIntSetting(
	"sql.query.max_concurrent_requests",
	"number of server requests a query may have in flight",
	16,
	settings.PositiveInt,
)

// TokenCompressionThreshold is the size above which continuation tokens
// are compressed.
var TokenCompressionThreshold = settings.RegisterByteSizeSetting(
	"sql.query.continuation_compression_threshold",
	"size above which continuation tokens are compressed; 0 disables compression",
	resume.DefaultCompressionThreshold,
	settings.NonNegativeInt,
)

// SerialVersion is the version plans are shipped at. Pinning it to an
// older version keeps a mixed-version cluster working.
var SerialVersion = settings.RegisterIntSetting(
	"sql.query.serial_version",
	"serial version of the plans sent to servers",
	int64(execinfra.SerialVersionCurrent),
	func(v int64) error {
		if v < int64(execinfra.SerialVersionInitial) || v > int64(execinfra.SerialVersionCurrent) {
			return errors.Newf("serial version must be between %d and %d",
				execinfra.SerialVersionInitial, execinfra.SerialVersionCurrent)
		}
		return nil
	},
)

// PlanCacheSize bounds the decoded plans a server keeps.
var PlanCacheSize = settings.RegisterIntSetting(
	"sql.query.plan_cache_size",
	"number of decoded plans a server caches",
	128,
	settings.NonNegativeInt,
)
