// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package distsql

import "github.com/cockroachdb/kvquery/pkg/util/metric"

var latencyBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}

// ServerMetrics are the metrics of a Server.
type ServerMetrics struct {
	Requests  *metric.Counter
	Errors    *metric.Counter
	Suspended *metric.Counter
	Rows      *metric.Counter
	ReadKB    *metric.Counter
	PlanCache *metric.Counter
	Active    *metric.Gauge
	Latency   *metric.Histogram
}

// MakeServerMetrics registers the server metrics in reg.
func MakeServerMetrics(reg *metric.Registry) ServerMetrics {
	return ServerMetrics{
		Requests: reg.Counter(metric.Metadata{
			Name: "distsql.server.requests",
			Help: "Number of query requests handled",
		}),
		Errors: reg.Counter(metric.Metadata{
			Name: "distsql.server.errors",
			Help: "Number of query requests that failed",
		}),
		Suspended: reg.Counter(metric.Metadata{
			Name: "distsql.server.suspended",
			Help: "Number of batches suspended before the end of their scan",
		}),
		Rows: reg.Counter(metric.Metadata{
			Name: "distsql.server.rows",
			Help: "Number of results returned by servers",
		}),
		ReadKB: reg.Counter(metric.Metadata{
			Name: "distsql.server.read_kb",
			Help: "Number of KB read by server batches",
		}),
		PlanCache: reg.Counter(metric.Metadata{
			Name: "distsql.server.plan_cache_hits",
			Help: "Number of requests whose plan was already decoded",
		}),
		Active: reg.Gauge(metric.Metadata{
			Name: "distsql.server.active",
			Help: "Number of requests in progress",
		}),
		Latency: reg.Histogram(metric.Metadata{
			Name: "distsql.server.latency",
			Help: "Time spent on a request, in seconds",
		}, latencyBuckets),
	}
}

// QueryMetrics are the metrics of the query driver.
type QueryMetrics struct {
	Queries *metric.Counter
	Batches *metric.Counter
	Rows    *metric.Counter
	Errors  *metric.Counter
	Latency *metric.Histogram
}

// MakeQueryMetrics registers the query metrics in reg.
func MakeQueryMetrics(reg *metric.Registry) QueryMetrics {
	return QueryMetrics{
		Queries: reg.Counter(metric.Metadata{
			Name: "distsql.query.started",
			Help: "Number of queries started or resumed",
		}),
		Batches: reg.Counter(metric.Metadata{
			Name: "distsql.query.batches",
			Help: "Number of batches returned to applications",
		}),
		Rows: reg.Counter(metric.Metadata{
			Name: "distsql.query.rows",
			Help: "Number of results returned to applications",
		}),
		Errors: reg.Counter(metric.Metadata{
			Name: "distsql.query.errors",
			Help: "Number of query batches that failed",
		}),
		Latency: reg.Histogram(metric.Metadata{
			Name: "distsql.query.batch_latency",
			Help: "Time spent on a batch, in seconds",
		}, latencyBuckets),
	}
}
