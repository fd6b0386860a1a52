// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvquery/pkg/kv"
	"github.com/cockroachdb/kvquery/pkg/kv/kvtest"
	"github.com/cockroachdb/kvquery/pkg/settings"
	"github.com/cockroachdb/kvquery/pkg/sql/distsql"
	"github.com/cockroachdb/kvquery/pkg/sql/value"
	"github.com/cockroachdb/kvquery/pkg/util/log"
	"github.com/cockroachdb/kvquery/pkg/util/metric"
	yaml "gopkg.in/yaml.v2"
)

// clusterDesc is the YAML description of an in-memory cluster.
type clusterDesc struct {
	// Partitions holds the shard of every partition.
	Partitions []int32 `yaml:"partitions"`
	// Latency delays every server request.
	Latency time.Duration `yaml:"latency"`
	// Settings override the defaults of the query engine settings.
	Settings map[string]string `yaml:"settings"`
	Tables   []tableDesc       `yaml:"tables"`
}

type tableDesc struct {
	Namespace  string       `yaml:"namespace"`
	Name       string       `yaml:"name"`
	Columns    []columnDesc `yaml:"columns"`
	PrimaryKey []string     `yaml:"primary_key"`
	// ShardKeyLen is the number of primary key columns hashed to place a
	// row; zero means all of them.
	ShardKeyLen int         `yaml:"shard_key_len"`
	Indexes     []indexDesc `yaml:"indexes"`
	// Rows are placed in the partition their shard key hashes to.
	Rows [][]interface{} `yaml:"rows"`
	// Placement puts rows in the given partitions, regardless of their
	// shard key.
	Placement map[int32][][]interface{} `yaml:"placement"`
}

type columnDesc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Symbols are the symbols of an ENUM column.
	Symbols []string `yaml:"symbols"`
	// Precision is the fractional second digits of a TIMESTAMP column.
	Precision int8 `yaml:"precision"`
}

type indexDesc struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

// loadClusterDesc reads the cluster description in the given file.
func loadClusterDesc(path string) (*clusterDesc, error) {
	if path == "" {
		return nil, errors.WithHint(errors.New("no cluster description"),
			"pass the YAML description of the cluster with --cluster")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading cluster description")
	}
	return parseClusterDesc(data)
}

func parseClusterDesc(data []byte) (*clusterDesc, error) {
	var d clusterDesc
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, errors.Wrap(err, "parsing cluster description")
	}
	if len(d.Partitions) == 0 {
		return nil, errors.New("cluster description has no partitions")
	}
	return &d, nil
}

// localCluster is an in-memory cluster with one server answering the
// requests of every shard.
type localCluster struct {
	sv         *settings.Values
	registry   *metric.Registry
	cluster    *kvtest.Cluster
	server     *distsql.Server
	dispatcher *kvtest.Dispatcher
	executor   *distsql.Executor
}

// build creates the cluster described by d. The overrides are applied on
// top of the settings of the description.
func (d *clusterDesc) build(ctx context.Context, overrides map[string]string) (*localCluster, error) {
	sv := &settings.Values{}
	sv.Init(ctx)
	u := settings.NewUpdater(sv)
	if err := u.SetAll(ctx, d.Settings); err != nil {
		return nil, err
	}
	if err := u.SetAll(ctx, overrides); err != nil {
		return nil, err
	}

	lc := &localCluster{
		sv:       sv,
		registry: metric.NewRegistry(),
		cluster:  kvtest.NewCluster(d.Partitions...),
	}
	lc.server = distsql.NewServer(distsql.ServerConfig{
		Settings: sv,
		Metadata: lc.cluster,
		Topology: lc.cluster,
		Metrics:  lc.registry,
	})
	lc.dispatcher = kvtest.NewDispatcher(lc.cluster, lc.server)
	lc.dispatcher.Knobs.Latency = d.Latency
	lc.executor = distsql.NewExecutor(distsql.ExecutorConfig{
		Settings:   sv,
		Dispatcher: lc.dispatcher,
		Topology:   lc.cluster,
		Metrics:    lc.registry,
	})

	for i := range d.Tables {
		if err := lc.load(ctx, &d.Tables[i]); err != nil {
			return nil, err
		}
	}
	log.VEventf(ctx, 1, "cluster of %d partitions on %d shards, %d tables",
		len(d.Partitions), len(lc.cluster.Shards()), len(d.Tables))
	return lc, nil
}

// load creates a table and inserts its rows.
func (lc *localCluster) load(ctx context.Context, td *tableDesc) error {
	t, err := td.table()
	if err != nil {
		return err
	}
	if err := lc.cluster.CreateTable(t); err != nil {
		return err
	}
	for i, raw := range td.Rows {
		row, err := rowValues(t, raw)
		if err != nil {
			return errors.Wrapf(err, "table %s: row %d", t.Name, i+1)
		}
		if err := lc.cluster.Insert(ctx, t, row); err != nil {
			return err
		}
	}
	pids := make([]int32, 0, len(td.Placement))
	for pid := range td.Placement {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		for i, raw := range td.Placement[pid] {
			row, err := rowValues(t, raw)
			if err != nil {
				return errors.Wrapf(err, "table %s: partition %d: row %d", t.Name, pid, i+1)
			}
			if err := lc.cluster.InsertInto(ctx, t, pid, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// table returns the schema described by td.
func (td *tableDesc) table() (*kv.Table, error) {
	t := &kv.Table{
		Namespace:   td.Namespace,
		Name:        td.Name,
		ShardKeyLen: td.ShardKeyLen,
	}
	for _, cd := range td.Columns {
		typ, err := cd.typ()
		if err != nil {
			return nil, errors.Wrapf(err, "table %s: column %s", td.Name, cd.Name)
		}
		t.Columns = append(t.Columns, kv.Column{Name: cd.Name, Type: typ})
	}
	for _, name := range td.PrimaryKey {
		pos, ok := t.ColumnIndex(name)
		if !ok {
			return nil, errors.Newf("table %s: primary key on unknown column %s", td.Name, name)
		}
		t.PrimaryKey = append(t.PrimaryKey, pos)
	}
	for _, id := range td.Indexes {
		t.Indexes = append(t.Indexes, kv.Index{Name: id.Name, Fields: id.Fields})
	}
	return t, nil
}

func (cd *columnDesc) typ() (value.Type, error) {
	name := strings.ToUpper(strings.TrimSpace(cd.Type))
	if name == "" {
		name = "ANY"
	}
	k, ok := value.KindByName(name)
	if !ok || k == value.KindNull || k == value.KindJSONNull || k == value.KindEmpty {
		return value.Type{}, errors.WithHint(errors.Newf("unknown type %q", cd.Type),
			"use one of INTEGER, LONG, FLOAT, DOUBLE, NUMBER, STRING, BOOLEAN, BINARY, "+
				"TIMESTAMP, ENUM, MAP, ARRAY or ANY")
	}
	t := value.Type{Kind: k}
	switch k {
	case value.KindEnum:
		if len(cd.Symbols) == 0 {
			return value.Type{}, errors.Newf("enum column %s has no symbols", cd.Name)
		}
		t.Enum = &value.EnumDef{Name: cd.Name, Symbols: cd.Symbols}
	case value.KindTimestamp:
		t.Precision = cd.Precision
	}
	return t, nil
}

// rowValues converts a YAML row to the values of a row of t.
func rowValues(t *kv.Table, raw []interface{}) ([]value.Value, error) {
	if len(raw) != len(t.Columns) {
		return nil, errors.Newf("%d values for %d columns", len(raw), len(t.Columns))
	}
	row := make([]value.Value, len(raw))
	for i, r := range raw {
		v, err := typedValue(r, t.Columns[i].Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", t.Columns[i].Name)
		}
		row[i] = v
	}
	return row, nil
}

// typedValue converts a YAML value to a value of type t.
func typedValue(raw interface{}, t value.Type) (value.Value, error) {
	if raw == nil {
		return value.DNull, nil
	}
	switch t.Kind {
	case value.KindAny, value.KindArray, value.KindMap, value.KindRecord:
		v, err := yamlValue(raw)
		if err != nil {
			return nil, err
		}
		if t.Kind != value.KindAny && v.Kind() != t.Kind {
			return nil, errors.Newf("%s is not a %s", v, t)
		}
		return v, nil
	case value.KindNumber:
		if s, ok := raw.(string); ok {
			return value.ParseNumber(s)
		}
	case value.KindBinary, value.KindFixedBinary:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Newf("%v is not a base64 string", raw)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", t)
		}
		if t.Kind == value.KindFixedBinary {
			return value.DFixedBinary(b), nil
		}
		return value.DBinary(b), nil
	}
	v, err := yamlValue(raw)
	if err != nil {
		return nil, err
	}
	res, ok := value.Promote(v, t)
	if !ok {
		return nil, errors.Newf("cannot use %s as %s", v, t)
	}
	return res, nil
}

// yamlValue converts a decoded YAML value to a value of the kind it
// naturally maps to.
func yamlValue(raw interface{}) (value.Value, error) {
	switch r := raw.(type) {
	case nil:
		return value.DNull, nil
	case bool:
		return value.DBool(r), nil
	case int:
		return value.DLong(r), nil
	case int64:
		return value.DLong(r), nil
	case uint64:
		if r > math.MaxInt64 {
			return value.ParseNumber(fmt.Sprint(r))
		}
		return value.DLong(r), nil
	case float64:
		return value.DDouble(r), nil
	case string:
		return value.DString(r), nil
	case []interface{}:
		arr := value.NewArray()
		for _, e := range r {
			v, err := yamlValue(e)
			if err != nil {
				return nil, err
			}
			arr.Elems = append(arr.Elems, v)
		}
		return arr, nil
	case map[interface{}]interface{}:
		keys := make([]string, 0, len(r))
		vals := make(map[string]interface{}, len(r))
		for k, v := range r {
			ks := fmt.Sprint(k)
			keys = append(keys, ks)
			vals[ks] = v
		}
		sort.Strings(keys)
		m := value.NewMap()
		for _, k := range keys {
			v, err := yamlValue(vals[k])
			if err != nil {
				return nil, err
			}
			m.Put(k, v)
		}
		return m, nil
	}
	return nil, errors.Newf("unsupported YAML value %v (%T)", raw, raw)
}
