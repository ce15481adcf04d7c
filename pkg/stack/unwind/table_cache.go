// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package unwind

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/patnebe/lightswitch/pkg/cache"
	"github.com/patnebe/lightswitch/pkg/objectfile"
)

// TableCache builds and keeps the sharded unwind tables of executables,
// keyed by executable id. A table is built once, even when requested
// concurrently, and published only if the build succeeded.
type TableCache struct {
	logger    log.Logger
	metrics   *tableCacheMetrics
	extractor *Extractor
	sharder   *Sharder
	tables    *cache.LoadingOnceCache[uint64, *ShardedTable]
}

func NewTableCache(logger log.Logger, reg prometheus.Registerer, opts ShardingOptions, size int) (*TableCache, error) {
	sharder, err := NewSharder(logger, reg, opts)
	if err != nil {
		return nil, err
	}
	cacheReg := reg
	if reg != nil {
		cacheReg = prometheus.WrapRegistererWith(prometheus.Labels{"cache": "unwind_tables"}, reg)
	}
	return &TableCache{
		logger:    log.With(logger, "component", "unwind_table_cache"),
		metrics:   newTableCacheMetrics(reg),
		extractor: NewExtractor(logger, reg),
		sharder:   sharder,
		tables:    cache.NewLoadingOnceCache[uint64, *ShardedTable](cacheReg, size),
	}, nil
}

// GetOrBuild returns the table for the given object file, building it if
// it is not cached yet.
func (c *TableCache) GetOrBuild(obj *objectfile.ObjectFile) (*ShardedTable, error) {
	id, err := obj.ExecutableID()
	if err != nil {
		return nil, fmt.Errorf("executable id for %q: %w", obj.Path, err)
	}
	return c.getOrBuild(id, func() (Sections, error) {
		return ReadSections(obj)
	})
}

// GetOrBuildSections is GetOrBuild for already read sections.
func (c *TableCache) GetOrBuildSections(id uint64, sections Sections) (*ShardedTable, error) {
	return c.getOrBuild(id, func() (Sections, error) {
		return sections, nil
	})
}

func (c *TableCache) getOrBuild(id uint64, read func() (Sections, error)) (*ShardedTable, error) {
	st, shared, err := c.tables.Get(id, func() (*ShardedTable, error) {
		st, err := c.build(read)
		if err != nil {
			c.metrics.builds.WithLabelValues(resultError).Inc()
			level.Debug(c.logger).Log("msg", "failed to build unwind table", "executable_id", fmt.Sprintf("%x", id), "err", err)
			return nil, err
		}
		c.metrics.builds.WithLabelValues(resultSuccess).Inc()
		return st, nil
	})
	if shared {
		c.metrics.shared.Inc()
	}
	return st, err
}

func (c *TableCache) build(read func() (Sections, error)) (*ShardedTable, error) {
	sections, err := read()
	if err != nil {
		return nil, err
	}
	table, functions, err := c.extractor.BuildTable(sections)
	if err != nil {
		return nil, err
	}
	return c.sharder.Shard(Compact(table), functions)
}

// Peek returns the table for the given executable id, if it was built.
func (c *TableCache) Peek(id uint64) (*ShardedTable, bool) {
	return c.tables.Peek(id)
}

// Close drops every table and unregisters the cache metrics.
func (c *TableCache) Close() error {
	return c.tables.Close()
}
