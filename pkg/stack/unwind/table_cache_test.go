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
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestTableCache(t *testing.T, reg prometheus.Registerer) *TableCache {
	t.Helper()
	c, err := NewTableCache(log.NewNopLogger(), reg, unlimited(3), 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c
}

func TestTableCacheBuildsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestTableCache(t, reg)

	const workers = 16
	var (
		wg     sync.WaitGroup
		tables = make([]*ShardedTable, workers)
		errs   = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tables[i], errs[i] = c.GetOrBuildSections(0xcafe, testSections())
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, tables[0], tables[i])
	}
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.builds.WithLabelValues(resultSuccess)))

	st, ok := c.Peek(0xcafe)
	require.True(t, ok)
	require.Same(t, tables[0], st)

	// The published table is the compacted one.
	table, _, err := NewExtractor(log.NewNopLogger(), nil).BuildTable(testSections())
	require.NoError(t, err)
	require.Equal(t, Compact(table), concatShards(st))
}

func TestTableCacheDoesNotPublishFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestTableCache(t, reg)

	for i := 0; i < 2; i++ {
		st, err := c.GetOrBuildSections(0xbad, Sections{})
		require.ErrorIs(t, err, ErrEhFrameSectionNotFound)
		require.Nil(t, st)
	}
	_, ok := c.Peek(0xbad)
	require.False(t, ok)
	require.Equal(t, 2.0, testutil.ToFloat64(c.metrics.builds.WithLabelValues(resultError)))

	// A later successful build for the same id is published.
	st, err := c.GetOrBuildSections(0xbad, testSections())
	require.NoError(t, err)
	require.NotNil(t, st)
}

func TestTableCacheEvicts(t *testing.T) {
	c := newTestTableCache(t, nil)

	for id := uint64(0); id < 6; id++ {
		_, err := c.GetOrBuildSections(id, testSections())
		require.NoError(t, err)
	}
	// Bounded to 4 entries, least recently used first out.
	_, ok := c.Peek(0)
	require.False(t, ok)
	_, ok = c.Peek(5)
	require.True(t, ok)
}

func TestTableCacheDistinctIDsInParallel(t *testing.T) {
	c := newTestTableCache(t, prometheus.NewRegistry())

	const ids = 4
	var (
		wg     sync.WaitGroup
		tables = make([]*ShardedTable, ids)
		errs   = make([]error, ids)
	)
	for id := 0; id < ids; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tables[id], errs[id] = c.GetOrBuildSections(uint64(id), testSections())
		}(id)
	}
	wg.Wait()

	for id := 0; id < ids; id++ {
		require.NoError(t, errs[id])
		// 7 rows in shards of 3.
		require.Len(t, tables[id].Chunks(), 3)
	}
	require.Equal(t, 4.0, testutil.ToFloat64(c.metrics.builds.WithLabelValues(resultSuccess)))
}

func TestNewTableCacheInvalidOptions(t *testing.T) {
	_, err := NewTableCache(log.NewNopLogger(), nil, ShardingOptions{}, 4)
	require.Error(t, err)
}
