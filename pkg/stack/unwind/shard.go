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
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/constraints"
)

const (
	// Maximum number of rows in a shard, bounded by the size of the
	// maps the unwinder reads them from.
	DefaultShardCapacity = 250_000
	DefaultMaxShards     = 30
	DefaultMaxChunks     = 30
)

const (
	labelFunctionTooLarge = "function_too_large"
	labelTooManyShards    = "too_many_shards"
	labelTooManyChunks    = "too_many_chunks"
)

var (
	ErrFunctionTooLarge = errors.New("function does not fit in an empty shard")
	ErrTooManyShards    = errors.New("unwind table needs more shards than allowed")
	ErrTooManyChunks    = errors.New("unwind table needs more chunks than allowed")
)

// ShardingOptions bound the layout of a sharded table.
type ShardingOptions struct {
	ShardCapacity int
	MaxShards     int
	MaxChunks     int
	// FunctionAligned never splits the rows of a function across
	// shards.
	FunctionAligned bool
}

func DefaultShardingOptions() ShardingOptions {
	return ShardingOptions{
		ShardCapacity: DefaultShardCapacity,
		MaxShards:     DefaultMaxShards,
		MaxChunks:     DefaultMaxChunks,
	}
}

func (o ShardingOptions) Validate() error {
	if o.ShardCapacity <= 0 {
		return fmt.Errorf("shard capacity must be positive, got %d", o.ShardCapacity)
	}
	if o.MaxShards <= 0 {
		return fmt.Errorf("max shards must be positive, got %d", o.MaxShards)
	}
	if o.MaxChunks <= 0 {
		return fmt.Errorf("max chunks must be positive, got %d", o.MaxChunks)
	}
	return nil
}

// ChunkInfo points to the rows of a shard that cover [LowPc, HighPc].
// The rows are [LowIndex, HighIndex) within the shard.
type ChunkInfo struct {
	LowPc      uint64
	HighPc     uint64
	ShardIndex uint64
	LowIndex   uint64
	HighIndex  uint64
}

// Contains returns whether pc is in [LowPc, HighPc].
func (c ChunkInfo) Contains(pc uint64) bool {
	return c.LowPc <= pc && pc <= c.HighPc
}

func (c ChunkInfo) String() string {
	return fmt.Sprintf("chunk {low_pc: %x, high_pc: %x, shard: %d, low_index: %d, high_index: %d}",
		c.LowPc, c.HighPc, c.ShardIndex, c.LowIndex, c.HighIndex)
}

// ShardedTable is a compact unwind table split into bounded shards,
// along with the chunk index used to find the rows for a pc. It is
// immutable and safe for concurrent use.
type ShardedTable struct {
	shards []CompactUnwindTable
	chunks []ChunkInfo
}

// NumShards returns the number of shards in use.
func (st *ShardedTable) NumShards() int {
	return len(st.shards)
}

// Shard returns the rows of the i-th shard. They must not be modified.
func (st *ShardedTable) Shard(i int) CompactUnwindTable {
	return st.shards[i]
}

// Chunks returns the chunk index, sorted by pc. It must not be modified.
func (st *ShardedTable) Chunks() []ChunkInfo {
	return st.chunks
}

// Len returns the total number of rows.
func (st *ShardedTable) Len() int {
	n := 0
	for _, s := range st.shards {
		n += len(s)
	}
	return n
}

// Sharder splits compact unwind tables into shards.
type Sharder struct {
	logger  log.Logger
	metrics *sharderMetrics
	opts    ShardingOptions
}

func NewSharder(logger log.Logger, reg prometheus.Registerer, opts ShardingOptions) (*Sharder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Sharder{
		logger:  log.With(logger, "component", "unwind_sharder"),
		metrics: newSharderMetrics(reg),
		opts:    opts,
	}, nil
}

// run is a contiguous range of table rows stored in a single shard.
type run struct {
	shard      int
	start, end int // Table indices.
	low, high  int // Shard indices.
}

// Shard walks the sorted table filling shards up to their capacity and
// creates a chunk for each run of rows that lands in a shard. functions
// must be sorted and is only used in function aligned mode. The table
// is copied, keeping only the last row of each pc.
func (s *Sharder) Shard(table CompactUnwindTable, functions []FunctionRange) (*ShardedTable, error) {
	st, err := s.shard(table, functions)
	if err != nil {
		s.metrics.errors.WithLabelValues(errorLabel(err)).Inc()
		return nil, err
	}
	s.metrics.shards.Add(float64(len(st.shards)))
	s.metrics.chunks.Add(float64(len(st.chunks)))
	return st, nil
}

func (s *Sharder) shard(table CompactUnwindTable, functions []FunctionRange) (*ShardedTable, error) {
	rows := make(CompactUnwindTable, len(table))
	copy(rows, table)
	// Chunks must not share a pc, so a pc can't span two shards.
	rows = dropShadowedRows(rows)

	var (
		runs       []run
		shardIndex int
		// Rows in the current shard.
		highIndex int
		pos       int
	)

	rest := rows
	for len(rest) > 0 {
		available := s.opts.ShardCapacity - highIndex

		var chunk CompactUnwindTable
		if s.opts.FunctionAligned {
			chunk, rest = takeChunk(rest, functions, available)
		} else {
			n := min(len(rest), available)
			chunk, rest = rest[:n], rest[n:]
		}

		if len(chunk) == 0 {
			if highIndex == 0 {
				// The shard is empty and still can't fit a full function.
				// Either the unwind information is broken or there is a
				// genuinely huge FDE.
				return nil, fmt.Errorf("%w: at pc %x, capacity %d", ErrFunctionTooLarge, rest[0].Pc, s.opts.ShardCapacity)
			}
			level.Debug(s.logger).Log("msg", "creating a new shard since the current one can't fit a full function")
			shardIndex++
			highIndex = 0
			continue
		}
		if shardIndex >= s.opts.MaxShards {
			return nil, fmt.Errorf("%w: %d rows, %d shards of %d rows", ErrTooManyShards, len(rows), s.opts.MaxShards, s.opts.ShardCapacity)
		}

		if n := len(runs); n > 0 && runs[n-1].shard == shardIndex {
			// Still in the same shard, extend the current run.
			runs[n-1].end += len(chunk)
			runs[n-1].high += len(chunk)
		} else {
			runs = append(runs, run{
				shard: shardIndex,
				start: pos,
				end:   pos + len(chunk),
				low:   highIndex,
				high:  highIndex + len(chunk),
			})
		}
		pos += len(chunk)
		highIndex += len(chunk)

		if highIndex == s.opts.ShardCapacity && len(rest) > 0 {
			shardIndex++
			highIndex = 0
		}
	}

	if len(runs) > s.opts.MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks, max %d", ErrTooManyChunks, len(runs), s.opts.MaxChunks)
	}

	st := &ShardedTable{
		shards: make([]CompactUnwindTable, 0, shardIndex+1),
		chunks: make([]ChunkInfo, 0, len(runs)),
	}
	for i, r := range runs {
		// Runs in different shards are contiguous in the table, so
		// every shard is a slice of it.
		for len(st.shards) <= r.shard {
			st.shards = append(st.shards, nil)
		}
		st.shards[r.shard] = rows[r.start-r.low : r.end : r.end]

		highPc := rows[r.end-1].Pc
		if i < len(runs)-1 {
			highPc = saturatingSub(rows[runs[i+1].start].Pc, 1)
		}
		st.chunks = append(st.chunks, ChunkInfo{
			LowPc:      rows[r.start].Pc,
			HighPc:     highPc,
			ShardIndex: uint64(r.shard),
			LowIndex:   uint64(r.low),
			HighIndex:  uint64(r.high),
		})
	}
	return st, nil
}

// takeChunk returns the largest chunk of `ut` (up to `maxLen`) that
// respects function boundaries, along with the rest of the table.
func takeChunk(ut CompactUnwindTable, functions []FunctionRange, maxLen int) (CompactUnwindTable, CompactUnwindTable) {
	// Find the end of the last function and split the unwind table
	// at that index.
	maxThreshold := min(len(ut), maxLen)
	if maxThreshold == 0 {
		return ut[:0], ut
	}
	if maxThreshold == len(ut) {
		return ut, ut[len(ut):]
	}
	lastUt := ut[maxThreshold-1]
	// If the function corresponding to lastUt is bounded by a following
	// end marker, we must consider it to overflow the remaining length,
	// because the chunk can't fit the end marker.
	hasTrailingMarker := ut[maxThreshold].IsEndOfFDEMarker()
	fnIdx := sort.Search(len(functions), func(i int) bool {
		return functions[i].End > 1+lastUt.Pc ||
			(hasTrailingMarker && functions[i].End == 1+lastUt.Pc)
	})
	// fnIdx is the first function that does not entirely fit within the
	// current chunk. So we want to take all the rows corresponding to the
	// _previous_ function, if any exists.
	threshold := 0
	if fnIdx > 0 {
		lastFullFunc := functions[fnIdx-1]
		threshold = sort.Search(maxThreshold, func(i int) bool {
			c := ut[i]
			return !((lastFullFunc.End > c.Pc) ||
				(c.Pc == lastFullFunc.End && c.IsEndOfFDEMarker()))
		})
	}

	return ut[:threshold], ut[threshold:]
}

// dropShadowedRows removes, in place, rows followed by another row for
// the same pc. Lookups always resolve to the last one.
func dropShadowedRows(t CompactUnwindTable) CompactUnwindTable {
	res := t[:0]
	for _, row := range t {
		if n := len(res); n > 0 && res[n-1].Pc == row.Pc {
			res[n-1] = row
			continue
		}
		res = append(res, row)
	}
	return res
}

func saturatingSub[T constraints.Unsigned](a, b T) T {
	if a < b {
		return 0
	}
	return a - b
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrFunctionTooLarge):
		return labelFunctionTooLarge
	case errors.Is(err, ErrTooManyShards):
		return labelTooManyShards
	default:
		return labelTooManyChunks
	}
}
