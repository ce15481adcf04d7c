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

import "sort"

// FindRowIndex returns the index of the last row in rows[low:high] whose
// pc is lower or equal than pc. Among rows with the same pc, the last
// one wins. This is the same search the unwinder performs on a shard.
func FindRowIndex(rows CompactUnwindTable, low, high int, pc uint64) (int, bool) {
	found := -1
	left, right := low, high
	for left < right {
		mid := left + (right-left)/2
		if rows[mid].Pc <= pc {
			found = mid
			left = mid + 1
		} else {
			right = mid
		}
	}
	return found, found >= 0
}

// Lookup returns the row that applies to pc in a sorted table. Callers
// must treat an end of function marker as no unwind information.
func (t CompactUnwindTable) Lookup(pc uint64) (CompactUnwindRow, bool) {
	i, ok := FindRowIndex(t, 0, len(t), pc)
	if !ok {
		return CompactUnwindRow{}, false
	}
	return t[i], true
}

// FindChunk returns the chunk whose range contains pc.
func (st *ShardedTable) FindChunk(pc uint64) (ChunkInfo, bool) {
	// Last chunk starting at or below pc.
	i := sort.Search(len(st.chunks), func(i int) bool {
		return st.chunks[i].LowPc > pc
	}) - 1
	if i < 0 || !st.chunks[i].Contains(pc) {
		return ChunkInfo{}, false
	}
	return st.chunks[i], true
}

// Lookup returns the row that applies to pc. Unlike
// CompactUnwindTable.Lookup, nothing is found for addresses past the
// last row.
func (st *ShardedTable) Lookup(pc uint64) (CompactUnwindRow, bool) {
	chunk, ok := st.FindChunk(pc)
	if !ok {
		return CompactUnwindRow{}, false
	}
	shard := st.shards[chunk.ShardIndex]
	i, ok := FindRowIndex(shard, int(chunk.LowIndex), int(chunk.HighIndex), pc)
	if !ok {
		return CompactUnwindRow{}, false
	}
	return shard[i], true
}
