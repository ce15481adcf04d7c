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
)

const (
	// CompactUnwindRowSizeBytes is the size of an encoded row, which
	// matches the layout of the C struct read by the unwinder:
	//
	//	struct stack_unwind_row_t {
	//	  u64 pc;
	//	  u8 cfa_type;
	//	  u8 rbp_type;
	//	  u16 cfa_offset;
	//	  s16 rbp_offset;
	//	};
	//
	// with 2 bytes of trailing padding.
	CompactUnwindRowSizeBytes = 16
	// ChunkInfoSizeBytes is the size of an encoded ChunkInfo, five u64.
	ChunkInfoSizeBytes = 40
)

// writeUnwindTableRow writes a compact unwind table row to the provided slice.
//
// Note: we are avoiding `binary.Write` and prefer to use the lower level APIs
// to avoid allocations and CPU spent in the reflection code paths as well as
// in the allocations for the intermediate buffers.
func writeUnwindTableRow(rowSlice *EfficientBuffer, row CompactUnwindRow) {
	// .pc
	rowSlice.PutUint64(row.Pc)
	// .cfa_type
	rowSlice.PutUint8(uint8(row.CfaType))
	// .rbp_type
	rowSlice.PutUint8(uint8(row.RbpType))
	// .cfa_offset
	rowSlice.PutUint16(row.CfaOffset)
	// .rbp_offset
	rowSlice.PutInt16(row.RbpOffset)
	// padding
	rowSlice.PutUint16(0)
}

func writeChunkInfo(buf *EfficientBuffer, chunk ChunkInfo) {
	// .low_pc
	buf.PutUint64(chunk.LowPc)
	// .high_pc
	buf.PutUint64(chunk.HighPc)
	// .shard_index
	buf.PutUint64(chunk.ShardIndex)
	// .low_index
	buf.PutUint64(chunk.LowIndex)
	// .high_index
	buf.PutUint64(chunk.HighIndex)
}

// MarshalRows encodes rows in the layout read by the unwinder.
func MarshalRows(rows CompactUnwindTable) []byte {
	mem := make(EfficientBuffer, 0, len(rows)*CompactUnwindRowSizeBytes)
	for _, row := range rows {
		rowSlice := mem.Slice(CompactUnwindRowSizeBytes)
		writeUnwindTableRow(&rowSlice, row)
	}
	return mem
}

// UnmarshalRows decodes rows encoded with MarshalRows.
func UnmarshalRows(b []byte) (CompactUnwindTable, error) {
	if len(b)%CompactUnwindRowSizeBytes != 0 {
		return nil, fmt.Errorf("unwind rows: %d bytes is not a multiple of %d", len(b), CompactUnwindRowSizeBytes)
	}
	rows := make(CompactUnwindTable, 0, len(b)/CompactUnwindRowSizeBytes)
	buf := EfficientBuffer(b)
	for len(buf) > 0 {
		row := CompactUnwindRow{
			Pc:        buf.Uint64(),
			CfaType:   CfaType(buf.Uint8()),
			RbpType:   RbpType(buf.Uint8()),
			CfaOffset: buf.Uint16(),
			RbpOffset: buf.Int16(),
		}
		buf.Skip(2)
		rows = append(rows, row)
	}
	return rows, nil
}

// MarshalChunks encodes chunks in the layout read by the unwinder.
func MarshalChunks(chunks []ChunkInfo) []byte {
	mem := make(EfficientBuffer, 0, len(chunks)*ChunkInfoSizeBytes)
	for _, chunk := range chunks {
		chunkSlice := mem.Slice(ChunkInfoSizeBytes)
		writeChunkInfo(&chunkSlice, chunk)
	}
	return mem
}

// UnmarshalChunks decodes chunks encoded with MarshalChunks.
func UnmarshalChunks(b []byte) ([]ChunkInfo, error) {
	if len(b)%ChunkInfoSizeBytes != 0 {
		return nil, fmt.Errorf("unwind chunks: %d bytes is not a multiple of %d", len(b), ChunkInfoSizeBytes)
	}
	chunks := make([]ChunkInfo, 0, len(b)/ChunkInfoSizeBytes)
	buf := EfficientBuffer(b)
	for len(buf) > 0 {
		chunks = append(chunks, ChunkInfo{
			LowPc:      buf.Uint64(),
			HighPc:     buf.Uint64(),
			ShardIndex: buf.Uint64(),
			LowIndex:   buf.Uint64(),
			HighIndex:  buf.Uint64(),
		})
	}
	return chunks, nil
}

// MarshalShard encodes the rows of the i-th shard.
func (st *ShardedTable) MarshalShard(i int) ([]byte, error) {
	if i < 0 || i >= len(st.shards) {
		return nil, fmt.Errorf("shard %d out of range [0, %d)", i, len(st.shards))
	}
	return MarshalRows(st.shards[i]), nil
}

// MarshalChunks encodes the chunk index of the table.
func (st *ShardedTable) MarshalChunks() []byte {
	return MarshalChunks(st.chunks)
}
