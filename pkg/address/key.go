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

package address

import (
	"encoding/binary"
)

// ExecMappingsKeySize is the size of an encoded exec mappings key.
const ExecMappingsKeySize = 16

// ExecMappingsKey encodes the longest prefix match key used to map a block
// of a process' address space to an executable. The prefix covers the pid
// followed by the leading bits of the address, which is stored big endian
// so that the kernel compares it most significant byte first.
func ExecMappingsKey(pid uint32, block AddressBlockRange) [ExecMappingsKeySize]byte {
	var key [ExecMappingsKeySize]byte
	binary.LittleEndian.PutUint32(key[0:4], 32+block.PrefixLen)
	binary.LittleEndian.PutUint32(key[4:8], pid)
	binary.BigEndian.PutUint64(key[8:16], block.Addr)
	return key
}

// ExecMappingsKeys summarizes [low, high] and encodes a key per block.
func ExecMappingsKeys(pid uint32, low, high uint64) ([][ExecMappingsKeySize]byte, error) {
	blocks, err := SummarizeAddressRange(low, high)
	if err != nil {
		return nil, err
	}
	keys := make([][ExecMappingsKeySize]byte, 0, len(blocks))
	for _, b := range blocks {
		keys = append(keys, ExecMappingsKey(pid, b))
	}
	return keys, nil
}
