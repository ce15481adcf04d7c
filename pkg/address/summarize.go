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
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var ErrInvalidRange = errors.New("invalid address range")

// AddressBlockRange is a power of two sized, aligned block of addresses
// expressed as a longest prefix match key.
type AddressBlockRange struct {
	Addr      uint64
	PrefixLen uint32
}

// Last returns the last address covered by the block.
func (b AddressBlockRange) Last() uint64 {
	if b.PrefixLen == 0 {
		return math.MaxUint64
	}
	return b.Addr + (uint64(1) << (64 - b.PrefixLen)) - 1
}

// Contains reports whether addr falls within the block.
func (b AddressBlockRange) Contains(addr uint64) bool {
	return addr >= b.Addr && addr <= b.Last()
}

func (b AddressBlockRange) String() string {
	return fmt.Sprintf("%#x/%d", b.Addr, b.PrefixLen)
}

// SummarizeAddressRange returns the fewest aligned blocks that exactly cover
// the inclusive range [low, high], ordered by address.
func SummarizeAddressRange(low, high uint64) ([]AddressBlockRange, error) {
	if low > high {
		return nil, fmt.Errorf("%w: low %#x is greater than high %#x", ErrInvalidRange, low, high)
	}

	var blocks []AddressBlockRange
	for {
		// Block size is 2^shift, bounded by the alignment of low...
		shift := bits.TrailingZeros64(low)
		// ...and by the number of addresses left, high-low+1.
		if remaining := high - low; remaining != math.MaxUint64 {
			if fit := 63 - bits.LeadingZeros64(remaining+1); fit < shift {
				shift = fit
			}
		}

		blocks = append(blocks, AddressBlockRange{Addr: low, PrefixLen: uint32(64 - shift)})
		if shift == 64 {
			return blocks, nil
		}

		last := low + (uint64(1) << shift) - 1
		if last >= high {
			return blocks, nil
		}
		low = last + 1
	}
}
