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

//nolint:stylecheck,revive
package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CommonInformationEntry represents a Common Information Entry in
// the .eh_frame or .debug_frame section.
type CommonInformationEntry struct {
	Length                uint64
	CIE_id                uint64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	// Offset of the record within its section.
	offset int
	// Address InitialInstructions is mapped at.
	instructionsAddr uint64
	// eh_frame pointer encoding for the FDE address fields.
	ptrEncAddr ptrEnc
	// Set when the 'z' augmentation is present.
	hasAugmentationData bool
	signalFrame         bool
}

// Offset returns the offset of the CIE within its section.
func (cie *CommonInformationEntry) Offset() int {
	return cie.offset
}

// IsSignalFrame reports whether the 'S' augmentation was present.
func (cie *CommonInformationEntry) IsSignalFrame() bool {
	return cie.signalFrame
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// .eh_frame or .debug_frame section.
type FrameDescriptionEntry struct {
	Length       uint64
	CIE          *CommonInformationEntry
	Instructions []byte

	begin, size uint64
	offset      int
	order       binary.ByteOrder
	ptrSize     int
	// Address Instructions is mapped at, the base for pc-relative
	// DW_CFA_set_loc operands.
	instructionsAddr uint64
	textAddr         uint64
}

// NewFrameDescriptionEntry creates an FDE covering [begin, begin+size).
// It is mostly useful to build tables by hand.
func NewFrameDescriptionEntry(cie *CommonInformationEntry, instructions []byte, begin, size uint64, order binary.ByteOrder) *FrameDescriptionEntry {
	return &FrameDescriptionEntry{
		CIE:          cie,
		Instructions: instructions,
		begin:        begin,
		size:         size,
		order:        order,
		ptrSize:      8,
	}
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns the address right after the last location for this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// Offset returns the offset of the FDE within its section.
func (fde *FrameDescriptionEntry) Offset() int {
	return fde.offset
}

func (fde *FrameDescriptionEntry) String() string {
	return fmt.Sprintf("FDE {begin: %#x, end: %#x, offset: %#x}", fde.Begin(), fde.End(), fde.offset)
}

type FrameDescriptionEntries []*FrameDescriptionEntry

func (t FrameDescriptionEntries) Len() int           { return len(t) }
func (t FrameDescriptionEntries) Less(i, j int) bool { return t[i].begin < t[j].begin }
func (t FrameDescriptionEntries) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

// Sort orders the entries by their initial address. Entries that start
// at the same address keep their section order.
func (t FrameDescriptionEntries) Sort() {
	sort.Stable(t)
}

// ErrNoFDEForPCError FDE for PC not found error.
type ErrNoFDEForPCError struct {
	PC uint64
}

func (err *ErrNoFDEForPCError) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
// The entries must be sorted.
func (t FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(t), func(i int) bool {
		return t[i].End() > pc
	})
	if idx == len(t) || !t[idx].Cover(pc) {
		return nil, &ErrNoFDEForPCError{pc}
	}
	return t[idx], nil
}

// ptrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how pointers were encoded.
// The low nibble encodes the size and signedness, the high nibble
// (ptrEncFlagsMask) describes how the value is to be interpreted.
// See https://www.airs.com/blog/archives/460.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00 // pointer-sized unsigned integer
	ptrEncOmit   ptrEnc = 0xff // omitted
	ptrEncUleb   ptrEnc = 0x01 // ULEB128
	ptrEncUdata2 ptrEnc = 0x02 // 2 bytes
	ptrEncUdata4 ptrEnc = 0x03 // 4 bytes
	ptrEncUdata8 ptrEnc = 0x04 // 8 bytes
	ptrEncSigned ptrEnc = 0x08 // pointer-sized signed integer
	ptrEncSleb   ptrEnc = 0x09 // SLEB128
	ptrEncSdata2 ptrEnc = 0x0a // 2 bytes, signed
	ptrEncSdata4 ptrEnc = 0x0b // 4 bytes, signed
	ptrEncSdata8 ptrEnc = 0x0c // 8 bytes, signed

	ptrEncFlagsMask ptrEnc = 0xf0

	ptrEncPCRel    ptrEnc = 0x10 // value is relative to the memory address where it appears
	ptrEncTextRel  ptrEnc = 0x20 // value is relative to the address of the text section
	ptrEncDataRel  ptrEnc = 0x30 // value is relative to the address of the data section
	ptrEncFuncRel  ptrEnc = 0x40 // value is relative to the start of the function
	ptrEncAligned  ptrEnc = 0x50 // value should be aligned
	ptrEncIndirect ptrEnc = 0x80 // value is an address where the real value of the pointer is stored
)

// Supported returns true if this pointer encoding is supported.
func (p ptrEnc) Supported() bool {
	if p == ptrEncOmit {
		return true
	}
	szenc := p & 0x0f
	if ((szenc > ptrEncUdata8) && (szenc < ptrEncSigned)) || (szenc > ptrEncSdata8) {
		return false
	}
	switch p & ptrEncFlagsMask {
	case ptrEncAbs, ptrEncPCRel, ptrEncTextRel:
		return true
	default:
		return false
	}
}
