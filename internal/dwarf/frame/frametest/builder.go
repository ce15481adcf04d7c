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

// Package frametest builds synthetic .eh_frame sections for tests.
package frametest

import (
	"encoding/binary"

	"github.com/patnebe/lightswitch/internal/dwarf/frame"
)

// pcrel | sdata4, what GCC and Clang emit for x86_64.
const fdeEncoding = 0x1b

// Builder lays out CIEs and FDEs the way a linker would, little endian.
type Builder struct {
	addr uint64
	buf  []byte
}

// NewEhFrameBuilder returns a builder for a section mapped at addr.
func NewEhFrameBuilder(addr uint64) *Builder {
	return &Builder{addr: addr}
}

// Addr returns the virtual address of the section.
func (b *Builder) Addr() uint64 {
	return b.addr
}

// AddCIE appends a version 1 "zR" CIE and returns its offset.
func (b *Builder) AddCIE(codeAlign uint64, dataAlign int64, raReg uint8, initial []byte) int {
	body := []byte{0, 0, 0, 0} // CIE id
	body = append(body, 1)     // version
	body = append(body, 'z', 'R', 0)
	body = append(body, ULEB128(codeAlign)...)
	body = append(body, SLEB128(dataAlign)...)
	body = append(body, raReg)
	body = append(body, 1, fdeEncoding) // augmentation data
	body = append(body, initial...)
	return b.addRecord(body)
}

// AddCIEWithAugmentation appends a CIE with an arbitrary augmentation
// string and no augmentation data.
func (b *Builder) AddCIEWithAugmentation(augmentation string, initial []byte) int {
	body := []byte{0, 0, 0, 0, 1}
	body = append(body, augmentation...)
	body = append(body, 0)
	body = append(body, ULEB128(1)...)
	body = append(body, SLEB128(-8)...)
	body = append(body, 16)
	body = append(body, initial...)
	return b.addRecord(body)
}

// AddFDE appends an FDE covering [begin, begin+size) that refers to the CIE
// at cieOffset, and returns its offset.
func (b *Builder) AddFDE(cieOffset int, begin, size uint64, instructions []byte) int {
	start := len(b.buf)
	// The CIE pointer is relative to its own position, which sits right
	// after the 4 byte length.
	ciePointer := uint32(start + 4 - cieOffset)
	body := binary.LittleEndian.AppendUint32(nil, ciePointer)

	// Address of the pc_begin field once mapped.
	beginAddr := b.addr + uint64(start+4+4)
	body = binary.LittleEndian.AppendUint32(body, uint32(int32(int64(begin)-int64(beginAddr))))
	body = binary.LittleEndian.AppendUint32(body, uint32(size))
	body = append(body, 0) // augmentation data length
	body = append(body, instructions...)
	return b.addRecord(body)
}

// AddRaw appends arbitrary bytes.
func (b *Builder) AddRaw(data []byte) {
	b.buf = append(b.buf, data...)
}

// Terminate appends a zero length terminator.
func (b *Builder) Terminate() {
	b.buf = append(b.buf, 0, 0, 0, 0)
}

// Bytes returns the section contents.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Section returns the section ready to be parsed.
func (b *Builder) Section(textAddr uint64) frame.Section {
	return frame.Section{
		Data:     b.buf,
		Order:    binary.LittleEndian,
		PtrSize:  8,
		Addr:     b.addr,
		TextAddr: textAddr,
		EhFrame:  true,
	}
}

func (b *Builder) addRecord(body []byte) int {
	// Records are padded with DW_CFA_nop to keep them 4 byte aligned.
	for len(body)%4 != 0 {
		body = append(body, frame.DW_CFA_nop)
	}
	start := len(b.buf)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(body)))
	b.buf = append(b.buf, body...)
	return start
}

// ULEB128 encodes v as an unsigned LEB128 number.
func ULEB128(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

// SLEB128 encodes v as a signed LEB128 number.
func SLEB128(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

// Program concatenates call frame instructions.
func Program(instructions ...[]byte) []byte {
	var out []byte
	for _, ins := range instructions {
		out = append(out, ins...)
	}
	return out
}

func DefCFA(reg, offset uint64) []byte {
	return append(append([]byte{frame.DW_CFA_def_cfa}, ULEB128(reg)...), ULEB128(offset)...)
}

func DefCFAOffset(offset uint64) []byte {
	return append([]byte{frame.DW_CFA_def_cfa_offset}, ULEB128(offset)...)
}

func DefCFARegister(reg uint64) []byte {
	return append([]byte{frame.DW_CFA_def_cfa_register}, ULEB128(reg)...)
}

func DefCFAExpression(expr []byte) []byte {
	return append(append([]byte{frame.DW_CFA_def_cfa_expression}, ULEB128(uint64(len(expr)))...), expr...)
}

// Offset encodes DW_CFA_offset with a factored offset.
func Offset(reg uint8, factored uint64) []byte {
	return append([]byte{frame.DW_CFA_offset | (reg & 0x3f)}, ULEB128(factored)...)
}

func Register(reg, other uint64) []byte {
	return append(append([]byte{frame.DW_CFA_register}, ULEB128(reg)...), ULEB128(other)...)
}

func Expression(reg uint64, expr []byte) []byte {
	out := append([]byte{frame.DW_CFA_expression}, ULEB128(reg)...)
	out = append(out, ULEB128(uint64(len(expr)))...)
	return append(out, expr...)
}

func Undefined(reg uint64) []byte {
	return append([]byte{frame.DW_CFA_undefined}, ULEB128(reg)...)
}

func Restore(reg uint8) []byte {
	return []byte{frame.DW_CFA_restore | (reg & 0x3f)}
}

// AdvanceLoc encodes the shortest advance instruction for delta.
func AdvanceLoc(delta uint64) []byte {
	switch {
	case delta < 0x40:
		return []byte{frame.DW_CFA_advance_loc | byte(delta)}
	case delta <= 0xff:
		return []byte{frame.DW_CFA_advance_loc1, byte(delta)}
	case delta <= 0xffff:
		return binary.LittleEndian.AppendUint16([]byte{frame.DW_CFA_advance_loc2}, uint16(delta))
	default:
		return binary.LittleEndian.AppendUint32([]byte{frame.DW_CFA_advance_loc4}, uint32(delta))
	}
}

func RememberState() []byte {
	return []byte{frame.DW_CFA_remember_state}
}

func RestoreState() []byte {
	return []byte{frame.DW_CFA_restore_state}
}

// X86_64CIEInstructions is the usual x86_64 CIE program: the CFA is
// rsp+8 and the return address sits right below it.
func X86_64CIEInstructions() []byte {
	return Program(DefCFA(7, 8), Offset(16, 1))
}
