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

// Package frame contains data structures and related functions for
// parsing and evaluating DWARF call frame information, as found in the
// .eh_frame and .debug_frame sections.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownCIE                 = errors.New("could not resolve CIE")
	ErrUnsupportedCIEVersion      = errors.New("unsupported CIE version")
	ErrUnsupportedAugmentation    = errors.New("unsupported augmentation")
	ErrUnsupportedPointerEncoding = errors.New("unsupported pointer encoding")
	ErrMalformedEntry             = errors.New("malformed CFI entry")
)

const (
	dwarf64Marker   = 0xffffffff
	debugFrameCIEID = 0xffffffff
)

// Section is a call frame information section along with the
// metadata needed to decode the addresses it contains.
type Section struct {
	Data  []byte
	Order binary.ByteOrder
	// Size of an address in bytes. Defaults to 8.
	PtrSize int
	// Virtual address the section is mapped at, used for
	// pc-relative pointers.
	Addr uint64
	// Virtual address of the .text section, used for text-relative
	// pointers.
	TextAddr uint64
	// EhFrame selects the .eh_frame dialect, https://www.airs.com/blog/archives/460.
	EhFrame bool
}

// SkippedEntry describes an FDE that could not be parsed. Parsing carries
// on with the next entry.
type SkippedEntry struct {
	Offset int
	Err    error
}

func (s SkippedEntry) Error() string {
	return fmt.Sprintf("entry at %#x: %v", s.Offset, s.Err)
}

func (s SkippedEntry) Unwrap() error {
	return s.Err
}

type cieResult struct {
	cie *CommonInformationEntry
	err error
}

// parseContext holds the state shared while walking the section. The CIE
// table is filled lazily, as FDEs may point at CIEs that appear later on.
type parseContext struct {
	sec     Section
	r       *reader
	cies    map[int]cieResult
	current *CommonInformationEntry
	entries FrameDescriptionEntries
	skipped []SkippedEntry
}

type entryHeader struct {
	start int
	// Offset right after the entry.
	end  int
	isCIE bool
	// Offset of the CIE an FDE points to.
	cieOffset  int
	terminator bool
	dwarf64    bool
}

// Parse walks all the entries in a call frame information section and returns
// its FDEs in section order, along with those that had to be skipped.
// An error is only returned if the section can't be read at all.
func Parse(sec Section) (FrameDescriptionEntries, []SkippedEntry, error) {
	if sec.Order == nil {
		return nil, nil, errors.New("byte order must be set")
	}
	if sec.PtrSize == 0 {
		sec.PtrSize = 8
	}
	if sec.PtrSize != 4 && sec.PtrSize != 8 {
		return nil, nil, fmt.Errorf("unsupported pointer size %d", sec.PtrSize)
	}

	ctx := &parseContext{
		sec:     sec,
		r:       newReader(sec.Data, sec.Order),
		cies:    make(map[int]cieResult),
		entries: make(FrameDescriptionEntries, 0, len(sec.Data)/32),
	}

	for ctx.r.len() > 0 {
		hdr, err := ctx.parseHeader(ctx.r)
		if err != nil {
			ctx.skipped = append(ctx.skipped, SkippedEntry{Offset: hdr.start, Err: err})
			if hdr.end <= hdr.start {
				// Without a valid length we can't find the next entry.
				break
			}
			ctx.r.pos = hdr.end
			continue
		}
		if hdr.terminator {
			continue
		}

		body := ctx.r.data[ctx.r.pos:hdr.end]
		ctx.r.pos = hdr.end

		if hdr.isCIE {
			// Cached for the FDEs that follow. Errors surface through them.
			_, _ = ctx.cieAt(hdr.start)
			continue
		}

		fde, err := ctx.parseFDE(hdr, body)
		if err != nil {
			ctx.skipped = append(ctx.skipped, SkippedEntry{Offset: hdr.start, Err: err})
			continue
		}
		ctx.entries = append(ctx.entries, fde)
	}

	return ctx.entries, ctx.skipped, nil
}

// parseHeader reads the length and CIE id/pointer of the entry
// starting at the current position of r.
func (ctx *parseContext) parseHeader(r *reader) (entryHeader, error) {
	hdr := entryHeader{start: r.pos}

	length := uint64(r.u32())
	if length == dwarf64Marker {
		length = r.u64()
		hdr.dwarf64 = true
	}
	if r.err != nil {
		return hdr, r.err
	}
	if length == 0 {
		hdr.terminator = true
		return hdr, nil
	}
	if length > uint64(r.len()) {
		return hdr, fmt.Errorf("%w: length %#x exceeds section", ErrMalformedEntry, length)
	}
	hdr.end = r.pos + int(length)

	idSize := 4
	if hdr.dwarf64 {
		idSize = 8
	}
	if length < uint64(idSize) {
		return hdr, fmt.Errorf("%w: length %#x too short for the CIE id", ErrMalformedEntry, length)
	}

	idPos := r.pos
	var id uint64
	if hdr.dwarf64 {
		id = r.u64()
	} else {
		id = uint64(r.u32())
	}
	if r.err != nil {
		return hdr, r.err
	}
	if r.pos > hdr.end {
		return hdr, fmt.Errorf("%w: CIE id past the end of the entry", ErrMalformedEntry)
	}

	if ctx.sec.EhFrame {
		hdr.isCIE = id == 0
		// The CIE pointer is relative to its own position.
		hdr.cieOffset = idPos - int(id)
	} else {
		hdr.isCIE = id == debugFrameCIEID || (hdr.dwarf64 && id == 0xffffffffffffffff)
		hdr.cieOffset = int(id)
	}
	return hdr, nil
}

// cieAt returns the CIE that starts at the given section offset, parsing
// it if it wasn't seen before.
func (ctx *parseContext) cieAt(offset int) (*CommonInformationEntry, error) {
	if ctx.current != nil && ctx.current.offset == offset {
		return ctx.current, nil
	}
	if res, ok := ctx.cies[offset]; ok {
		if res.err == nil {
			ctx.current = res.cie
		}
		return res.cie, res.err
	}

	cie, err := ctx.parseCIEAt(offset)
	ctx.cies[offset] = cieResult{cie: cie, err: err}
	if err != nil {
		return nil, err
	}
	ctx.current = cie
	return cie, nil
}

func (ctx *parseContext) parseCIEAt(offset int) (*CommonInformationEntry, error) {
	if offset < 0 || offset >= len(ctx.sec.Data) {
		return nil, fmt.Errorf("%w: offset %#x out of bounds", ErrUnknownCIE, offset)
	}
	r := newReader(ctx.sec.Data, ctx.sec.Order)
	r.pos = offset
	hdr, err := ctx.parseHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownCIE, err)
	}
	if hdr.terminator || !hdr.isCIE {
		return nil, fmt.Errorf("%w: no CIE at offset %#x", ErrUnknownCIE, offset)
	}
	return ctx.parseCIE(hdr, ctx.sec.Data[r.pos:hdr.end])
}

func (ctx *parseContext) parseCIE(hdr entryHeader, body []byte) (*CommonInformationEntry, error) {
	r := newReader(body, ctx.sec.Order)
	cie := &CommonInformationEntry{
		Length:     uint64(hdr.end - hdr.start),
		offset:     hdr.start,
		ptrEncAddr: ptrEncAbs,
	}

	cie.Version = r.u8()
	switch cie.Version {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCIEVersion, cie.Version)
	}

	cie.Augmentation = r.cstring()
	if cie.Version == 4 {
		// address_size and segment_selector_size.
		r.bytes(2)
	}

	cie.CodeAlignmentFactor = r.uleb()
	cie.DataAlignmentFactor = r.sleb()
	if cie.Version == 1 {
		cie.ReturnAddressRegister = uint64(r.u8())
	} else {
		cie.ReturnAddressRegister = r.uleb()
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: CIE at %#x: %w", ErrMalformedEntry, hdr.start, r.err)
	}

	switch {
	case cie.Augmentation == "":
	case cie.Augmentation[0] == 'z':
		cie.hasAugmentationData = true
		augLen := r.uleb()
		augData := r.bytes(int(augLen))
		if r.err != nil {
			return nil, fmt.Errorf("%w: CIE at %#x: %w", ErrMalformedEntry, hdr.start, r.err)
		}
		if err := ctx.parseAugmentation(cie, newReader(augData, ctx.sec.Order)); err != nil {
			return nil, fmt.Errorf("CIE at %#x: %w", hdr.start, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAugmentation, cie.Augmentation)
	}

	cie.InitialInstructions = body[r.pos:]
	cie.instructionsAddr = ctx.sec.Addr + uint64(hdr.end-len(body)+r.pos)
	return cie, nil
}

func (ctx *parseContext) parseAugmentation(cie *CommonInformationEntry, r *reader) error {
	for _, c := range cie.Augmentation[1:] {
		switch c {
		case 'L':
			// LSDA pointer encoding. The pointer itself lives in the FDE
			// augmentation data, which is skipped as a whole.
			r.u8()
		case 'R':
			enc := ptrEnc(r.u8())
			if !enc.Supported() {
				return fmt.Errorf("%w: %#x", ErrUnsupportedPointerEncoding, enc)
			}
			cie.ptrEncAddr = enc
		case 'P':
			enc := ptrEnc(r.u8()) &^ ptrEncIndirect
			if !enc.Supported() {
				return fmt.Errorf("%w: personality %#x", ErrUnsupportedPointerEncoding, enc)
			}
			ctx.readEncodedPtr(r, 0, enc)
		case 'S':
			cie.signalFrame = true
		case 'B':
			// AArch64 branch target identification, no data.
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedAugmentation, cie.Augmentation)
		}
	}
	return r.err
}

func (ctx *parseContext) parseFDE(hdr entryHeader, body []byte) (*FrameDescriptionEntry, error) {
	cie, err := ctx.cieAt(hdr.cieOffset)
	if err != nil {
		return nil, err
	}

	// Address of the first byte of the body once mapped.
	bodyAddr := ctx.sec.Addr + uint64(hdr.end-len(body))
	r := newReader(body, ctx.sec.Order)

	fde := &FrameDescriptionEntry{
		Length:   uint64(hdr.end - hdr.start),
		CIE:      cie,
		offset:   hdr.start,
		order:    ctx.sec.Order,
		ptrSize:  ctx.sec.PtrSize,
		textAddr: ctx.sec.TextAddr,
	}
	fde.begin = ctx.readEncodedPtr(r, bodyAddr, cie.ptrEncAddr)
	// Only the size part of the encoding applies to the range.
	fde.size = ctx.readEncodedPtr(r, 0, cie.ptrEncAddr&0x0f)

	if cie.hasAugmentationData {
		n := r.uleb()
		r.bytes(int(n))
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEntry, r.err)
	}

	fde.Instructions = body[r.pos:]
	fde.instructionsAddr = bodyAddr + uint64(r.pos)
	return fde, nil
}

// readEncodedPtr reads a pointer encoded as specified by enc. addr is
// the address the current position of r is mapped at.
func (ctx *parseContext) readEncodedPtr(r *reader, addr uint64, enc ptrEnc) uint64 {
	return readEncodedPtr(r, addr, enc, ctx.sec.PtrSize, ctx.sec.TextAddr)
}

func readEncodedPtr(r *reader, addr uint64, enc ptrEnc, ptrSize int, textAddr uint64) uint64 {
	if enc == ptrEncOmit {
		return 0
	}

	base := addr + uint64(r.pos)
	var ptr uint64

	//nolint:exhaustive
	switch enc & 0x0f {
	case ptrEncAbs:
		ptr = r.uintN(ptrSize)
	case ptrEncSigned:
		ptr = r.uintN(ptrSize)
		if ptrSize == 4 {
			ptr = uint64(int32(ptr))
		}
	case ptrEncUleb:
		ptr = r.uleb()
	case ptrEncUdata2:
		ptr = uint64(r.u16())
	case ptrEncSdata2:
		ptr = uint64(int16(r.u16()))
	case ptrEncUdata4:
		ptr = uint64(r.u32())
	case ptrEncSdata4:
		ptr = uint64(int32(r.u32()))
	case ptrEncUdata8, ptrEncSdata8:
		ptr = r.u64()
	case ptrEncSleb:
		ptr = uint64(r.sleb())
	}

	//nolint:exhaustive
	switch enc & ptrEncFlagsMask {
	case ptrEncPCRel:
		ptr += base
	case ptrEncTextRel:
		ptr += textAddr
	}

	return ptr
}
