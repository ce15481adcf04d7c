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

package frame_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patnebe/lightswitch/internal/dwarf/frame"
	"github.com/patnebe/lightswitch/internal/dwarf/frame/frametest"
)

func TestParseEhFrame(t *testing.T) {
	b := frametest.NewEhFrameBuilder(0x1000)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.AddFDE(cie, 0x2100, 0x20, nil)
	b.AddFDE(cie, 0x2000, 0x10, frametest.Program(frametest.AdvanceLoc(1), frametest.DefCFAOffset(16)))
	b.Terminate()

	fdes, skipped, err := frame.Parse(b.Section(0x2000))
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, fdes, 2)

	// Section order is preserved.
	require.Equal(t, uint64(0x2100), fdes[0].Begin())
	require.Equal(t, uint64(0x2120), fdes[0].End())
	require.Equal(t, uint64(0x2000), fdes[1].Begin())
	require.Equal(t, uint64(0x2010), fdes[1].End())

	require.Same(t, fdes[0].CIE, fdes[1].CIE)
	require.Equal(t, "zR", fdes[0].CIE.Augmentation)
	require.Equal(t, uint64(1), fdes[0].CIE.CodeAlignmentFactor)
	require.Equal(t, int64(-8), fdes[0].CIE.DataAlignmentFactor)
	require.Equal(t, uint64(16), fdes[0].CIE.ReturnAddressRegister)

	fdes.Sort()
	require.Equal(t, uint64(0x2000), fdes[0].Begin())

	fde, err := fdes.FDEForPC(0x2105)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2100), fde.Begin())

	_, err = fdes.FDEForPC(0x2010)
	require.Error(t, err)
}

func TestParseForwardCIEReference(t *testing.T) {
	b := frametest.NewEhFrameBuilder(0x1000)
	// An FDE with no instructions takes 20 bytes, the CIE comes right after.
	b.AddFDE(20, 0x3000, 0x40, nil)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	require.Equal(t, 20, cie)

	fdes, skipped, err := frame.Parse(b.Section(0))
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, fdes, 1)
	require.Equal(t, uint64(0x3000), fdes[0].Begin())
	require.Equal(t, cie, fdes[0].CIE.Offset())
}

func TestParseSkipsBrokenEntries(t *testing.T) {
	b := frametest.NewEhFrameBuilder(0x1000)
	good := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	// Points before the start of the section.
	unknown := b.AddFDE(-100, 0x2000, 0x10, nil)
	bad := b.AddCIEWithAugmentation("eh", nil)
	unsupported := b.AddFDE(bad, 0x2010, 0x10, nil)
	b.AddFDE(good, 0x2020, 0x10, nil)

	fdes, skipped, err := frame.Parse(b.Section(0))
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	require.Equal(t, uint64(0x2020), fdes[0].Begin())

	require.Len(t, skipped, 2)
	require.Equal(t, unknown, skipped[0].Offset)
	require.ErrorIs(t, skipped[0], frame.ErrUnknownCIE)
	require.Equal(t, unsupported, skipped[1].Offset)
	require.ErrorIs(t, skipped[1], frame.ErrUnsupportedAugmentation)
}

func TestParseTruncatedSection(t *testing.T) {
	b := frametest.NewEhFrameBuilder(0x1000)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.AddFDE(cie, 0x2000, 0x10, nil)
	// A length that runs past the end of the section.
	b.AddRaw([]byte{0xff, 0x00, 0x00, 0x00, 0x01})

	fdes, skipped, err := frame.Parse(b.Section(0))
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	require.Len(t, skipped, 1)
	require.ErrorIs(t, skipped[0], frame.ErrMalformedEntry)
}

func TestParseShortEntryLength(t *testing.T) {
	testCases := []struct {
		name  string
		entry []byte
	}{
		{name: "length 1", entry: []byte{1, 0, 0, 0, 0}},
		{name: "length 2", entry: []byte{2, 0, 0, 0, 0, 0}},
		{name: "length 3", entry: []byte{3, 0, 0, 0, 0, 0, 0}},
		{name: "dwarf64 length 4", entry: []byte{0xff, 0xff, 0xff, 0xff, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := frametest.NewEhFrameBuilder(0x1000)
			b.AddRaw(tc.entry)
			cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
			b.AddFDE(cie, 0x2000, 0x10, nil)

			fdes, skipped, err := frame.Parse(b.Section(0))
			require.NoError(t, err)
			require.Len(t, fdes, 1)
			require.Equal(t, uint64(0x2000), fdes[0].Begin())
			require.Len(t, skipped, 1)
			require.Equal(t, 0, skipped[0].Offset)
			require.ErrorIs(t, skipped[0], frame.ErrMalformedEntry)
		})
	}
}

func TestParseShortEntryFollowedByZeros(t *testing.T) {
	data := append([]byte{2, 0, 0, 0}, make([]byte, 12)...)

	require.NotPanics(t, func() {
		fdes, skipped, err := frame.Parse(frame.Section{Data: data, Order: binary.LittleEndian, EhFrame: true})
		require.NoError(t, err)
		require.Empty(t, fdes)
		require.NotEmpty(t, skipped)
		require.ErrorIs(t, skipped[0], frame.ErrMalformedEntry)
	})
}

func TestParseFDEWithShortCIE(t *testing.T) {
	b := frametest.NewEhFrameBuilder(0x1000)
	// A CIE whose length can't hold its own id.
	b.AddRaw([]byte{3, 0, 0, 0, 0, 0, 0})
	fde := b.AddFDE(0, 0x2000, 0x10, nil)

	fdes, skipped, err := frame.Parse(b.Section(0))
	require.NoError(t, err)
	require.Empty(t, fdes)
	require.Len(t, skipped, 2)
	require.Equal(t, 0, skipped[0].Offset)
	require.ErrorIs(t, skipped[0], frame.ErrMalformedEntry)
	require.Equal(t, fde, skipped[1].Offset)
	require.ErrorIs(t, skipped[1], frame.ErrUnknownCIE)
	require.ErrorIs(t, skipped[1], frame.ErrMalformedEntry)
}

func TestParseDebugFrame(t *testing.T) {
	le := binary.LittleEndian

	// CIE: id 0xffffffff, version 3, no augmentation, 8 byte addresses.
	cieBody := le.AppendUint32(nil, 0xffffffff)
	cieBody = append(cieBody, 3, 0)
	cieBody = append(cieBody, frametest.ULEB128(1)...)
	cieBody = append(cieBody, frametest.SLEB128(-8)...)
	cieBody = append(cieBody, frametest.ULEB128(16)...)
	cieBody = append(cieBody, frametest.X86_64CIEInstructions()...)

	data := le.AppendUint32(nil, uint32(len(cieBody)))
	data = append(data, cieBody...)

	// FDE: the CIE pointer is an offset from the start of the section.
	fdeBody := le.AppendUint32(nil, 0)
	fdeBody = le.AppendUint64(fdeBody, 0x401000)
	fdeBody = le.AppendUint64(fdeBody, 0x80)
	data = le.AppendUint32(data, uint32(len(fdeBody)))
	data = append(data, fdeBody...)

	fdes, skipped, err := frame.Parse(frame.Section{
		Data:  data,
		Order: le,
	})
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, fdes, 1)
	require.Equal(t, uint64(0x401000), fdes[0].Begin())
	require.Equal(t, uint64(0x401080), fdes[0].End())
	require.Equal(t, uint8(3), fdes[0].CIE.Version)
}

func TestParseRequiresByteOrder(t *testing.T) {
	_, _, err := frame.Parse(frame.Section{Data: []byte{0, 0, 0, 0}})
	require.Error(t, err)
}
