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
	"encoding/binary"
	"math/rand"

	"github.com/patnebe/lightswitch/internal/dwarf/frame/frametest"
)

const (
	testEhFrameAddr = 0x2000
	testTextAddr    = 0x1000
)

// testSections returns three functions:
//
//	[0x1000, 0x1020) a prologue that sets up rbp
//	[0x1020, 0x1030) the CIE rules only
//	[0x1040, 0x1050) a PLT stub
func testSections() Sections {
	b := frametest.NewEhFrameBuilder(testEhFrameAddr)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.AddFDE(cie, 0x1000, 0x20, frametest.Program(
		frametest.AdvanceLoc(1),
		frametest.DefCFAOffset(16),
		frametest.Offset(6, 2),
		frametest.AdvanceLoc(3),
		frametest.DefCFARegister(6),
	))
	b.AddFDE(cie, 0x1020, 0x10, nil)
	b.AddFDE(cie, 0x1040, 0x10, frametest.DefCFAExpression(Plt1[:]))
	b.Terminate()

	return Sections{
		EhFrame:     b.Bytes(),
		EhFrameAddr: b.Addr(),
		TextAddr:    testTextAddr,
		ByteOrder:   binary.LittleEndian,
	}
}

// testSectionsRows are the rows of testSections, in extraction order.
var testSectionsRows = []CompactUnwindRow{
	NewCompactUnwindRow(0x1000, CfaTypeStackPointerOffset, RbpTypeUnknown, 8, 0),
	NewCompactUnwindRow(0x1001, CfaTypeStackPointerOffset, RbpTypeCfaOffset, 16, -16),
	NewCompactUnwindRow(0x1004, CfaTypeFramePointerOffset, RbpTypeCfaOffset, 16, -16),
	NewCompactUnwindRow(0x1020, CfaTypeStackPointerOffset, RbpTypeUnknown, 8, 0),
	NewCompactUnwindRow(0x1040, CfaTypeExpression, RbpTypeUnknown, uint16(PltType1), 0),
}

var testSectionsFunctions = []FunctionRange{
	{Start: 0x1000, End: 0x1020},
	{Start: 0x1020, End: 0x1030},
	{Start: 0x1040, End: 0x1050},
}

func randomRow(r *rand.Rand, pc uint64) CompactUnwindRow {
	offsets := []uint16{8, 16, 24}
	row := NewCompactUnwindRow(pc, CfaTypeStackPointerOffset, RbpTypeUnknown, offsets[r.Intn(len(offsets))], 0)
	if r.Intn(2) == 0 {
		row.CfaType = CfaTypeFramePointerOffset
		row.RbpType = RbpTypeCfaOffset
		row.RbpOffset = -16
	}
	return row
}

// randomTable returns a sorted, uncompacted table made of numFunctions
// functions, some of them separated by gaps, along with the functions.
func randomTable(seed int64, numFunctions int) (CompactUnwindTable, []FunctionRange) {
	r := rand.New(rand.NewSource(seed))
	c := NewCompactor()
	pc := uint64(0x1000)
	for i := 0; i < numFunctions; i++ {
		if r.Intn(3) == 0 {
			pc += uint64(1 + r.Intn(16))
		}
		start := pc
		n := 1 + r.Intn(6)
		rows := make([]CompactUnwindRow, 0, n)
		for j := 0; j < n; j++ {
			rows = append(rows, randomRow(r, pc))
			pc += uint64(1 + r.Intn(8))
		}
		c.VisitFunction(start, pc)
		for _, row := range rows {
			c.VisitInstruction(row)
		}
	}
	functions := c.Functions()
	table := c.Finish()
	table.Sort()
	return table, functions
}
