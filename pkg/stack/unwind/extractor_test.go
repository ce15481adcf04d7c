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
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/patnebe/lightswitch/internal/dwarf/frame/frametest"
)

type recordingVisitor struct {
	functions []FunctionRange
	rows      []CompactUnwindRow
}

func (v *recordingVisitor) VisitFunction(start, end uint64) bool {
	v.functions = append(v.functions, FunctionRange{Start: start, End: end})
	return true
}

func (v *recordingVisitor) VisitInstruction(row CompactUnwindRow) bool {
	v.rows = append(v.rows, row)
	return true
}

func TestExtract(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExtractor(log.NewNopLogger(), reg)

	v := &recordingVisitor{}
	require.NoError(t, e.Extract(testSections(), v))

	require.Equal(t, testSectionsFunctions, v.functions)
	require.Equal(t, testSectionsRows, v.rows)

	require.Equal(t, 3.0, testutil.ToFloat64(e.metrics.rows[CfaTypeStackPointerOffset]))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rows[CfaTypeFramePointerOffset]))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rows[CfaTypeExpression]))
	require.Equal(t, 0.0, testutil.ToFloat64(e.metrics.fdesSkipped.WithLabelValues(reasonCIENotFound)))
}

func TestExtractSortsFunctions(t *testing.T) {
	b := frametest.NewEhFrameBuilder(testEhFrameAddr)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.AddFDE(cie, 0x1100, 0x10, nil)
	b.AddFDE(cie, 0x1000, 0x10, nil)
	b.Terminate()

	v := &recordingVisitor{}
	e := NewExtractor(log.NewNopLogger(), nil)
	require.NoError(t, e.Extract(Sections{EhFrame: b.Bytes(), EhFrameAddr: b.Addr(), TextAddr: testTextAddr}, v))
	require.Equal(t, []FunctionRange{{Start: 0x1000, End: 0x1010}, {Start: 0x1100, End: 0x1110}}, v.functions)
}

func TestExtractSkipsBrokenFDEs(t *testing.T) {
	b := frametest.NewEhFrameBuilder(testEhFrameAddr)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.AddFDE(cie, 0x1000, 0x10, nil)
	// Points before the start of the section.
	b.AddFDE(-100, 0x1010, 0x10, nil)
	// The unwinder can't store this rbp offset.
	b.AddFDE(cie, 0x1020, 0x10, frametest.Offset(6, 5000))
	// Unknown call frame instruction.
	b.AddFDE(cie, 0x1030, 0x10, []byte{0x3e})
	b.AddFDE(cie, 0x1040, 0x10, nil)
	b.Terminate()

	reg := prometheus.NewRegistry()
	e := NewExtractor(log.NewNopLogger(), reg)
	v := &recordingVisitor{}
	require.NoError(t, e.Extract(Sections{EhFrame: b.Bytes(), EhFrameAddr: b.Addr(), TextAddr: testTextAddr}, v))

	require.Equal(t, []FunctionRange{{Start: 0x1000, End: 0x1010}, {Start: 0x1040, End: 0x1050}}, v.functions)
	require.Len(t, v.rows, 2)

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.fdesSkipped.WithLabelValues(reasonCIENotFound)))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.fdesSkipped.WithLabelValues(reasonRbpOffsetOverflow)))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.fdesSkipped.WithLabelValues(reasonProgramError)))

	count, err := testutil.GatherAndCount(reg, "lightswitch_unwind_fdes_skipped_total")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestExtractStopsWhenVisitorReturnsFalse(t *testing.T) {
	e := NewExtractor(log.NewNopLogger(), nil)

	var functions, rows int
	err := e.Extract(testSections(), VisitorFuncs{
		Function: func(start, end uint64) bool {
			functions++
			return true
		},
		Instruction: func(row CompactUnwindRow) bool {
			rows++
			return rows < 2
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, functions)
	require.Equal(t, 2, rows)

	functions = 0
	err = e.Extract(testSections(), VisitorFuncs{
		Function: func(start, end uint64) bool {
			functions++
			return false
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, functions)
}

func TestExtractErrors(t *testing.T) {
	e := NewExtractor(log.NewNopLogger(), nil)

	err := e.Extract(Sections{}, VisitorFuncs{})
	require.ErrorIs(t, err, ErrEhFrameSectionNotFound)
	require.ErrorIs(t, err, ErrSectionNotFound)

	b := frametest.NewEhFrameBuilder(testEhFrameAddr)
	b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.Terminate()
	err = e.Extract(Sections{EhFrame: b.Bytes(), EhFrameAddr: b.Addr(), ByteOrder: binary.LittleEndian}, VisitorFuncs{})
	require.ErrorIs(t, err, ErrNoFDEsFound)

	err = e.Extract(Sections{EhFrame: []byte{}, EhFrameAddr: testEhFrameAddr}, VisitorFuncs{})
	require.True(t, errors.Is(err, ErrNoFDEsFound))
}

func TestBuildTable(t *testing.T) {
	e := NewExtractor(log.NewNopLogger(), nil)
	table, functions, err := e.BuildTable(testSections())
	require.NoError(t, err)
	require.Equal(t, testSectionsFunctions, functions)

	// One marker per function.
	require.Len(t, table, len(testSectionsRows)+len(testSectionsFunctions))
	require.Equal(t, CompactUnwindTable{
		testSectionsRows[0],
		testSectionsRows[1],
		testSectionsRows[2],
		EndOfFunctionMarker(0x1020),
		testSectionsRows[3],
		EndOfFunctionMarker(0x1030),
		testSectionsRows[4],
		EndOfFunctionMarker(0x1050),
	}, table)

	require.Equal(t, CompactUnwindTable{
		testSectionsRows[0],
		testSectionsRows[1],
		testSectionsRows[2],
		testSectionsRows[3],
		EndOfFunctionMarker(0x1030),
		testSectionsRows[4],
		EndOfFunctionMarker(0x1050),
	}, Compact(table))
}

func TestBuildCompactUnwindTable(t *testing.T) {
	table, err := BuildCompactUnwindTable(testSections(), log.NewNopLogger(), nil)
	require.NoError(t, err)
	require.Len(t, table, 8)

	table, err = BuildCompactUnwindTable(Sections{}, log.NewNopLogger(), nil)
	require.ErrorIs(t, err, ErrEhFrameSectionNotFound)
	require.Nil(t, table)
}

func TestCompactorLength(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		table, functions := randomTable(seed, 40)

		var markers, rows int
		for _, row := range table {
			if row.IsEndOfFDEMarker() {
				markers++
			} else {
				rows++
			}
		}
		require.Equal(t, len(functions), markers)
		require.Equal(t, len(table), rows+len(functions))

		// Every function is followed by its marker.
		for _, fn := range functions {
			found := false
			for _, row := range table {
				if row.Pc == fn.End && row.IsEndOfFDEMarker() {
					found = true
					break
				}
			}
			require.True(t, found, "missing marker for %+v", fn)
		}
	}
}

func TestCompactorWithoutFunctions(t *testing.T) {
	c := NewCompactor()
	require.Empty(t, c.Finish())
	require.Empty(t, c.Functions())
}
