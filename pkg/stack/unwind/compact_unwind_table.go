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
	"sort"
)

// CfaType denotes how the CFA is computed for a row.
type CfaType uint8

const (
	CfaTypeFramePointerOffset        CfaType = 1
	CfaTypeStackPointerOffset        CfaType = 2
	CfaTypeExpression                CfaType = 3
	CfaTypeEndFdeMarker              CfaType = 4
	CfaTypeUnsupportedRegisterOffset CfaType = 5
	CfaTypeOffsetDidNotFit           CfaType = 6
)

func (t CfaType) String() string {
	switch t {
	case CfaTypeFramePointerOffset:
		return "rbp"
	case CfaTypeStackPointerOffset:
		return "rsp"
	case CfaTypeExpression:
		return "expression"
	case CfaTypeEndFdeMarker:
		return "end_fde_marker"
	case CfaTypeUnsupportedRegisterOffset:
		return "unsupported_register"
	case CfaTypeOffsetDidNotFit:
		return "offset_did_not_fit"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// RbpType denotes how the previous frame pointer is recovered.
type RbpType uint8

const (
	RbpTypeUnknown                RbpType = 0
	RbpTypeCfaOffset              RbpType = 1
	RbpTypeRegister               RbpType = 2
	RbpTypeExpression             RbpType = 3
	RbpTypeUndefinedReturnAddress RbpType = 4
)

// PltType is stored in the CFA offset of rows whose CFA is one of the
// well known PLT expressions.
type PltType uint16

const (
	PltTypeNone PltType = iota
	PltType1
	PltType2
)

// CompactUnwindRow is one row of the compact unwind table. It is encoded
// in 16 bytes, see MarshalRows.
type CompactUnwindRow struct {
	Pc        uint64
	CfaType   CfaType
	RbpType   RbpType
	CfaOffset uint16
	RbpOffset int16
}

func NewCompactUnwindRow(pc uint64, cfaType CfaType, rbpType RbpType, cfaOffset uint16, rbpOffset int16) CompactUnwindRow {
	return CompactUnwindRow{
		Pc:        pc,
		CfaType:   cfaType,
		RbpType:   rbpType,
		CfaOffset: cfaOffset,
		RbpOffset: rbpOffset,
	}
}

// EndOfFunctionMarker returns the row that marks the end of the
// function whose last address is right before pc.
func EndOfFunctionMarker(pc uint64) CompactUnwindRow {
	return CompactUnwindRow{Pc: pc, CfaType: CfaTypeEndFdeMarker}
}

func (r CompactUnwindRow) IsEndOfFDEMarker() bool {
	return r.CfaType == CfaTypeEndFdeMarker
}

// HasSameRules reports whether both rows unwind in the same way,
// regardless of their pc.
func (r CompactUnwindRow) HasSameRules(other CompactUnwindRow) bool {
	return r.CfaType == other.CfaType &&
		r.CfaOffset == other.CfaOffset &&
		r.RbpType == other.RbpType &&
		r.RbpOffset == other.RbpOffset
}

func (r CompactUnwindRow) String() string {
	return fmt.Sprintf("pc: %x cfa_type: %-2d rbp_type: %-2d cfa_offset: %-4d rbp_offset: %-4d",
		r.Pc, r.CfaType, r.RbpType, r.CfaOffset, r.RbpOffset)
}

// CompactUnwindTable is a list of rows sorted by pc.
type CompactUnwindTable []CompactUnwindRow

func (t CompactUnwindTable) Len() int           { return len(t) }
func (t CompactUnwindTable) Less(i, j int) bool { return t[i].Pc < t[j].Pc }
func (t CompactUnwindTable) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

// Sort orders the table by pc. Rows with the same pc keep their
// relative order, so the last one written still takes precedence.
func (t CompactUnwindTable) Sort() {
	sort.Stable(t)
}

// RemoveUnnecessaryMarkers drops end of function markers that share their
// pc with a neighbour: a marker followed by a row for the same pc, where
// the next function starts right where the previous one ended, and a
// marker for a pc that already has a row. It works in place and the
// table must be sorted.
func RemoveUnnecessaryMarkers(t CompactUnwindTable) CompactUnwindTable {
	res := t[:0]
	for _, row := range t {
		if n := len(res); n > 0 && res[n-1].Pc == row.Pc {
			if row.IsEndOfFDEMarker() {
				continue
			}
			if res[n-1].IsEndOfFDEMarker() {
				res = res[:n-1]
			}
		}
		res = append(res, row)
	}
	return res
}

// RemoveRedundant removes, in place, rows that have the same rules as
// the previous one. The table must be sorted.
func RemoveRedundant(t CompactUnwindTable) CompactUnwindTable {
	res := t[:0]
	for _, row := range t {
		if len(res) > 0 && res[len(res)-1].HasSameRules(row) {
			continue
		}
		res = append(res, row)
	}
	return res
}

// Compact removes the markers and rows that don't change the outcome of
// a lookup.
func Compact(t CompactUnwindTable) CompactUnwindTable {
	return RemoveRedundant(RemoveUnnecessaryMarkers(t))
}
