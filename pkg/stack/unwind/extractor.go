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
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/patnebe/lightswitch/internal/dwarf/frame"
	"github.com/patnebe/lightswitch/pkg/objectfile"
)

var (
	ErrNoFDEsFound            = errors.New("no FDEs found")
	ErrSectionNotFound        = errors.New("failed to find section")
	ErrEhFrameSectionNotFound = fmt.Errorf("%w: .eh_frame", ErrSectionNotFound)
	ErrTextSectionNotFound    = fmt.Errorf("%w: .text", ErrSectionNotFound)
	ErrUnsupportedArch        = errors.New("architecture not supported")
	ErrRbpOffsetOverflow      = errors.New("rbp offset does not fit in 16 bits")
)

// Sections holds what is needed to decode the call frame information
// of an executable.
type Sections struct {
	EhFrame     []byte
	EhFrameAddr uint64
	TextAddr    uint64
	// Defaults to little endian.
	ByteOrder binary.ByteOrder
}

// ReadSections reads the .eh_frame and .text sections of an x86_64
// object file.
func ReadSections(obj *objectfile.ObjectFile) (Sections, error) {
	ef := obj.ElfFile
	if ef.Machine != elf.EM_X86_64 {
		return Sections{}, fmt.Errorf("%w: %s", ErrUnsupportedArch, ef.Machine)
	}

	ehFrame := ef.Section(".eh_frame")
	if ehFrame == nil {
		return Sections{}, ErrEhFrameSectionNotFound
	}
	text := ef.Section(".text")
	if text == nil {
		return Sections{}, ErrTextSectionNotFound
	}

	data, err := ehFrame.Data()
	if err != nil {
		return Sections{}, fmt.Errorf("failed to read .eh_frame section: %w", err)
	}

	return Sections{
		EhFrame:     data,
		EhFrameAddr: ehFrame.Addr,
		TextAddr:    text.Addr,
		ByteOrder:   ef.ByteOrder,
	}, nil
}

// Visitor receives the events produced by Extract. Returning false
// stops the iteration.
type Visitor interface {
	// VisitFunction is called before the rows of the function covering
	// [start, end).
	VisitFunction(start, end uint64) bool
	VisitInstruction(row CompactUnwindRow) bool
}

// VisitorFuncs adapts a pair of functions to the Visitor interface.
// Nil functions accept every event.
type VisitorFuncs struct {
	Function    func(start, end uint64) bool
	Instruction func(row CompactUnwindRow) bool
}

func (v VisitorFuncs) VisitFunction(start, end uint64) bool {
	if v.Function == nil {
		return true
	}
	return v.Function(start, end)
}

func (v VisitorFuncs) VisitInstruction(row CompactUnwindRow) bool {
	if v.Instruction == nil {
		return true
	}
	return v.Instruction(row)
}

// Extractor turns the call frame information of an executable into
// compact unwind rows. It holds no per-executable state and can be
// shared.
type Extractor struct {
	logger  log.Logger
	metrics *extractorMetrics
}

func NewExtractor(logger log.Logger, reg prometheus.Registerer) *Extractor {
	return &Extractor{
		logger:  log.With(logger, "component", "unwind_extractor"),
		metrics: newExtractorMetrics(reg),
	}
}

// ExtractFile is Extract for the sections of an object file.
func (e *Extractor) ExtractFile(obj *objectfile.ObjectFile, v Visitor) error {
	sections, err := ReadSections(obj)
	if err != nil {
		return err
	}
	if err := e.Extract(sections, v); err != nil {
		return fmt.Errorf("extract unwind rows for executable %q: %w", obj.Path, err)
	}
	return nil
}

// Extract walks the FDEs in .eh_frame sorted by their initial address.
// For each one, it calls VisitFunction and then VisitInstruction for
// every row of its unwind table. FDEs that can't be evaluated are
// skipped.
func (e *Extractor) Extract(sections Sections, v Visitor) error {
	if sections.EhFrame == nil {
		return ErrEhFrameSectionNotFound
	}
	order := sections.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	fdes, skipped, err := frame.Parse(frame.Section{
		Data:     sections.EhFrame,
		Order:    order,
		PtrSize:  8,
		Addr:     sections.EhFrameAddr,
		TextAddr: sections.TextAddr,
		EhFrame:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to parse frame data: %w", err)
	}
	for _, s := range skipped {
		reason := reasonMalformedEntry
		if errors.Is(s.Err, frame.ErrUnknownCIE) ||
			errors.Is(s.Err, frame.ErrUnsupportedCIEVersion) ||
			errors.Is(s.Err, frame.ErrUnsupportedAugmentation) ||
			errors.Is(s.Err, frame.ErrUnsupportedPointerEncoding) {
			reason = reasonCIENotFound
		}
		e.skip(reason, s.Offset, s.Err)
	}
	if len(fdes) == 0 {
		return ErrNoFDEsFound
	}

	// Section order is not address order.
	fdes.Sort()

	fc := frame.NewFrameContext()
	rows := make([]CompactUnwindRow, 0, 16)
	for _, fde := range fdes {
		if err := fc.Execute(fde); err != nil {
			e.skip(reasonProgramError, fde.Offset(), err)
			continue
		}

		rows, err = compactRows(fc.Rows(), rows[:0])
		if err != nil {
			e.skip(reasonRbpOffsetOverflow, fde.Offset(), err)
			continue
		}

		if !v.VisitFunction(fde.Begin(), fde.End()) {
			return nil
		}
		for _, row := range rows {
			e.metrics.observeRow(row)
			if !v.VisitInstruction(row) {
				return nil
			}
		}
	}
	return nil
}

func (e *Extractor) skip(reason string, offset int, err error) {
	e.metrics.fdesSkipped.WithLabelValues(reason).Inc()
	level.Warn(e.logger).Log("msg", "skipping FDE", "offset", fmt.Sprintf("%#x", offset), "reason", reason, "err", err)
}

func compactRows(insCtxs []frame.InstructionContext, dst []CompactUnwindRow) ([]CompactUnwindRow, error) {
	for i := range insCtxs {
		row, err := rowToCompactRow(unwindTableRow(&insCtxs[i]))
		if err != nil {
			return dst, err
		}
		dst = append(dst, row)
	}
	return dst, nil
}

// UnwindTableRow holds the rules of a row that matter for unwinding on
// x86_64.
type UnwindTableRow struct {
	// The address of the machine instruction.
	// Each row covers a range of machine instruction, from its address (Loc) to that of the row below.
	Loc uint64
	// CFA, the value of the stack pointer in the previous frame.
	CFA frame.DWRule
	// The value of the RBP register.
	RBP frame.DWRule
	// The value of the saved return address.
	RA frame.DWRule
}

func unwindTableRow(insCtx *frame.InstructionContext) UnwindTableRow {
	return UnwindTableRow{
		Loc: insCtx.Loc(),
		CFA: insCtx.CFA,
		RBP: insCtx.Reg(frame.X86_64RBP),
		RA:  insCtx.RA(),
	}
}

// rowToCompactRow converts an unwind row to a compact row.
func rowToCompactRow(row UnwindTableRow) (CompactUnwindRow, error) {
	compact := CompactUnwindRow{Pc: row.Loc}

	// CFA.
	//nolint:exhaustive
	switch row.CFA.Rule {
	case frame.RuleExpression:
		compact.CfaType = CfaTypeExpression
		compact.CfaOffset = uint16(ExpressionIdentifier(row.CFA.Expression))
	default:
		// A CIE that never defines the CFA leaves it as register 0
		// with no offset.
		switch row.CFA.Reg {
		case frame.X86_64RBP:
			compact.CfaType = CfaTypeFramePointerOffset
		case frame.X86_64RSP:
			compact.CfaType = CfaTypeStackPointerOffset
		default:
			compact.CfaType = CfaTypeUnsupportedRegisterOffset
		}
		if row.CFA.Offset < 0 || row.CFA.Offset > math.MaxUint16 {
			// The register is lost, the row can't be used.
			compact.CfaType = CfaTypeOffsetDidNotFit
		} else {
			compact.CfaOffset = uint16(row.CFA.Offset)
		}
	}

	// Frame pointer.
	//nolint:exhaustive
	switch row.RBP.Rule {
	case frame.RuleOffset:
		if row.RBP.Offset < math.MinInt16 || row.RBP.Offset > math.MaxInt16 {
			return CompactUnwindRow{}, fmt.Errorf("%w: %d at %#x", ErrRbpOffsetOverflow, row.RBP.Offset, row.Loc)
		}
		compact.RbpType = RbpTypeCfaOffset
		compact.RbpOffset = int16(row.RBP.Offset)
	case frame.RuleRegister:
		compact.RbpType = RbpTypeRegister
	case frame.RuleExpression:
		compact.RbpType = RbpTypeExpression
	}

	// Return address. Registers without a rule are undefined.
	if row.RA.Rule == frame.RuleUndefined || row.RA.Rule == frame.RuleUnknown {
		compact.RbpType = RbpTypeUndefinedReturnAddress
	}

	return compact, nil
}
