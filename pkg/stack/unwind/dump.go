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
	"fmt"
	"io"

	"github.com/patnebe/lightswitch/internal/dwarf/frame"
)

// From 3.6.2 DWARF Register Number Mapping for x86_64, Fig 3.36
// https://refspecs.linuxbase.org/elf/x86_64-abi-0.99.pdf
var x86_64Regs = []string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp", "r8", "r9", "r10", "r11",
	"r12", "r13", "r14", "r15", "rip", "xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5",
	"xmm6", "xmm7", "xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
	"st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7", "mm0", "mm1", "mm2", "mm3",
	"mm4", "mm5", "mm6", "mm7", "rflags", "es", "cs", "ss", "ds", "fs", "gs",
	"unused1", "unused2", "fs.base", "gs.base", "unused3", "unused4", "tr", "ldtr",
	"mxcsr", "fcw", "fsw",
}

func registerToString(reg uint64) string {
	if reg < uint64(len(x86_64Regs)) {
		return x86_64Regs[reg]
	}
	return fmt.Sprintf("r%d", reg)
}

// WriteTable is a debugging helper that writes one line per row.
func WriteTable(w io.Writer, table CompactUnwindTable) error {
	for _, row := range table {
		if _, err := fmt.Fprintf(w, "%s\n", row); err != nil {
			return err
		}
	}
	return nil
}

// WriteEvents is a debugging helper that writes the rows produced by the
// extractor under a header for each function. If pc is not nil, only
// the function containing it is written.
func WriteEvents(w io.Writer, e *Extractor, sections Sections, pc *uint64) error {
	var (
		writeErr error
		selected = true
	)
	err := e.Extract(sections, VisitorFuncs{
		Function: func(start, end uint64) bool {
			if pc != nil {
				selected = start <= *pc && *pc < end
				if !selected {
					return true
				}
			}
			_, writeErr = fmt.Fprintf(w, "=> Function start: %x, Function end: %x\n", start, end)
			return writeErr == nil
		},
		Instruction: func(row CompactUnwindRow) bool {
			if !selected {
				return true
			}
			_, writeErr = fmt.Fprintf(w, "\t%s\n", row)
			return writeErr == nil
		},
	})
	return errors.Join(err, writeErr)
}

// WriteRawTable is a debugging helper that writes the DWARF rules of
// every FDE, before they are compacted.
func WriteRawTable(w io.Writer, sections Sections, pc *uint64) error {
	order := sections.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	fdes, _, err := frame.Parse(frame.Section{
		Data:     sections.EhFrame,
		Order:    order,
		Addr:     sections.EhFrameAddr,
		TextAddr: sections.TextAddr,
		EhFrame:  true,
	})
	if err != nil {
		return err
	}
	fdes.Sort()

	fc := frame.NewFrameContext()
	for _, fde := range fdes {
		if pc != nil && !fde.Cover(*pc) {
			continue
		}

		fmt.Fprintf(w, "=> Function start: %x, Function end: %x\n", fde.Begin(), fde.End())
		if err := fc.Execute(fde); err != nil {
			fmt.Fprintf(w, "\terror: %v\n", err)
			continue
		}

		insCtxs := fc.Rows()
		for i := range insCtxs {
			if err := writeRawRow(w, unwindTableRow(&insCtxs[i])); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeRawRow(w io.Writer, row UnwindTableRow) error {
	//nolint:exhaustive
	switch row.CFA.Rule {
	case frame.RuleExpression:
		if plt := ExpressionIdentifier(row.CFA.Expression); plt == PltTypeNone {
			fmt.Fprintf(w, "\tLoc: %x CFA: exp     ", row.Loc)
		} else {
			fmt.Fprintf(w, "\tLoc: %x CFA: exp (plt %d)", row.Loc, plt)
		}
	default:
		fmt.Fprintf(w, "\tLoc: %x CFA: $%s=%-4d", row.Loc, registerToString(row.CFA.Reg), row.CFA.Offset)
	}

	//nolint:exhaustive
	switch row.RBP.Rule {
	case frame.RuleUndefined, frame.RuleUnknown:
		fmt.Fprintf(w, "\tRBP: u")
	case frame.RuleRegister:
		fmt.Fprintf(w, "\tRBP: $%s", registerToString(row.RBP.Reg))
	case frame.RuleOffset:
		fmt.Fprintf(w, "\tRBP: c%-4d", row.RBP.Offset)
	case frame.RuleExpression:
		fmt.Fprintf(w, "\tRBP: exp")
	default:
		fmt.Fprintf(w, "\tRBP: %s", row.RBP.Rule)
	}

	if row.RA.Rule == frame.RuleUndefined || row.RA.Rule == frame.RuleUnknown {
		fmt.Fprintf(w, "\tRA: u")
	}

	_, err := fmt.Fprintf(w, "\n")
	return err
}
