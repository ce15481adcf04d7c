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

// parseOne builds a section holding a single x86_64 FDE covering
// [0x2000, 0x2000+size) and returns it.
func parseOne(t *testing.T, size uint64, instructions ...[]byte) *frame.FrameDescriptionEntry {
	t.Helper()

	b := frametest.NewEhFrameBuilder(0x1000)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())
	b.AddFDE(cie, 0x2000, size, frametest.Program(instructions...))

	fdes, skipped, err := frame.Parse(b.Section(0))
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, fdes, 1)
	return fdes[0]
}

func TestExecuteFramePointerPrologue(t *testing.T) {
	fde := parseOne(t, 0x30,
		frametest.AdvanceLoc(1), // push %rbp
		frametest.DefCFAOffset(16),
		frametest.Offset(6, 2),
		frametest.AdvanceLoc(3), // mov %rsp,%rbp
		frametest.DefCFARegister(6),
	)

	fc, err := frame.ExecuteDWARFProgram(fde)
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 3)

	require.Equal(t, uint64(0x2000), rows[0].Loc())
	require.Equal(t, frame.DWRule{Rule: frame.RuleCFA, Reg: frame.X86_64RSP, Offset: 8}, rows[0].CFA)
	require.Equal(t, frame.DWRule{Rule: frame.RuleOffset, Offset: -8}, rows[0].RA())
	require.Equal(t, frame.RuleUnknown, rows[0].Reg(frame.X86_64RBP).Rule)

	require.Equal(t, uint64(0x2001), rows[1].Loc())
	require.Equal(t, frame.DWRule{Rule: frame.RuleCFA, Reg: frame.X86_64RSP, Offset: 16}, rows[1].CFA)
	require.Equal(t, frame.DWRule{Rule: frame.RuleOffset, Offset: -16}, rows[1].Reg(frame.X86_64RBP))

	require.Equal(t, uint64(0x2004), rows[2].Loc())
	require.Equal(t, frame.DWRule{Rule: frame.RuleCFA, Reg: frame.X86_64RBP, Offset: 16}, rows[2].CFA)
	require.Equal(t, frame.DWRule{Rule: frame.RuleOffset, Offset: -16}, rows[2].Reg(frame.X86_64RBP))
}

func TestExecuteCoalescesZeroAdvances(t *testing.T) {
	fde := parseOne(t, 0x10,
		frametest.DefCFAOffset(16),
		frametest.AdvanceLoc(0),
		frametest.DefCFAOffset(24),
		frametest.AdvanceLoc(2),
		frametest.DefCFAOffset(8),
	)

	fc, err := frame.ExecuteDWARFProgram(fde)
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, int64(24), rows[0].CFA.Offset)
	require.Equal(t, uint64(0x2002), rows[1].Loc())
	require.Equal(t, int64(8), rows[1].CFA.Offset)
}

func TestExecuteSetLocPCRelative(t *testing.T) {
	b := frametest.NewEhFrameBuilder(0x1000)
	cie := b.AddCIE(1, -8, 16, frametest.X86_64CIEInstructions())

	// length, CIE pointer, pc_begin, pc_range and the augmentation
	// length come before the instructions.
	instructionsAddr := b.Addr() + uint64(len(b.Bytes())) + 17
	// The operand follows the opcode and is relative to its own address.
	operandAddr := instructionsAddr + 1
	setLoc := binary.LittleEndian.AppendUint32([]byte{frame.DW_CFA_set_loc}, uint32(int32(int64(0x2010)-int64(operandAddr))))
	b.AddFDE(cie, 0x2000, 0x30, frametest.Program(setLoc, frametest.DefCFAOffset(16)))

	fdes, skipped, err := frame.Parse(b.Section(0))
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, fdes, 1)

	fc, err := frame.ExecuteDWARFProgram(fdes[0])
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, uint64(0x2000), rows[0].Loc())
	require.Equal(t, int64(8), rows[0].CFA.Offset)
	require.Equal(t, uint64(0x2010), rows[1].Loc())
	require.Equal(t, int64(16), rows[1].CFA.Offset)
}

func TestExecuteRememberRestoreState(t *testing.T) {
	fde := parseOne(t, 0x10,
		frametest.RememberState(),
		frametest.AdvanceLoc(1),
		frametest.DefCFAOffset(32),
		frametest.Offset(6, 4),
		frametest.AdvanceLoc(1),
		frametest.RestoreState(),
	)

	fc, err := frame.ExecuteDWARFProgram(fde)
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 3)
	require.Equal(t, int64(32), rows[1].CFA.Offset)
	require.Equal(t, int64(-32), rows[1].Reg(frame.X86_64RBP).Offset)

	// Both the CFA and the registers are restored.
	require.Equal(t, uint64(0x2002), rows[2].Loc())
	require.Equal(t, int64(8), rows[2].CFA.Offset)
	require.Equal(t, frame.RuleUnknown, rows[2].Reg(frame.X86_64RBP).Rule)
}

func TestExecuteRestore(t *testing.T) {
	fde := parseOne(t, 0x10,
		frametest.Offset(16, 3),
		frametest.Offset(6, 2),
		frametest.AdvanceLoc(1),
		frametest.Restore(16),
		frametest.Restore(6),
	)

	fc, err := frame.ExecuteDWARFProgram(fde)
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, int64(-24), rows[0].RA().Offset)
	// Restored to the CIE rule.
	require.Equal(t, int64(-8), rows[1].RA().Offset)
	// Not set by the CIE, so the rule goes away.
	require.Equal(t, frame.RuleUnknown, rows[1].Reg(frame.X86_64RBP).Rule)
}

func TestExecuteRulesKinds(t *testing.T) {
	expr := []byte{frame.DW_OP_breg7, 0x08}
	fde := parseOne(t, 0x10,
		frametest.Register(6, 3),
		frametest.AdvanceLoc(1),
		frametest.Expression(6, expr),
		frametest.DefCFAExpression(expr),
		frametest.AdvanceLoc(1),
		frametest.Undefined(16),
	)

	fc, err := frame.ExecuteDWARFProgram(fde)
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 3)
	require.Equal(t, frame.DWRule{Rule: frame.RuleRegister, Reg: 3}, rows[0].Reg(frame.X86_64RBP))
	require.Equal(t, frame.RuleExpression, rows[1].Reg(frame.X86_64RBP).Rule)
	require.Equal(t, expr, rows[1].Reg(frame.X86_64RBP).Expression)
	require.Equal(t, frame.RuleExpression, rows[1].CFA.Rule)
	require.Equal(t, frame.RuleUndefined, rows[2].RA().Rule)
}

func TestExecuteStopsAtEndOfFDE(t *testing.T) {
	fde := parseOne(t, 0x4,
		frametest.AdvanceLoc(2),
		frametest.DefCFAOffset(16),
		frametest.AdvanceLoc(2),
		frametest.DefCFAOffset(24),
		frametest.AdvanceLoc(2),
		frametest.DefCFAOffset(32),
	)

	fc, err := frame.ExecuteDWARFProgram(fde)
	require.NoError(t, err)

	rows := fc.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, uint64(0x2000), rows[0].Loc())
	require.Equal(t, uint64(0x2002), rows[1].Loc())
	require.Equal(t, int64(16), rows[1].CFA.Offset)
}

func TestFrameContextReuse(t *testing.T) {
	first := parseOne(t, 0x10,
		frametest.RememberState(),
		frametest.Offset(6, 2),
		frametest.DefCFAOffset(64),
	)
	second := parseOne(t, 0x10,
		frametest.RestoreState(),
	)
	third := parseOne(t, 0x10)

	fc := frame.NewFrameContext()
	require.NoError(t, fc.Execute(first))
	require.Equal(t, int64(-16), fc.Rows()[0].Reg(frame.X86_64RBP).Offset)

	// The remembered state of the previous FDE must not leak.
	require.ErrorIs(t, fc.Execute(second), frame.ErrRestoreStateEmpty)

	require.NoError(t, fc.Execute(third))
	rows := fc.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, int64(8), rows[0].CFA.Offset)
	require.Equal(t, frame.RuleUnknown, rows[0].Reg(frame.X86_64RBP).Rule)
}

func TestExecuteUnknownOpcode(t *testing.T) {
	fde := parseOne(t, 0x10, []byte{0x3e})

	_, err := frame.ExecuteDWARFProgram(fde)
	require.ErrorIs(t, err, frame.ErrUnknownOpcode)
}

func TestExecuteDefCFARegisterAfterExpression(t *testing.T) {
	fde := parseOne(t, 0x10,
		frametest.DefCFAExpression([]byte{frame.DW_OP_breg7, 0x08}),
		frametest.DefCFARegister(6),
	)

	_, err := frame.ExecuteDWARFProgram(fde)
	require.ErrorIs(t, err, frame.ErrCFARegisterNotValid)
}

func TestCFAString(t *testing.T) {
	require.Equal(t, "DW_CFA_def_cfa", frame.CFAString(frame.DW_CFA_def_cfa))
	require.Equal(t, "DW_CFA_advance_loc", frame.CFAString(frame.DW_CFA_advance_loc|0x3))
	require.Equal(t, "DW_CFA_offset", frame.CFAString(frame.DW_CFA_offset|0x6))
}
