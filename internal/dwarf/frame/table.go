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
	"errors"
	"fmt"
	"sort"
)

// x86_64 DWARF register numbers, see the System V AMD64 psABI.
const (
	X86_64RBP uint64 = 6
	X86_64RSP uint64 = 7
	X86_64RA  uint64 = 16
)

var (
	ErrUnknownOpcode       = errors.New("unknown DWARF CFA opcode")
	ErrRestoreStateEmpty   = errors.New("DW_CFA_restore_state without matching DW_CFA_remember_state")
	ErrCFARegisterNotValid = errors.New("CFA register set while the CFA is an expression")
)

// Rule rule defined for register values.
type Rule byte

const (
	// RuleUnknown is the rule of a register no instruction mentioned.
	RuleUnknown Rule = iota
	RuleUndefined
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA // Value is rule.Reg + rule.Offset
)

func (r Rule) String() string {
	switch r {
	case RuleUnknown:
		return "unknown"
	case RuleUndefined:
		return "undefined"
	case RuleSameVal:
		return "same_value"
	case RuleOffset:
		return "offset"
	case RuleValOffset:
		return "val_offset"
	case RuleRegister:
		return "register"
	case RuleExpression:
		return "expression"
	case RuleValExpression:
		return "val_expression"
	case RuleArchitectural:
		return "architectural"
	case RuleCFA:
		return "cfa"
	default:
		return fmt.Sprintf("rule(%d)", byte(r))
	}
}

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// RegisterRule is the rule for a single register.
type RegisterRule struct {
	Reg uint64
	DWRule
}

// registerRules is kept sorted by register number. CFA programs
// rarely touch more than a handful of registers, so a slice is
// cheaper to copy for every row than a map.
type registerRules []RegisterRule

func (rr registerRules) find(reg uint64) int {
	return sort.Search(len(rr), func(i int) bool { return rr[i].Reg >= reg })
}

func (rr registerRules) get(reg uint64) DWRule {
	i := rr.find(reg)
	if i < len(rr) && rr[i].Reg == reg {
		return rr[i].DWRule
	}
	return DWRule{Rule: RuleUnknown}
}

func (rr registerRules) set(reg uint64, rule DWRule) registerRules {
	i := rr.find(reg)
	if i < len(rr) && rr[i].Reg == reg {
		rr[i].DWRule = rule
		return rr
	}
	rr = append(rr, RegisterRule{})
	copy(rr[i+1:], rr[i:])
	rr[i] = RegisterRule{Reg: reg, DWRule: rule}
	return rr
}

func (rr registerRules) remove(reg uint64) registerRules {
	i := rr.find(reg)
	if i < len(rr) && rr[i].Reg == reg {
		return append(rr[:i], rr[i+1:]...)
	}
	return rr
}

func (rr registerRules) clone() registerRules {
	if len(rr) == 0 {
		return nil
	}
	out := make(registerRules, len(rr))
	copy(out, rr)
	return out
}

// InstructionContext is one row of the unwind table: the rules that
// apply from Loc until the location of the next row.
type InstructionContext struct {
	loc        uint64
	CFA        DWRule
	Regs       []RegisterRule
	RetAddrReg uint64
}

// Loc returns the first address this row applies to.
func (ic *InstructionContext) Loc() uint64 {
	return ic.loc
}

// Reg returns the rule for the given register.
func (ic *InstructionContext) Reg(reg uint64) DWRule {
	return registerRules(ic.Regs).get(reg)
}

// RA returns the rule for the return address register.
func (ic *InstructionContext) RA() DWRule {
	return ic.Reg(ic.RetAddrReg)
}

type savedState struct {
	cfa  DWRule
	regs registerRules
}

// FrameContext evaluates the CFA program of an FDE. It can be reused
// across FDEs; every Execute call starts from a clean state.
type FrameContext struct {
	fde *FrameDescriptionEntry
	r   *reader
	// Address the program being run by r is mapped at.
	progAddr uint64

	loc  uint64
	cfa  DWRule
	regs registerRules
	// Rules after the CIE initial instructions, used by DW_CFA_restore.
	initialRegs registerRules
	stack       []savedState

	codeAlignment uint64
	dataAlignment int64
	retAddrReg    uint64

	rows []InstructionContext
}

// NewFrameContext returns an empty, reusable FrameContext.
func NewFrameContext() *FrameContext {
	return &FrameContext{}
}

// ExecuteDWARFProgram evaluates the CIE initial instructions and the
// FDE instructions and returns the resulting table.
func ExecuteDWARFProgram(fde *FrameDescriptionEntry) (*FrameContext, error) {
	fc := NewFrameContext()
	if err := fc.Execute(fde); err != nil {
		return nil, err
	}
	return fc, nil
}

func (fc *FrameContext) reset(fde *FrameDescriptionEntry) {
	fc.fde = fde
	fc.loc = fde.Begin()
	fc.cfa = DWRule{}
	fc.regs = fc.regs[:0]
	fc.initialRegs = nil
	fc.stack = fc.stack[:0]
	fc.codeAlignment = fde.CIE.CodeAlignmentFactor
	fc.dataAlignment = fde.CIE.DataAlignmentFactor
	fc.retAddrReg = fde.CIE.ReturnAddressRegister
	fc.rows = fc.rows[:0]
}

// Execute evaluates the program of fde, replacing any previous result.
func (fc *FrameContext) Execute(fde *FrameDescriptionEntry) error {
	if fde == nil || fde.CIE == nil {
		return ErrUnknownCIE
	}
	fc.reset(fde)

	order := fde.order
	if order == nil {
		return errors.New("FDE has no byte order")
	}

	fc.r = newReader(fde.CIE.InitialInstructions, order)
	fc.progAddr = fde.CIE.instructionsAddr
	if err := fc.run(false); err != nil {
		return fmt.Errorf("CIE initial instructions: %w", err)
	}
	fc.initialRegs = fc.regs.clone()

	fc.r = newReader(fde.Instructions, order)
	fc.progAddr = fde.instructionsAddr
	if err := fc.run(true); err != nil {
		return err
	}
	if fc.loc < fde.End() {
		fc.emit()
	}
	return nil
}

// Rows returns the evaluated rows, sorted by location. The slice is
// only valid until the next call to Execute.
func (fc *FrameContext) Rows() []InstructionContext {
	return fc.rows
}

func (fc *FrameContext) emit() {
	fc.rows = append(fc.rows, InstructionContext{
		loc:        fc.loc,
		CFA:        fc.cfa,
		Regs:       fc.regs.clone(),
		RetAddrReg: fc.retAddrReg,
	})
}

// advance moves to a new location. The current rules are recorded as a
// row unless nothing has been covered yet.
func (fc *FrameContext) advance(newLoc uint64) {
	if newLoc == fc.loc {
		return
	}
	if fc.loc < fc.fde.End() {
		fc.emit()
	}
	fc.loc = newLoc
}

func (fc *FrameContext) run(allowAdvance bool) error {
	for fc.r.len() > 0 {
		if allowAdvance && fc.loc >= fc.fde.End() {
			// Rows past the end of the FDE can't be used.
			return nil
		}
		op := fc.r.u8()
		if err := fc.step(op, allowAdvance); err != nil {
			return err
		}
		if fc.r.err != nil {
			return fmt.Errorf("%s: %w", CFAString(op), fc.r.err)
		}
	}
	return nil
}

func (fc *FrameContext) step(op byte, allowAdvance bool) error {
	const (
		high2Bits = 0xc0
		low6Bits  = 0x3f
	)

	r := fc.r

	switch op & high2Bits {
	case DW_CFA_advance_loc:
		if allowAdvance {
			fc.advance(fc.loc + uint64(op&low6Bits)*fc.codeAlignment)
		}
		return nil
	case DW_CFA_offset:
		fc.regs = fc.regs.set(uint64(op&low6Bits), DWRule{Rule: RuleOffset, Offset: int64(r.uleb()) * fc.dataAlignment})
		return nil
	case DW_CFA_restore:
		fc.restore(uint64(op & low6Bits))
		return nil
	}

	switch op {
	case DW_CFA_nop:
	case DW_CFA_set_loc:
		loc := readEncodedPtr(r, fc.progAddr, fc.fde.CIE.ptrEncAddr, fc.fde.ptrSize, fc.fde.textAddr)
		if allowAdvance {
			fc.advance(loc)
		}
	case DW_CFA_advance_loc1:
		delta := uint64(r.u8())
		if allowAdvance {
			fc.advance(fc.loc + delta*fc.codeAlignment)
		}
	case DW_CFA_advance_loc2:
		delta := uint64(r.u16())
		if allowAdvance {
			fc.advance(fc.loc + delta*fc.codeAlignment)
		}
	case DW_CFA_advance_loc4:
		delta := uint64(r.u32())
		if allowAdvance {
			fc.advance(fc.loc + delta*fc.codeAlignment)
		}
	case DW_CFA_MIPS_advance_loc8:
		delta := r.u64()
		if allowAdvance {
			fc.advance(fc.loc + delta*fc.codeAlignment)
		}
	case DW_CFA_offset_extended:
		reg, off := r.uleb(), r.uleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleOffset, Offset: int64(off) * fc.dataAlignment})
	case DW_CFA_offset_extended_sf:
		reg, off := r.uleb(), r.sleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleOffset, Offset: off * fc.dataAlignment})
	case DW_CFA_GNU_negative_offset_extended:
		reg, off := r.uleb(), r.uleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleOffset, Offset: -int64(off) * fc.dataAlignment})
	case DW_CFA_val_offset:
		reg, off := r.uleb(), r.uleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleValOffset, Offset: int64(off) * fc.dataAlignment})
	case DW_CFA_val_offset_sf:
		reg, off := r.uleb(), r.sleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleValOffset, Offset: off * fc.dataAlignment})
	case DW_CFA_restore_extended:
		fc.restore(r.uleb())
	case DW_CFA_undefined:
		fc.regs = fc.regs.set(r.uleb(), DWRule{Rule: RuleUndefined})
	case DW_CFA_same_value:
		fc.regs = fc.regs.set(r.uleb(), DWRule{Rule: RuleSameVal})
	case DW_CFA_register:
		reg1, reg2 := r.uleb(), r.uleb()
		fc.regs = fc.regs.set(reg1, DWRule{Rule: RuleRegister, Reg: reg2})
	case DW_CFA_remember_state:
		fc.stack = append(fc.stack, savedState{cfa: fc.cfa, regs: fc.regs.clone()})
	case DW_CFA_restore_state:
		if len(fc.stack) == 0 {
			return ErrRestoreStateEmpty
		}
		top := fc.stack[len(fc.stack)-1]
		fc.stack = fc.stack[:len(fc.stack)-1]
		fc.cfa = top.cfa
		fc.regs = top.regs
	case DW_CFA_def_cfa:
		reg, off := r.uleb(), r.uleb()
		fc.cfa = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
	case DW_CFA_def_cfa_sf:
		reg, off := r.uleb(), r.sleb()
		fc.cfa = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * fc.dataAlignment}
	case DW_CFA_def_cfa_register:
		reg := r.uleb()
		if fc.cfa.Rule == RuleExpression {
			return ErrCFARegisterNotValid
		}
		fc.cfa.Rule = RuleCFA
		fc.cfa.Reg = reg
	case DW_CFA_def_cfa_offset:
		off := r.uleb()
		if fc.cfa.Rule == RuleExpression {
			return ErrCFARegisterNotValid
		}
		fc.cfa.Rule = RuleCFA
		fc.cfa.Offset = int64(off)
	case DW_CFA_def_cfa_offset_sf:
		off := r.sleb()
		if fc.cfa.Rule == RuleExpression {
			return ErrCFARegisterNotValid
		}
		fc.cfa.Rule = RuleCFA
		fc.cfa.Offset = off * fc.dataAlignment
	case DW_CFA_def_cfa_expression:
		l := r.uleb()
		fc.cfa = DWRule{Rule: RuleExpression, Expression: r.bytes(int(l))}
	case DW_CFA_expression:
		reg, l := r.uleb(), r.uleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleExpression, Expression: r.bytes(int(l))})
	case DW_CFA_val_expression:
		reg, l := r.uleb(), r.uleb()
		fc.regs = fc.regs.set(reg, DWRule{Rule: RuleValExpression, Expression: r.bytes(int(l))})
	case DW_CFA_GNU_args_size:
		r.uleb()
	case DW_CFA_GNU_window_save:
		// Register windows (SPARC) or return address signing (AArch64).
	default:
		return fmt.Errorf("%w: %#x", ErrUnknownOpcode, op)
	}
	return nil
}

func (fc *FrameContext) restore(reg uint64) {
	if rule := fc.initialRegs.get(reg); rule.Rule != RuleUnknown {
		fc.regs = fc.regs.set(reg, rule)
		return
	}
	fc.regs = fc.regs.remove(reg)
}
