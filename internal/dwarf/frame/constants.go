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

// Call frame instructions, DWARF 5 section 7.24.
const (
	DW_CFA_nop                          = 0x00
	DW_CFA_set_loc                      = 0x01 // op1: address
	DW_CFA_advance_loc1                 = 0x02 // op1: 1-bytes delta
	DW_CFA_advance_loc2                 = 0x03 // op1: 2-byte delta
	DW_CFA_advance_loc4                 = 0x04 // op1: 4-byte delta
	DW_CFA_offset_extended              = 0x05 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended             = 0x06 // op1: ULEB128 register
	DW_CFA_undefined                    = 0x07 // op1: ULEB128 register
	DW_CFA_same_value                   = 0x08 // op1: ULEB128 register
	DW_CFA_register                     = 0x09 // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state               = 0x0a
	DW_CFA_restore_state                = 0x0b
	DW_CFA_def_cfa                      = 0x0c // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register             = 0x0d // op1: ULEB128 register
	DW_CFA_def_cfa_offset               = 0x0e // op1: ULEB128 offset
	DW_CFA_def_cfa_expression           = 0x0f // op1: BLOCK
	DW_CFA_expression                   = 0x10 // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf           = 0x11 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_sf                   = 0x12 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf            = 0x13 // op1: SLEB128 offset
	DW_CFA_val_offset                   = 0x14 // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                = 0x15 // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression               = 0x16 // op1: ULEB128, op2: BLOCK
	DW_CFA_lo_user                      = 0x1c
	DW_CFA_MIPS_advance_loc8            = 0x1d
	DW_CFA_GNU_window_save              = 0x2d
	DW_CFA_GNU_args_size                = 0x2e // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_hi_user                      = 0x3f
	DW_CFA_advance_loc                  = 0x1 << 6 // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset                       = 0x2 << 6 // High 2 bits: 0x2, low 6: register
	DW_CFA_restore                      = 0x3 << 6 // High 2 bits: 0x3, low 6: register
)

var cfaNames = map[byte]string{
	DW_CFA_nop:                          "DW_CFA_nop",
	DW_CFA_set_loc:                      "DW_CFA_set_loc",
	DW_CFA_advance_loc1:                 "DW_CFA_advance_loc1",
	DW_CFA_advance_loc2:                 "DW_CFA_advance_loc2",
	DW_CFA_advance_loc4:                 "DW_CFA_advance_loc4",
	DW_CFA_offset_extended:              "DW_CFA_offset_extended",
	DW_CFA_restore_extended:             "DW_CFA_restore_extended",
	DW_CFA_undefined:                    "DW_CFA_undefined",
	DW_CFA_same_value:                   "DW_CFA_same_value",
	DW_CFA_register:                     "DW_CFA_register",
	DW_CFA_remember_state:               "DW_CFA_remember_state",
	DW_CFA_restore_state:                "DW_CFA_restore_state",
	DW_CFA_def_cfa:                      "DW_CFA_def_cfa",
	DW_CFA_def_cfa_register:             "DW_CFA_def_cfa_register",
	DW_CFA_def_cfa_offset:               "DW_CFA_def_cfa_offset",
	DW_CFA_def_cfa_expression:           "DW_CFA_def_cfa_expression",
	DW_CFA_expression:                   "DW_CFA_expression",
	DW_CFA_offset_extended_sf:           "DW_CFA_offset_extended_sf",
	DW_CFA_def_cfa_sf:                   "DW_CFA_def_cfa_sf",
	DW_CFA_def_cfa_offset_sf:            "DW_CFA_def_cfa_offset_sf",
	DW_CFA_val_offset:                   "DW_CFA_val_offset",
	DW_CFA_val_offset_sf:                "DW_CFA_val_offset_sf",
	DW_CFA_val_expression:               "DW_CFA_val_expression",
	DW_CFA_lo_user:                      "DW_CFA_lo_user",
	DW_CFA_MIPS_advance_loc8:            "DW_CFA_MIPS_advance_loc8",
	DW_CFA_GNU_window_save:              "DW_CFA_GNU_window_save",
	DW_CFA_GNU_args_size:                "DW_CFA_GNU_args_size",
	DW_CFA_GNU_negative_offset_extended: "DW_CFA_GNU_negative_offset_extended",
	DW_CFA_hi_user:                      "DW_CFA_hi_user",
	DW_CFA_advance_loc:                  "DW_CFA_advance_loc",
	DW_CFA_offset:                       "DW_CFA_offset",
	DW_CFA_restore:                      "DW_CFA_restore",
}

// CFAString returns the name of a call frame instruction.
func CFAString(b byte) string {
	if b&0xc0 != 0 {
		b &= 0xc0
	}
	str, ok := cfaNames[b]
	if !ok {
		return "<unknown CFA value>"
	}
	return str
}
