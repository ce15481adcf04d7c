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

// DWARF expression opcodes, DWARF 5 section 7.7.1.
const (
	DW_OP_addr                = 0x03
	DW_OP_deref               = 0x06
	DW_OP_const1u             = 0x08
	DW_OP_const1s             = 0x09
	DW_OP_const2u             = 0x0a
	DW_OP_const2s             = 0x0b
	DW_OP_const4u             = 0x0c
	DW_OP_const4s             = 0x0d
	DW_OP_const8u             = 0x0e
	DW_OP_const8s             = 0x0f
	DW_OP_constu              = 0x10
	DW_OP_consts              = 0x11
	DW_OP_dup                 = 0x12
	DW_OP_drop                = 0x13
	DW_OP_over                = 0x14
	DW_OP_pick                = 0x15
	DW_OP_swap                = 0x16
	DW_OP_rot                 = 0x17
	DW_OP_xderef              = 0x18
	DW_OP_abs                 = 0x19
	DW_OP_and                 = 0x1a
	DW_OP_div                 = 0x1b
	DW_OP_minus               = 0x1c
	DW_OP_mod                 = 0x1d
	DW_OP_mul                 = 0x1e
	DW_OP_neg                 = 0x1f
	DW_OP_not                 = 0x20
	DW_OP_or                  = 0x21
	DW_OP_plus                = 0x22
	DW_OP_plus_uconst         = 0x23
	DW_OP_shl                 = 0x24
	DW_OP_shr                 = 0x25
	DW_OP_shra                = 0x26
	DW_OP_xor                 = 0x27
	DW_OP_bra                 = 0x28
	DW_OP_eq                  = 0x29
	DW_OP_ge                  = 0x2a
	DW_OP_gt                  = 0x2b
	DW_OP_le                  = 0x2c
	DW_OP_lt                  = 0x2d
	DW_OP_ne                  = 0x2e
	DW_OP_skip                = 0x2f
	DW_OP_lit0                = 0x30
	DW_OP_lit1                = 0x31
	DW_OP_lit2                = 0x32
	DW_OP_lit3                = 0x33
	DW_OP_lit4                = 0x34
	DW_OP_lit5                = 0x35
	DW_OP_lit6                = 0x36
	DW_OP_lit7                = 0x37
	DW_OP_lit8                = 0x38
	DW_OP_lit9                = 0x39
	DW_OP_lit10               = 0x3a
	DW_OP_lit11               = 0x3b
	DW_OP_lit12               = 0x3c
	DW_OP_lit13               = 0x3d
	DW_OP_lit14               = 0x3e
	DW_OP_lit15               = 0x3f
	DW_OP_lit31               = 0x4f
	DW_OP_reg0                = 0x50
	DW_OP_reg31               = 0x6f
	DW_OP_breg0               = 0x70
	DW_OP_breg1               = 0x71
	DW_OP_breg2               = 0x72
	DW_OP_breg3               = 0x73
	DW_OP_breg4               = 0x74
	DW_OP_breg5               = 0x75
	DW_OP_breg6               = 0x76
	DW_OP_breg7               = 0x77
	DW_OP_breg8               = 0x78
	DW_OP_breg9               = 0x79
	DW_OP_breg10              = 0x7a
	DW_OP_breg11              = 0x7b
	DW_OP_breg12              = 0x7c
	DW_OP_breg13              = 0x7d
	DW_OP_breg14              = 0x7e
	DW_OP_breg15              = 0x7f
	DW_OP_breg16              = 0x80
	DW_OP_breg31              = 0x8f
	DW_OP_regx                = 0x90
	DW_OP_fbreg               = 0x91
	DW_OP_bregx               = 0x92
	DW_OP_piece               = 0x93
	DW_OP_deref_size          = 0x94
	DW_OP_xderef_size         = 0x95
	DW_OP_nop                 = 0x96
	DW_OP_push_object_address = 0x97
	DW_OP_call2               = 0x98
	DW_OP_call4               = 0x99
	DW_OP_call_ref            = 0x9a
	DW_OP_form_tls_address    = 0x9b
	DW_OP_call_frame_cfa      = 0x9c
	DW_OP_bit_piece           = 0x9d
	DW_OP_implicit_value      = 0x9e
	DW_OP_stack_value         = 0x9f
	DW_OP_lo_user             = 0xe0
	DW_OP_hi_user             = 0xff
)
