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
	"bytes"

	"github.com/patnebe/lightswitch/internal/dwarf/frame"
)

// DWARF expressions that we recognize. Both are emitted for the PLT
// stubs of x86_64 binaries.

// Plt1 is equivalent to: sp + 8 + ((((ip & 15) >= 11)) << 3.
var Plt1 = [...]byte{
	frame.DW_OP_breg7, 8,
	frame.DW_OP_breg16, 0,
	frame.DW_OP_lit15,
	frame.DW_OP_and,
	frame.DW_OP_lit11,
	frame.DW_OP_ge,
	frame.DW_OP_lit3,
	frame.DW_OP_shl,
	frame.DW_OP_plus,
}

// Plt2 is equivalent to: sp + 8 + ((((ip & 15) >= 10)) << 3.
var Plt2 = [...]byte{
	frame.DW_OP_breg7, 8,
	frame.DW_OP_breg16, 0,
	frame.DW_OP_lit15,
	frame.DW_OP_and,
	frame.DW_OP_lit10,
	frame.DW_OP_ge,
	frame.DW_OP_lit3,
	frame.DW_OP_shl,
	frame.DW_OP_plus,
}

// ExpressionIdentifier returns the PLT type of a CFA expression, or
// PltTypeNone if it is not one we know how to evaluate.
func ExpressionIdentifier(expression []byte) PltType {
	switch {
	case bytes.Equal(Plt1[:], expression):
		return PltType1
	case bytes.Equal(Plt2[:], expression):
		return PltType2
	default:
		return PltTypeNone
	}
}
