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

// This file includes modified code from github.com/google/pprof/internal/elfexec.

package elfreader

import (
	"debug/elf"
	"errors"
	"fmt"
)

// IsASLRElegibleElf returns whether the executable could be loaded at a
// randomized address. Its unwind rows are then relative to the load address
// and must be rebased before a lookup with a runtime pc.
//
// The kernel makes this decision in
// https://github.com/torvalds/linux/blob/v5.0/fs/binfmt_elf.c#L955.
// Checking the file type alone is not correct for the dynamic loader itself.
func IsASLRElegibleElf(ef *elf.File) bool {
	return ef.FileHeader.Type == elf.ET_DYN
}

// FindTextProgHeader returns the executable PT_LOAD segment that contains
// the .text section, or nil if there is none.
func FindTextProgHeader(ef *elf.File) *elf.ProgHeader {
	text := ef.Section(".text")
	if text == nil {
		return nil
	}
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		if text.Addr >= p.Vaddr && text.Addr < p.Vaddr+p.Memsz {
			return &p.ProgHeader
		}
	}
	return nil
}

// IsGo reports whether the executable was produced by the Go toolchain.
func IsGo(ef *elf.File) (bool, error) {
	if ef.Section(".note.go.buildid") != nil || ef.Section(".gopclntab") != nil {
		return true, nil
	}

	// The note may be stripped, look for well known symbols.
	syms, err := ef.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read symbols: %w", err)
	}
	for _, sym := range syms {
		switch sym.Name {
		case "runtime.main", "main.main", "runtime.buildVersion":
			return true, nil
		}
	}
	return false, nil
}

// HasDWARF reports whether the executable carries a .debug_frame or
// .debug_info section.
func HasDWARF(ef *elf.File) bool {
	return ef.Section(".debug_frame") != nil || ef.Section(".debug_info") != nil
}
