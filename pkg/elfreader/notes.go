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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	NoteTypeGNUBuildID = 3
	NoteTypeGoBuildID  = 4

	// Notes larger than this are rejected instead of allocated.
	maxNoteSize = 1 << 20
)

// ElfNote is a single entry of a SHT_NOTE section or PT_NOTE segment.
type ElfNote struct {
	Name string
	Desc []byte
	Type uint32
}

// ParseNotes returns the notes from a SHT_NOTE section or PT_NOTE segment.
func ParseNotes(reader io.Reader, alignment int, order binary.ByteOrder) ([]ElfNote, error) {
	if alignment < 4 {
		alignment = 4
	}
	r := bufio.NewReader(reader)

	padding := func(size int) int {
		return ((size + (alignment - 1)) &^ (alignment - 1)) - size
	}

	var notes []ElfNote
	for {
		header := make([]byte, 12)
		if _, err := io.ReadFull(r, header); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read note header: %w", err)
		}
		namesz := order.Uint32(header[0:4])
		descsz := order.Uint32(header[4:8])
		typ := order.Uint32(header[8:12])

		if namesz > maxNoteSize {
			return nil, fmt.Errorf("note name too long (%d bytes)", namesz)
		}
		var name string
		if namesz > 0 {
			s, err := r.ReadString('\x00')
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("missing note name (want %d bytes)", namesz)
			} else if err != nil {
				return nil, fmt.Errorf("failed to read note name: %w", err)
			}
			namesz = uint32(len(s))
			name = s[:len(s)-1]
		}

		// Skip padding until the desc field.
		if err := discard(r, padding(len(header)+int(namesz))); err != nil {
			return nil, fmt.Errorf("missing padding after note name: %w", err)
		}

		if descsz > maxNoteSize {
			return nil, fmt.Errorf("note desc too long (%d bytes)", descsz)
		}
		desc := make([]byte, int(descsz))
		if _, err := io.ReadFull(r, desc); err != nil {
			return nil, fmt.Errorf("missing desc while reading note: %w", err)
		}
		notes = append(notes, ElfNote{Name: name, Desc: desc, Type: typ})

		// The last note of a section may omit its trailing padding.
		if err := discard(r, padding(len(desc))); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	return notes, nil
}

func discard(r *bufio.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := r.Discard(n)
	return err
}
