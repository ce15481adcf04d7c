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

package buildid

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/patnebe/lightswitch/pkg/elfreader"
)

var (
	ErrNoBuildID       = errors.New("failed to find build id")
	ErrMultipleBuildID = errors.New("multiple build ids found, don't know which to use")
	ErrNoTextSection   = errors.New("could not find .text section")
)

// FromELF returns the hex encoded build id of an ELF executable. It prefers
// the Go build id note, then the GNU build id note and finally falls back
// to a hash of the .text section.
func FromELF(ef *elf.File) (string, error) {
	// Fast paths look at the conventional note sections only.
	if ef.Section(".note.go.buildid") != nil {
		if id, err := fromNoteSection(ef, ".note.go.buildid", goBuildID); err == nil && len(id) > 0 {
			return hex.EncodeToString(id), nil
		}
	}
	if id, err := fromNoteSection(ef, ".note.gnu.build-id", gnuBuildID); err == nil && len(id) > 0 {
		return hex.EncodeToString(id), nil
	}

	id, err := slowGNU(ef)
	if err == nil {
		return hex.EncodeToString(id), nil
	}
	if !errors.Is(err, ErrNoBuildID) {
		return "", fmt.Errorf("get elf build id: %w", err)
	}

	return textHash(ef)
}

// ExecutableID derives the 64 bit key that unwind tables are cached and
// shipped under. It is the first 8 bytes of the build id. Shorter ids are
// hashed instead.
func ExecutableID(buildID string) (uint64, error) {
	raw, err := hex.DecodeString(buildID)
	if err != nil {
		return 0, fmt.Errorf("build id %q is not hex encoded: %w", buildID, err)
	}
	if len(raw) == 0 {
		return 0, ErrNoBuildID
	}
	if len(raw) < 8 {
		return xxhash.Sum64(raw), nil
	}
	return binary.BigEndian.Uint64(raw[:8]), nil
}

type noteFinder func(notes []elfreader.ElfNote) ([]byte, error)

func findNote(name string, typ uint32) noteFinder {
	return func(notes []elfreader.ElfNote) ([]byte, error) {
		var id []byte
		for _, note := range notes {
			if note.Name != name || note.Type != typ {
				continue
			}
			if id != nil {
				return nil, ErrMultipleBuildID
			}
			id = note.Desc
		}
		return id, nil
	}
}

var (
	goBuildID  = findNote("Go", elfreader.NoteTypeGoBuildID)
	gnuBuildID = findNote("GNU", elfreader.NoteTypeGNUBuildID)
)

func fromNoteSection(ef *elf.File, name string, find noteFinder) ([]byte, error) {
	s := ef.Section(name)
	if s == nil {
		return nil, ErrNoBuildID
	}
	notes, err := elfreader.ParseNotes(s.Open(), int(s.Addralign), ef.ByteOrder)
	if err != nil {
		return nil, err
	}
	return find(notes)
}

// slowGNU searches every note segment and section for a GNU build id.
func slowGNU(ef *elf.File) ([]byte, error) {
	for _, p := range ef.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		notes, err := elfreader.ParseNotes(p.Open(), int(p.Align), ef.ByteOrder)
		if err != nil {
			return nil, err
		}
		if b, err := gnuBuildID(notes); b != nil || err != nil {
			return b, err
		}
	}
	for _, s := range ef.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		notes, err := elfreader.ParseNotes(s.Open(), int(s.Addralign), ef.ByteOrder)
		if err != nil {
			return nil, err
		}
		if b, err := gnuBuildID(notes); b != nil || err != nil {
			return b, err
		}
	}
	return nil, ErrNoBuildID
}

func textHash(ef *elf.File) (string, error) {
	text := ef.Section(".text")
	if text == nil {
		return "", ErrNoTextSection
	}
	h := xxhash.New()
	if _, err := io.Copy(h, text.Open()); err != nil {
		return "", fmt.Errorf("hash elf .text section: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
