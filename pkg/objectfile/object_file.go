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

// This package includes modified code from the github.com/google/pprof/internal/binutils

package objectfile

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/exp/mmap"

	"github.com/patnebe/lightswitch/pkg/buildid"
	"github.com/patnebe/lightswitch/pkg/elfreader"
)

var elfNewFile = elf.NewFile

var ErrNoBuildID = errors.New("object file has no build id")

// ObjectFile represents an executable or library file mapped into memory.
// It handles the lifetime of the underlying mapping.
type ObjectFile struct {
	BuildID string

	Path    string
	Size    int64
	Modtime time.Time

	// Backed by the memory mapping, unusable after Close.
	ElfFile *elf.File

	reader *mmap.ReaderAt
	closed *atomic.Bool
}

// Open maps the ELF file at path and reads its headers.
func Open(path string) (*ObjectFile, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat the file: %w", err)
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	closer := func(err error) error {
		if cErr := r.Close(); cErr != nil {
			err = errors.Join(err, cErr)
		}
		return err
	}

	ok, err := isELF(r)
	if err != nil {
		return nil, closer(fmt.Errorf("failed check whether file is an ELF file %s: %w", path, err))
	}
	if !ok {
		return nil, closer(fmt.Errorf("unrecognized binary format: %s", path))
	}
	ef, err := elfNewFile(r)
	if err != nil {
		return nil, closer(fmt.Errorf("error opening %s: %w", path, err))
	}
	if len(ef.Sections) == 0 {
		return nil, closer(errors.New("ELF does not have any sections"))
	}

	// Not every executable can be identified, e.g. a stripped one without .text.
	id, _ := buildid.FromELF(ef)

	return &ObjectFile{
		BuildID: id,
		Path:    path,
		Size:    stat.Size(),
		Modtime: stat.ModTime(),
		ElfFile: ef,
		reader:  r,
		closed:  atomic.NewBool(false),
	}, nil
}

// isELF checks the magic number of the mapped file.
func isELF(r io.ReaderAt) (bool, error) {
	var header [4]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("error reading magic number: %w", err)
	}
	return string(header[:]) == elf.ELFMAG, nil
}

func (o *ObjectFile) IsOpen() bool {
	return o != nil && o.reader != nil && !o.closed.Load()
}

func (o *ObjectFile) Close() error {
	if o == nil || o.closed.Swap(true) {
		return nil
	}

	var err error
	if o.ElfFile != nil {
		err = errors.Join(err, o.ElfFile.Close())
	}
	if o.reader != nil {
		err = errors.Join(err, o.reader.Close())
	}
	return err
}

// ExecutableID returns the key unwind tables of this file are stored under.
func (o *ObjectFile) ExecutableID() (uint64, error) {
	if o.BuildID == "" {
		return 0, fmt.Errorf("%w: %s", ErrNoBuildID, o.Path)
	}
	return buildid.ExecutableID(o.BuildID)
}

func (o *ObjectFile) HasTextSection() bool {
	return o.ElfFile.Section(".text") != nil
}

func (o *ObjectFile) IsGo() (bool, error) {
	return elfreader.IsGo(o.ElfFile)
}

// IsDynamic reports whether the file is position independent and its
// addresses must be rebased by the load address.
func (o *ObjectFile) IsDynamic() bool {
	return elfreader.IsASLRElegibleElf(o.ElfFile)
}

func (o *ObjectFile) HasDebugInfo() bool {
	return elfreader.HasDWARF(o.ElfFile)
}

// LoadSegments returns the PT_LOAD program headers ordered by virtual address.
func (o *ObjectFile) LoadSegments() []elf.ProgHeader {
	var segments []elf.ProgHeader
	for _, p := range o.ElfFile.Progs {
		if p.Type == elf.PT_LOAD {
			segments = append(segments, p.ProgHeader)
		}
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Vaddr < segments[j].Vaddr
	})
	return segments
}

// SectionSize returns the size of the named section and whether it exists.
func (o *ObjectFile) SectionSize(name string) (uint64, bool) {
	s := o.ElfFile.Section(name)
	if s == nil {
		return 0, false
	}
	return s.Size, true
}
