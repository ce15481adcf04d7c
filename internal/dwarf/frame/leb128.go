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

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrUnexpectedEOF = errors.New("unexpected end of CFI data")

// DecodeULEB128 decodes an unsigned Little Endian Base 128
// represented number.
func DecodeULEB128(r io.ByteReader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, length, ErrUnexpectedEOF
		}
		length++

		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		shift += 7

		if b&0x80 == 0 {
			break
		}
	}

	return result, length, nil
}

// DecodeSLEB128 decodes a signed Little Endian Base 128
// represented number.
func DecodeSLEB128(r io.ByteReader) (int64, uint32, error) {
	var (
		b      byte
		result int64
		shift  uint64
		length uint32
	)

	for {
		var err error
		b, err = r.ReadByte()
		if err != nil {
			return 0, length, ErrUnexpectedEOF
		}
		length++

		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7

		if b&0x80 == 0 {
			break
		}
	}

	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}

	return result, length, nil
}

// reader walks a CFI byte slice. Reads past the end latch an error
// and return zero values so that callers can check once per record.
type reader struct {
	data  []byte
	pos   int
	order binary.ByteOrder
	err   error
}

func newReader(data []byte, order binary.ByteOrder) *reader {
	return &reader{data: data, order: order}
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("%w at offset %#x", ErrUnexpectedEOF, r.pos)
	}
	r.pos = len(r.data)
}

func (r *reader) len() int {
	return len(r.data) - r.pos
}

func (r *reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		r.fail()
		return 0, r.err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u8() uint8 {
	b, _ := r.ReadByte()
	return b
}

func (r *reader) bytes(n int) []byte {
	if n < 0 || r.len() < n {
		r.fail()
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return r.order.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return r.order.Uint64(b)
}

func (r *reader) uleb() uint64 {
	v, _, err := DecodeULEB128(r)
	if err != nil {
		r.fail()
	}
	return v
}

func (r *reader) sleb() int64 {
	v, _, err := DecodeSLEB128(r)
	if err != nil {
		r.fail()
	}
	return v
}

func (r *reader) cstring() string {
	for i := r.pos; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.pos:i])
			r.pos = i + 1
			return s
		}
	}
	r.fail()
	return ""
}

// uintN reads an unsigned integer of the given width in bytes.
func (r *reader) uintN(size int) uint64 {
	switch size {
	case 2:
		return uint64(r.u16())
	case 4:
		return uint64(r.u32())
	case 8:
		return r.u64()
	default:
		r.err = fmt.Errorf("unsupported integer size %d", size)
		return 0
	}
}
