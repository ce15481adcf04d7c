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

import "encoding/binary"

// EfficientBuffer is a byte slice that is written to, or read from,
// field by field, in little endian.
type EfficientBuffer []byte

// Slice returns a slice re-sliced from the original EfficientBuffer.
// This is useful to efficiently write byte by byte without incurring in
// extra allocations in the writing methods, or changing the capacity of
// the underlying memory buffer.
//
// Callers are responsible to ensure that there is enough capacity left
// for the passed size.
func (eb *EfficientBuffer) Slice(size int) EfficientBuffer {
	newSize := len(*eb) + size
	subSlice := (*eb)[len(*eb):newSize]
	// Extend its length.
	*eb = (*eb)[:newSize]
	return subSlice
}

// PutUint64 writes the passed uint64 in little
// endian and advances the current slice.
func (eb *EfficientBuffer) PutUint64(v uint64) {
	binary.LittleEndian.PutUint64((*eb)[:8], v)
	*eb = (*eb)[8:]
}

// PutUint16 writes the passed uint16 in little
// endian and advances the current slice.
func (eb *EfficientBuffer) PutUint16(v uint16) {
	binary.LittleEndian.PutUint16((*eb)[:2], v)
	*eb = (*eb)[2:]
}

// PutInt16 writes the passed int16 in little
// endian and advances the current slice.
func (eb *EfficientBuffer) PutInt16(v int16) {
	binary.LittleEndian.PutUint16((*eb)[:2], uint16(v))
	*eb = (*eb)[2:]
}

// PutUint8 writes the passed uint8 and advances the current slice.
func (eb *EfficientBuffer) PutUint8(v uint8) {
	(*eb)[0] = v
	*eb = (*eb)[1:]
}

// Skip advances the current slice by n bytes, leaving them untouched.
func (eb *EfficientBuffer) Skip(n int) {
	*eb = (*eb)[n:]
}

// Uint64 reads a little endian uint64 and advances the current slice.
func (eb *EfficientBuffer) Uint64() uint64 {
	v := binary.LittleEndian.Uint64((*eb)[:8])
	*eb = (*eb)[8:]
	return v
}

// Uint16 reads a little endian uint16 and advances the current slice.
func (eb *EfficientBuffer) Uint16() uint16 {
	v := binary.LittleEndian.Uint16((*eb)[:2])
	*eb = (*eb)[2:]
	return v
}

// Int16 reads a little endian int16 and advances the current slice.
func (eb *EfficientBuffer) Int16() int16 {
	return int16(eb.Uint16())
}

// Uint8 reads a byte and advances the current slice.
func (eb *EfficientBuffer) Uint8() uint8 {
	v := (*eb)[0]
	*eb = (*eb)[1:]
	return v
}
