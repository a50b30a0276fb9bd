// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"encoding/binary"
	"errors"
	"math"
)

// Errors
var (
	// ErrOutsideBoundary is reported when attempting to read past the end
	// of the buffer.
	ErrOutsideBoundary = errors.New("reading data outside boundary")

	// ErrUnterminatedString is reported when a NUL-terminated string runs
	// off the end of the buffer.
	ErrUnterminatedString = errors.New("unterminated string")

	// ErrUnknownPlatform is reported when a header carries a platform id
	// outside the known range.
	ErrUnknownPlatform = errors.New("unknown platform id")
)

// Reader is a bounded cursor over a byte buffer with a selectable byte
// order. Every decoder in the package reads through one of these; reads
// never panic, they report ErrOutsideBoundary.
type Reader struct {
	data  []byte
	pos   uint64
	order binary.ByteOrder
}

// NewReader returns a Reader over data using the given byte order.
func NewReader(data []byte, order binary.ByteOrder) *Reader {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Reader{data: data, order: order}
}

// SetOrder switches the byte order for subsequent reads.
func (r *Reader) SetOrder(order binary.ByteOrder) {
	r.order = order
}

// Order returns the current byte order.
func (r *Reader) Order() binary.ByteOrder {
	return r.order
}

// Size returns the buffer length.
func (r *Reader) Size() uint64 {
	return uint64(len(r.data))
}

// Tell returns the current cursor position.
func (r *Reader) Tell() uint64 {
	return r.pos
}

// SeekTo moves the cursor to an absolute position. Seeking beyond the end
// is allowed; the following read reports the boundary error.
func (r *Reader) SeekTo(pos uint64) {
	r.pos = pos
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n uint64) {
	r.pos += n
}

func (r *Reader) take(n uint64) ([]byte, error) {
	end := r.pos + n
	if end < r.pos || end > uint64(len(r.data)) {
		return nil, ErrOutsideBoundary
	}
	b := r.data[r.pos:end]
	r.pos = end
	return b, nil
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a uint16 in the current byte order.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

// ReadUint32 reads a uint32 in the current byte order.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

// ReadUint64 reads a uint64 in the current byte order.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// ReadInt8 reads a signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadInt16 reads an int16 in the current byte order.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads an int32 in the current byte order.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads an int64 in the current byte order.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads an IEEE-754 float32 in the current byte order.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads an IEEE-754 float64 in the current byte order.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadPtr reads a platform-sized pointer, widening to uint64.
func (r *Reader) ReadPtr(platform Platform) (uint64, error) {
	if platform.PointerSize() == 8 {
		return r.ReadUint64()
	}
	v, err := r.ReadUint32()
	return uint64(v), err
}

// ReadBytes reads n raw bytes.
func (r *Reader) ReadBytes(n uint64) ([]byte, error) {
	return r.take(n)
}

// ReadCString reads a NUL-terminated string, consuming the terminator.
func (r *Reader) ReadCString() (string, error) {
	start := r.pos
	for i := start; i < uint64(len(r.data)); i++ {
		if r.data[i] == 0 {
			r.pos = i + 1
			return string(r.data[start:i]), nil
		}
	}
	return "", ErrUnterminatedString
}

// WriteAt copies p into the buffer at off without moving the cursor. Used
// by the overwrite work type; the buffer must already span the range.
func (r *Reader) WriteAt(p []byte, off uint64) (int, error) {
	end := off + uint64(len(p))
	if end < off || end > uint64(len(r.data)) {
		return 0, ErrOutsideBoundary
	}
	return copy(r.data[off:end], p), nil
}
