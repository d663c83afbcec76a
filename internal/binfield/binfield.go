// Package binfield assembles fixed-layout binary records field by field.
//
// ZIP structures are sequences of little-endian integers and raw byte
// strings; ustar headers are sequences of fixed-width ASCII and
// NUL-terminated octal fields. A Record supports both so that the encoders
// can declare a structure in wire order and obtain the exact bytes.
package binfield

import (
	"encoding/binary"
	"strconv"
)

// Record accumulates wire-format fields in append order.
type Record struct {
	buf []byte
}

// New returns a Record with capacity for sizeHint bytes.
func New(sizeHint int) *Record {
	return &Record{buf: make([]byte, 0, sizeHint)}
}

// Uint16 appends v little-endian.
func (r *Record) Uint16(v uint16) *Record {
	r.buf = binary.LittleEndian.AppendUint16(r.buf, v)
	return r
}

// Uint32 appends v little-endian.
func (r *Record) Uint32(v uint32) *Record {
	r.buf = binary.LittleEndian.AppendUint32(r.buf, v)
	return r
}

// Uint64 appends v little-endian. Where a format describes two consecutive
// 32-bit fields holding the low and high halves of a 64-bit value, this
// produces the identical bytes.
func (r *Record) Uint64(v uint64) *Record {
	r.buf = binary.LittleEndian.AppendUint64(r.buf, v)
	return r
}

// Bytes appends p verbatim.
func (r *Record) Bytes(p []byte) *Record {
	r.buf = append(r.buf, p...)
	return r
}

// String appends s verbatim.
func (r *Record) String(s string) *Record {
	r.buf = append(r.buf, s...)
	return r
}

// Field appends s into a fixed-width field, truncated at width and padded
// with fill bytes.
func (r *Record) Field(s string, width int, fill byte) *Record {
	if len(s) > width {
		s = s[:width]
	}
	r.buf = append(r.buf, s...)
	return r.Fill(width-len(s), fill)
}

// Octal appends v as a NUL-terminated, zero-padded octal number occupying
// width bytes, the ustar numeric field layout. Values needing more than
// width-1 digits keep only the low-order digits so the field never grows.
func (r *Record) Octal(v int64, width int) *Record {
	s := strconv.FormatInt(v, 8)
	if len(s) > width-1 {
		s = s[len(s)-width+1:]
	}
	for pad := width - 1 - len(s); pad > 0; pad-- {
		r.buf = append(r.buf, '0')
	}
	r.buf = append(r.buf, s...)
	r.buf = append(r.buf, 0)
	return r
}

// Fill appends n fill bytes.
func (r *Record) Fill(n int, fill byte) *Record {
	for ; n > 0; n-- {
		r.buf = append(r.buf, fill)
	}
	return r
}

// Len reports the number of bytes accumulated so far.
func (r *Record) Len() int {
	return len(r.buf)
}

// Build returns the accumulated bytes.
func (r *Record) Build() []byte {
	return r.buf
}
