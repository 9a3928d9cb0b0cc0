package utils

import "encoding/binary"

// PutVarlen appends a varint32-length-prefixed slice to dst, matching the
// on-disk varlen(x) := varint32(len(x)) ++ x framing used by the vlog
// payload and SSTable key/value encodings.
func PutVarlen(dst []byte, x []byte) []byte {
	var tmp [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(tmp[:], uint64(len(x)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, x...)
	return dst
}

// VarlenSize returns the encoded size of PutVarlen(nil, x) without allocating.
func VarlenSize(x []byte) int {
	return UvarintSize(uint64(len(x))) + len(x)
}

// GetVarlen reads a varlen(x) field from src, returning the slice and the
// number of bytes consumed. ok is false if src is truncated.
func GetVarlen(src []byte) (value []byte, n int, ok bool) {
	l, ln := binary.Uvarint(src)
	if ln <= 0 {
		return nil, 0, false
	}
	end := ln + int(l)
	if end > len(src) || end < ln {
		return nil, 0, false
	}
	return src[ln:end], end, true
}

// UvarintSize returns the number of bytes binary.PutUvarint would emit for x.
func UvarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
