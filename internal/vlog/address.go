package vlog

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrCorruption is returned when an address or record cannot be decoded.
var ErrCorruption = errors.New("vlog: corruption")

// Address locates one framed record inside a vlog file: the record's
// frame (crc ++ length ++ payload) starts at Offset and occupies exactly
// Size bytes, as laid out in the on-disk format.
type Address struct {
	FileNumber uint64
	Offset     uint64
	Size       uint64
}

// Encode appends the three-varint encoding of a to dst and returns the
// extended slice.
func (a Address) Encode(dst []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], a.FileNumber)
	dst = append(dst, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], a.Offset)
	dst = append(dst, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], a.Size)
	dst = append(dst, tmp[:n]...)

	return dst
}

// DecodeAddress parses the three-varint encoding produced by Encode. It
// consumes exactly as many bytes as the three varints occupy; trailing
// bytes in src are ignored.
func DecodeAddress(src []byte) (Address, error) {
	fileNumber, n1 := binary.Uvarint(src)
	if n1 <= 0 {
		return Address{}, errors.Wrap(ErrCorruption, "value address: bad file number varint")
	}
	src = src[n1:]

	offset, n2 := binary.Uvarint(src)
	if n2 <= 0 {
		return Address{}, errors.Wrap(ErrCorruption, "value address: bad offset varint")
	}
	src = src[n2:]

	size, n3 := binary.Uvarint(src)
	if n3 <= 0 {
		return Address{}, errors.Wrap(ErrCorruption, "value address: bad size varint")
	}

	return Address{FileNumber: fileNumber, Offset: offset, Size: size}, nil
}
