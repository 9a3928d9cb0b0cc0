package vlog

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"

	"github.com/pkg/errors"
)

// Record framing: crc32c_masked(4 LE) ++ length(8 LE) ++ payload, where
// payload := type_byte(1) ++ varlen(user_key) ++ varlen(user_value).
const (
	headerSize = 12
	typeValue  = byte(0x01)

	// maskDelta is the same rotate-and-add constant LevelDB/RocksDB use to
	// mask CRCs before storing them, so that a record consisting entirely
	// of zero bytes doesn't produce a deceptively "valid-looking" zero crc.
	maskDelta = 0xa282ead8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskCRC(crc uint32) uint32 {
	return bits.RotateLeft32(crc, 17) + maskDelta
}

func unmaskCRC(masked uint32) uint32 {
	rot := masked - maskDelta
	return bits.RotateLeft32(rot, 15)
}

// frameSize returns the total on-disk size of a record framing the given
// user key/value pair.
func frameSize(userKey, userValue []byte) int {
	payloadLen := 1 + uvarintLen(uint64(len(userKey))) + len(userKey) +
		uvarintLen(uint64(len(userValue))) + len(userValue)
	return headerSize + payloadLen
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// appendFrame appends one framed record for (userKey, userValue) to dst and
// returns the extended slice.
func appendFrame(dst []byte, userKey, userValue []byte) []byte {
	payloadLen := 1 + uvarintLen(uint64(len(userKey))) + len(userKey) +
		uvarintLen(uint64(len(userValue))) + len(userValue)

	payload := make([]byte, 0, payloadLen)
	payload = append(payload, typeValue)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(userKey)))
	payload = append(payload, tmp[:n]...)
	payload = append(payload, userKey...)
	n = binary.PutUvarint(tmp[:], uint64(len(userValue)))
	payload = append(payload, tmp[:n]...)
	payload = append(payload, userValue...)

	crc := maskCRC(crc32.Checksum(payload, castagnoli))

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], crc)
	binary.LittleEndian.PutUint64(header[4:12], uint64(len(payload)))

	dst = append(dst, header[:]...)
	dst = append(dst, payload...)
	return dst
}

// parseFrame validates and decodes one complete frame (header + payload)
// read from disk or from the writer's in-memory buffer. It returns the
// user value bytes (copied, safe to retain past the lifetime of frame).
func parseFrame(frame []byte) (userKey, userValue []byte, err error) {
	if len(frame) < headerSize {
		return nil, nil, errors.Wrap(ErrCorruption, "short vlog read")
	}

	storedCRC := binary.LittleEndian.Uint32(frame[0:4])
	length := binary.LittleEndian.Uint64(frame[4:12])
	payload := frame[headerSize:]

	if uint64(len(payload)) != length {
		return nil, nil, errors.Wrap(ErrCorruption, "short vlog read")
	}

	gotCRC := maskCRC(crc32.Checksum(payload, castagnoli))
	if gotCRC != storedCRC {
		return nil, nil, errors.Wrap(ErrCorruption, "failed to decode value from vlog")
	}

	if len(payload) < 1 || payload[0] != typeValue {
		return nil, nil, errors.Wrap(ErrCorruption, "failed to decode value from vlog")
	}
	rest := payload[1:]

	k, n, ok := getVarlen(rest)
	if !ok {
		return nil, nil, errors.Wrap(ErrCorruption, "failed to decode value from vlog")
	}
	rest = rest[n:]

	v, n, ok := getVarlen(rest)
	if !ok {
		return nil, nil, errors.Wrap(ErrCorruption, "failed to decode value from vlog")
	}
	rest = rest[n:]
	if len(rest) != 0 {
		return nil, nil, errors.Wrap(ErrCorruption, "failed to decode value from vlog")
	}

	keyCopy := append([]byte(nil), k...)
	valCopy := append([]byte(nil), v...)
	return keyCopy, valCopy, nil
}

func getVarlen(src []byte) (value []byte, n int, ok bool) {
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
