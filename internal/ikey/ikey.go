// Package ikey encodes the internal keys the LSM collaborator stores in
// place of raw user keys: a user key tagged with the sequence number and
// kind (value or deletion) of the write that produced it, so that
// multiple versions of the same user key can coexist in a memtable or
// SSTable and be ordered the way MVCC snapshot reads need.
package ikey

import (
	"bytes"
	"encoding/binary"
)

// Kind distinguishes a live value from a tombstone within an internal key.
type Kind uint8

const (
	KindDeletion Kind = 0
	KindValue    Kind = 1
)

const tagSize = 8

// MaxSequence is the largest sequence number representable in an internal
// key's tag; a seek key built with it sorts before every real version
// of a given user key.
const MaxSequence = uint64(1)<<56 - 1

// Encode appends the internal-key encoding of (userKey, seq, kind) to dst:
// the user key followed by an 8-byte tag such that, for equal user keys,
// ascending byte comparison of the whole encoding orders by descending
// sequence number. This is the standard LSM "internal key" trick (as in
// original_source/db/dbformat.*): the tag stores seq<<8|kind, but we pack
// its bitwise complement so plain bytes.Compare gives us descending seq
// without a custom comparator.
func Encode(dst []byte, userKey []byte, seq uint64, kind Kind) []byte {
	dst = append(dst, userKey...)
	tag := seq<<8 | uint64(kind)
	var buf [tagSize]byte
	binary.BigEndian.PutUint64(buf[:], ^tag)
	return append(dst, buf[:]...)
}

// Append is a convenience wrapper returning a freshly allocated encoding.
func Append(userKey []byte, seq uint64, kind Kind) []byte {
	return Encode(make([]byte, 0, len(userKey)+tagSize), userKey, seq, kind)
}

// Decode splits an internal key back into its user key, sequence number,
// and kind. ok is false if encoded is shorter than the fixed tag.
func Decode(encoded []byte) (userKey []byte, seq uint64, kind Kind, ok bool) {
	if len(encoded) < tagSize {
		return nil, 0, 0, false
	}
	n := len(encoded) - tagSize
	tag := ^binary.BigEndian.Uint64(encoded[n:])
	return encoded[:n], tag >> 8, Kind(tag & 0xff), true
}

// UserKey returns just the user-key prefix of an internal key, without
// validating or decoding the tag.
func UserKey(encoded []byte) []byte {
	if len(encoded) < tagSize {
		return encoded
	}
	return encoded[:len(encoded)-tagSize]
}

// SeekKey returns the internal key that sorts immediately before every
// version of userKey at or below seq: encoding userKey with the given
// seq and KindValue (the larger of the two Kind values), since a smaller
// kind produces a larger tag-complement and so would sort after. This
// mirrors original_source's kValueTypeForSeek.
func SeekKey(userKey []byte, seq uint64) []byte {
	return Append(userKey, seq, KindValue)
}

// Compare orders two internal key encodings: ascending user key, then
// descending sequence number. Because Encode already arranges for this
// via plain byte ordering, Compare is just bytes.Compare — exported here
// so callers never need to know that detail.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
