package btree

import (
	"bytes"
	"encoding/binary"
)

// KeyComparator orders two fixed-width keys: negative, zero, or positive as
// a is less than, equal to, or greater than b.
type KeyComparator func(a, b []byte) int

// BytesComparator orders keys lexicographically over their raw bytes.
func BytesComparator(a, b []byte) int { return bytes.Compare(a, b) }

// Int64KeySize is the width of keys produced by EncodeInt64Key.
const Int64KeySize = 8

// EncodeInt64Key encodes v so that BytesComparator orders encoded keys the
// same way as the signed integers: big-endian with the sign bit flipped.
func EncodeInt64Key(v int64) []byte {
	buf := make([]byte, Int64KeySize)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

// DecodeInt64Key reverses EncodeInt64Key.
func DecodeInt64Key(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}
