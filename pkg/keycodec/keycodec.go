// Package keycodec packs blob-property keys into order-preserving byte strings.
//
// A key is the satellite key followed, optionally, by the last-modified stamp:
//
//	[0:4]  sat_key        big-endian uint32(sat_key) ^ 0x80000000
//	[4:12] last_modified  big-endian uint64(last_modified) ^ 1<<63
//
// Flipping the sign bit makes unsigned byte-wise comparison agree with signed
// integer comparison over the full range, so negative sat_keys sort before
// zero and positive ones instead of after them.
package keycodec

import (
	"bytes"
	"encoding/binary"
)

const (
	// SatKeySize is the length of a sat_key-only key.
	SatKeySize = 4
	// KeySize is the length of a sat_key+last_modified key.
	KeySize = SatKeySize + 8

	signBit32 = uint32(1) << 31
	signBit64 = uint64(1) << 63
)

// PackSatKey encodes satKey alone. The result is a prefix of every PackKey
// output for the same satKey.
func PackSatKey(satKey int32) []byte {
	buf := make([]byte, SatKeySize)
	binary.BigEndian.PutUint32(buf, uint32(satKey)^signBit32)
	return buf
}

// PackKey encodes satKey followed by lastModified.
func PackKey(satKey int32, lastModified int64) []byte {
	buf := make([]byte, KeySize)
	binary.BigEndian.PutUint32(buf, uint32(satKey)^signBit32)
	binary.BigEndian.PutUint64(buf[SatKeySize:], uint64(lastModified)^signBit64)
	return buf
}

// UnpackLastModified decodes the trailing timestamp of a full key. It reports
// false when key is not exactly KeySize bytes long.
func UnpackLastModified(key []byte) (int64, bool) {
	if len(key) != KeySize {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[SatKeySize:]) ^ signBit64), true
}

// UnpackKey decodes both fields of a full key, with the same length check as
// UnpackLastModified.
func UnpackKey(key []byte) (satKey int32, lastModified int64, ok bool) {
	if len(key) != KeySize {
		return 0, 0, false
	}
	satKey = int32(binary.BigEndian.Uint32(key) ^ signBit32)
	lastModified = int64(binary.BigEndian.Uint64(key[SatKeySize:]) ^ signBit64)
	return satKey, lastModified, true
}

// HasSatKeyPrefix reports whether key starts with the encoding of satKey.
func HasSatKeyPrefix(key []byte, satKey int32) bool {
	if len(key) < SatKeySize {
		return false
	}
	var prefix [SatKeySize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(satKey)^signBit32)
	return bytes.Equal(key[:SatKeySize], prefix[:])
}
