// Package keyhash maps variable-length keys onto the 64-bit key space of the
// hashed log.
//
// Keys are hashed with SipHash-2-4 under an all-zero key. The input is the key
// length as a little-endian uint32 followed by the key bytes, mirroring how the
// storage firmware on the 32-bit target hashes byte slices.
package keyhash

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// SentinelKey is the reserved identifier whose hash seeds the main-key slot
// of a freshly initialised log. A user key with the same bytes hashes to the
// same slot and is rejected as already present.
const SentinelKey = "hashlog-super-key"

const (
	k0 uint64 = 0
	k1 uint64 = 0
)

// Sum returns the hash of key
func Sum(key []byte) uint64 {
	msg := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(msg, uint32(len(key)))
	copy(msg[4:], key)
	return siphash.Hash(k0, k1, msg)
}

// SumString is Sum for a string
func SumString(key string) uint64 {
	return Sum([]byte(key))
}

// Sentinel returns the hash of SentinelKey
func Sentinel() uint64 {
	return SumString(SentinelKey)
}
