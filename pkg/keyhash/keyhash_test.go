package keyhash

import (
	"encoding/binary"
	"testing"

	"github.com/dchest/siphash"
)

func TestSumDeterministic(t *testing.T) {
	a := SumString("ONE")
	b := Sum([]byte("ONE"))
	if a != b {
		t.Fatalf("expected identical hashes, got %x and %x", a, b)
	}
	if a == SumString("TWO") {
		t.Errorf("distinct keys produced the same hash %x", a)
	}
}

func TestSumIncludesLengthPrefix(t *testing.T) {
	key := []byte("missing")
	msg := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(msg, uint32(len(key)))
	copy(msg[4:], key)

	if got, want := Sum(key), siphash.Hash(0, 0, msg); got != want {
		t.Errorf("expected %x, got %x", want, got)
	}
	if Sum(key) == siphash.Hash(0, 0, key) {
		t.Error("hash should not equal SipHash of the raw bytes")
	}
}

func TestEmptyKey(t *testing.T) {
	// Empty keys are legal and hash to SipHash of a zero length prefix
	if got, want := Sum(nil), siphash.Hash(0, 0, []byte{0, 0, 0, 0}); got != want {
		t.Errorf("expected %x, got %x", want, got)
	}
}

func TestSentinel(t *testing.T) {
	if Sentinel() != SumString(SentinelKey) {
		t.Error("sentinel hash does not match the hash of SentinelKey")
	}
	if Sentinel() == SumString("") {
		t.Error("sentinel collides with the empty key")
	}
}
