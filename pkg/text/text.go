// Package text implements the fixed-capacity UTF-8 key and value buffers
// carried by the storage protocol.
package text

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxKeySize is the capacity of a Key in bytes
	MaxKeySize = 32
	// MaxValueSize is the capacity of a Value in bytes
	MaxValueSize = 256
)

var (
	// ErrTooLong is returned when the input exceeds the buffer capacity
	ErrTooLong = errors.New("text too long")
	// ErrInvalidText is returned when the input is not valid UTF-8
	ErrInvalidText = errors.New("text is not valid UTF-8")
)

// Key is an immutable UTF-8 string of at most MaxKeySize bytes.
// The zero value is the empty key. Keys are comparable with ==.
type Key struct {
	buf [MaxKeySize]byte
	n   uint8
}

// Value is an immutable UTF-8 string of at most MaxValueSize bytes.
// The zero value is the empty value. Values are comparable with ==.
type Value struct {
	buf [MaxValueSize]byte
	n   uint16
}

func validate(b []byte, capacity int) error {
	if len(b) > capacity {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrTooLong, len(b), capacity)
	}
	if !utf8.Valid(b) {
		return ErrInvalidText
	}
	return nil
}

// NewKey copies b into a Key
func NewKey(b []byte) (Key, error) {
	var k Key
	if err := validate(b, MaxKeySize); err != nil {
		return k, err
	}
	k.n = uint8(copy(k.buf[:], b))
	return k, nil
}

// KeyFromString is NewKey for a string
func KeyFromString(s string) (Key, error) {
	return NewKey([]byte(s))
}

// MustKey is KeyFromString that panics on error. Intended for constants and tests.
func MustKey(s string) Key {
	k, err := KeyFromString(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Bytes returns a copy of the key bytes
func (k Key) Bytes() []byte {
	return append([]byte(nil), k.buf[:k.n]...)
}

// String returns the key as a string
func (k Key) String() string {
	return string(k.buf[:k.n])
}

// Len returns the key length in bytes
func (k Key) Len() int {
	return int(k.n)
}

// MarshalJSON encodes the key as a JSON string
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a JSON string, enforcing the key constraints
func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := KeyFromString(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NewValue copies b into a Value
func NewValue(b []byte) (Value, error) {
	var v Value
	if err := validate(b, MaxValueSize); err != nil {
		return v, err
	}
	v.n = uint16(copy(v.buf[:], b))
	return v, nil
}

// ValueFromString is NewValue for a string
func ValueFromString(s string) (Value, error) {
	return NewValue([]byte(s))
}

// MustValue is ValueFromString that panics on error. Intended for constants and tests.
func MustValue(s string) Value {
	v, err := ValueFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Bytes returns a copy of the value bytes
func (v Value) Bytes() []byte {
	return append([]byte(nil), v.buf[:v.n]...)
}

// String returns the value as a string
func (v Value) String() string {
	return string(v.buf[:v.n])
}

// Len returns the value length in bytes
func (v Value) Len() int {
	return int(v.n)
}

// MarshalJSON encodes the value as a JSON string
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a JSON string, enforcing the value constraints
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ValueFromString(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
