package hashlog

import (
	"errors"
	"fmt"
)

// ErrorCode is the error taxonomy shared by the log, its flash controller and
// the storage protocol. The numeric values are part of the wire format.
type ErrorCode uint8

const (
	// ErrInvalidChecksum means an object's stored checksum does not match its contents
	ErrInvalidChecksum ErrorCode = iota + 1
	// ErrCorruptData means stored bytes could not be interpreted
	ErrCorruptData
	// ErrUnsupportedVersion means an object header carries an unknown version
	ErrUnsupportedVersion
	// ErrObjectTooLarge means the object can never fit in a region
	ErrObjectTooLarge
	// ErrRegionFull means no region has room for the object
	ErrRegionFull
	// ErrReadFail is a flash read failure
	ErrReadFail
	// ErrWriteFail is a flash program failure
	ErrWriteFail
	// ErrEraseFail is a flash erase failure
	ErrEraseFail
	// ErrKeyAlreadyExists means a valid object with the same hash is present
	ErrKeyAlreadyExists
	// ErrKeyNotFound means no valid object with the hash is present
	ErrKeyNotFound
	// ErrBufferTooSmall means a caller-supplied buffer cannot hold the result
	ErrBufferTooSmall
)

var errorCodeNames = map[ErrorCode]string{
	ErrInvalidChecksum:    "InvalidChecksum",
	ErrCorruptData:        "CorruptData",
	ErrUnsupportedVersion: "UnsupportedVersion",
	ErrObjectTooLarge:     "ObjectTooLarge",
	ErrRegionFull:         "RegionFull",
	ErrReadFail:           "ReadFail",
	ErrWriteFail:          "WriteFail",
	ErrEraseFail:          "EraseFail",
	ErrKeyAlreadyExists:   "KeyAlreadyExists",
	ErrKeyNotFound:        "KeyNotFound",
	ErrBufferTooSmall:     "BufferTooSmall",
}

// String returns the code name, e.g. "KeyNotFound"
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// Error implements error
func (c ErrorCode) Error() string {
	return c.String()
}

// MarshalText encodes the code by name. The zero code encodes as "".
func (c ErrorCode) MarshalText() ([]byte, error) {
	if c == 0 {
		return []byte{}, nil
	}
	if _, ok := errorCodeNames[c]; !ok {
		return nil, fmt.Errorf("unknown error code %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a code name produced by MarshalText
func (c *ErrorCode) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = 0
		return nil
	}
	for code, name := range errorCodeNames {
		if name == string(text) {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown error code %q", text)
}

// CodeOf returns the ErrorCode wrapped in err, if any
func CodeOf(err error) (ErrorCode, bool) {
	var code ErrorCode
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

// SuccessCode qualifies a successful operation
type SuccessCode uint8

const (
	// SuccessComplete means the operation finished without writing flash
	SuccessComplete SuccessCode = iota + 1
	// SuccessWritten means the operation finished and flash was programmed
	SuccessWritten
)

// String returns the code name
func (s SuccessCode) String() string {
	switch s {
	case SuccessComplete:
		return "Complete"
	case SuccessWritten:
		return "Written"
	default:
		return fmt.Sprintf("SuccessCode(%d)", uint8(s))
	}
}

// MarshalText encodes the code by name
func (s SuccessCode) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a code name produced by MarshalText
func (s *SuccessCode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Complete":
		*s = SuccessComplete
	case "Written":
		*s = SuccessWritten
	default:
		return fmt.Errorf("unknown success code %q", text)
	}
	return nil
}
