package rdb

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when the stream does not start with a snapshot header.
	ErrBadMagic = errors.New("rdb: bad magic")
	// ErrChecksumMismatch is returned when the trailing CRC-64 does not match the content.
	ErrChecksumMismatch = errors.New("rdb: checksum mismatch")
)

// UnknownTypeError reports a record type byte the decoder does not know.
type UnknownTypeError struct {
	Type   byte
	Offset int64
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("rdb: unknown value type %d at offset %d", e.Type, e.Offset)
}

// UnsupportedEncodingError reports a known encoding the decoder will not handle
// (module values, hash field expiry, malformed compact encodings).
type UnsupportedEncodingError struct {
	Encoding string
	Offset   int64
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("rdb: unsupported encoding %s at offset %d", e.Encoding, e.Offset)
}
