package rdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// readChunk bounds a single allocation while reading a length-prefixed
// payload, so a corrupt length fails on short read instead of on allocation.
const readChunk = 1 << 20

// reader tracks the byte offset and the running checksum of everything read.
type reader struct {
	r    *bufio.Reader
	off  int64
	crc  uint64
	hash bool
	one  [1]byte
	buf  [8]byte
}

func newReader(r io.Reader) *reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &reader{r: br, hash: true}
}

func (r *reader) shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("rdb: short read at offset %d: %w", r.off, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("rdb: read at offset %d: %w", r.off, err)
}

func (r *reader) fill(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	if r.hash {
		r.crc = crc64Jones(r.crc, p[:n])
	}
	r.off += int64(n)
	if err != nil {
		return r.shortRead(err)
	}
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.fill(r.one[:]); err != nil {
		return 0, err
	}
	return r.one[0], nil
}

// readBytes reads exactly n bytes into a fresh slice.
func (r *reader) readBytes(n uint64) ([]byte, error) {
	if n <= readChunk {
		p := make([]byte, n)
		if err := r.fill(p); err != nil {
			return nil, err
		}
		return p, nil
	}
	p := make([]byte, 0, readChunk)
	for remaining := n; remaining > 0; {
		step := remaining
		if step > readChunk {
			step = readChunk
		}
		start := len(p)
		p = append(p, make([]byte, step)...)
		if err := r.fill(p[start:]); err != nil {
			return nil, err
		}
		remaining -= step
	}
	return p, nil
}

func (r *reader) skip(n uint64) error {
	for n > 0 {
		step := n
		if step > uint64(len(r.buf)) {
			step = uint64(len(r.buf))
		}
		if err := r.fill(r.buf[:step]); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (r *reader) readUint32LE() (uint32, error) {
	if err := r.fill(r.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[:4]), nil
}

func (r *reader) readUint64LE() (uint64, error) {
	if err := r.fill(r.buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[:8]), nil
}

// readLength decodes a variable-width length. When special is true the
// value is an encoding selector rather than a length.
func (r *reader) readLength() (length uint64, special bool, err error) {
	b, err := r.readByte()
	if err != nil {
		return 0, false, err
	}
	switch b >> 6 {
	case len6Bit:
		return uint64(b & 0x3f), false, nil
	case len14Bit:
		next, err := r.readByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3f)<<8 | uint64(next), false, nil
	case lenSpecial:
		return uint64(b & 0x3f), true, nil
	}
	switch b {
	case len32Bit:
		if err := r.fill(r.buf[:4]); err != nil {
			return 0, false, err
		}
		return uint64(binary.BigEndian.Uint32(r.buf[:4])), false, nil
	case len64Bit:
		if err := r.fill(r.buf[:8]); err != nil {
			return 0, false, err
		}
		return binary.BigEndian.Uint64(r.buf[:8]), false, nil
	}
	return 0, false, &UnsupportedEncodingError{Encoding: fmt.Sprintf("length prefix 0x%02x", b), Offset: r.off - 1}
}

// readLen is readLength for places where a special encoding is invalid.
func (r *reader) readLen() (uint64, error) {
	n, special, err := r.readLength()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, &UnsupportedEncodingError{Encoding: "special length", Offset: r.off - 1}
	}
	return n, nil
}

// readString decodes a length-prefixed string, integer-encoded string or
// LZF-compressed string.
func (r *reader) readString() ([]byte, error) {
	n, special, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if !special {
		return r.readBytes(n)
	}

	switch n {
	case encInt8:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case encInt16:
		if err := r.fill(r.buf[:2]); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int16(binary.LittleEndian.Uint16(r.buf[:2]))), 10), nil
	case encInt32:
		v, err := r.readUint32LE()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int32(v)), 10), nil
	case encLZF:
		start := r.off
		clen, err := r.readLen()
		if err != nil {
			return nil, err
		}
		ulen, err := r.readLen()
		if err != nil {
			return nil, err
		}
		compressed, err := r.readBytes(clen)
		if err != nil {
			return nil, err
		}
		out, err := lzfDecompress(compressed, ulen)
		if err != nil {
			return nil, fmt.Errorf("rdb: lzf string at offset %d: %w", start, err)
		}
		return out, nil
	}
	return nil, &UnsupportedEncodingError{Encoding: fmt.Sprintf("string encoding %d", n), Offset: r.off - 1}
}

// readDoubleString decodes the legacy text score: a one-byte length followed
// by ASCII, with 253/254/255 standing for NaN, +inf and -inf.
func (r *reader) readDoubleString() (float64, error) {
	n, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch n {
	case 253:
		return math.NaN(), nil
	case 254:
		return math.Inf(1), nil
	case 255:
		return math.Inf(-1), nil
	}
	p, err := r.readBytes(uint64(n))
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(string(p), 64)
	if err != nil {
		return 0, &UnsupportedEncodingError{Encoding: fmt.Sprintf("score %q", p), Offset: r.off - int64(n)}
	}
	return f, nil
}

func (r *reader) readBinaryDouble() (float64, error) {
	v, err := r.readUint64LE()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// formatScore renders a sorted-set score the way the destination parses it.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', 17, 64)
}
