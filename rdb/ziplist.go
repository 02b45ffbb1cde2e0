package rdb

import (
	"encoding/binary"
	"errors"
	"strconv"
)

var errZiplistCorrupt = errors.New("ziplist: corrupt")

const ziplistHeaderSize = 10

// parseZiplist returns every entry of a ziplist blob, integers rendered as
// decimal strings.
func parseZiplist(b []byte) ([][]byte, error) {
	if len(b) < ziplistHeaderSize+1 {
		return nil, errZiplistCorrupt
	}
	count := int(binary.LittleEndian.Uint16(b[8:10]))
	out := make([][]byte, 0, count)

	pos := ziplistHeaderSize
	for {
		if pos >= len(b) {
			return nil, errZiplistCorrupt
		}
		if b[pos] == 0xff {
			break
		}

		// prevlen
		if b[pos] < 254 {
			pos++
		} else {
			pos += 5
		}
		if pos >= len(b) {
			return nil, errZiplistCorrupt
		}

		enc := b[pos]
		var entry []byte
		var n int
		switch enc >> 6 {
		case 0:
			n = int(enc & 0x3f)
			pos++
		case 1:
			if pos+2 > len(b) {
				return nil, errZiplistCorrupt
			}
			n = int(enc&0x3f)<<8 | int(b[pos+1])
			pos += 2
		case 2:
			if pos+5 > len(b) {
				return nil, errZiplistCorrupt
			}
			n = int(binary.BigEndian.Uint32(b[pos+1 : pos+5]))
			pos += 5
		default:
			v, size, err := ziplistInt(b, pos)
			if err != nil {
				return nil, err
			}
			entry = strconv.AppendInt(nil, v, 10)
			pos += size
			n = -1
		}
		if n >= 0 {
			if n > len(b)-pos {
				return nil, errZiplistCorrupt
			}
			entry = append([]byte{}, b[pos:pos+n]...)
			pos += n
		}
		out = append(out, entry)
	}
	return out, nil
}

// ziplistInt decodes an integer entry starting at the encoding byte and
// returns the value and the bytes consumed, encoding byte included.
func ziplistInt(b []byte, pos int) (int64, int, error) {
	enc := b[pos]
	need := func(n int) error {
		if pos+1+n > len(b) {
			return errZiplistCorrupt
		}
		return nil
	}
	switch enc {
	case 0xc0:
		if err := need(2); err != nil {
			return 0, 0, err
		}
		return int64(int16(binary.LittleEndian.Uint16(b[pos+1:]))), 3, nil
	case 0xd0:
		if err := need(4); err != nil {
			return 0, 0, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b[pos+1:]))), 5, nil
	case 0xe0:
		if err := need(8); err != nil {
			return 0, 0, err
		}
		return int64(binary.LittleEndian.Uint64(b[pos+1:])), 9, nil
	case 0xf0:
		if err := need(3); err != nil {
			return 0, 0, err
		}
		v := int32(uint32(b[pos+1])<<8|uint32(b[pos+2])<<16|uint32(b[pos+3])<<24) >> 8
		return int64(v), 4, nil
	case 0xfe:
		if err := need(1); err != nil {
			return 0, 0, err
		}
		return int64(int8(b[pos+1])), 2, nil
	}
	if enc >= 0xf1 && enc <= 0xfd {
		return int64(enc&0x0f) - 1, 1, nil
	}
	return 0, 0, errZiplistCorrupt
}
