package rdb

import (
	"encoding/binary"
	"errors"
	"strconv"
)

var errListpackCorrupt = errors.New("listpack: corrupt")

const listpackHeaderSize = 6

// parseListpack returns every entry of a listpack blob, integers rendered as
// decimal strings.
func parseListpack(b []byte) ([][]byte, error) {
	if len(b) < listpackHeaderSize+1 {
		return nil, errListpackCorrupt
	}
	count := int(binary.LittleEndian.Uint16(b[4:6]))
	out := make([][]byte, 0, count)

	pos := listpackHeaderSize
	for {
		if pos >= len(b) {
			return nil, errListpackCorrupt
		}
		enc := b[pos]
		if enc == 0xff {
			break
		}

		var entry []byte
		var size int // encoding + payload, excluding backlen
		strAt, strLen := -1, 0

		switch {
		case enc&0x80 == 0:
			entry = strconv.AppendInt(nil, int64(enc&0x7f), 10)
			size = 1
		case enc&0xc0 == 0x80:
			strAt, strLen = pos+1, int(enc&0x3f)
			size = 1 + strLen
		case enc&0xe0 == 0xc0:
			if pos+2 > len(b) {
				return nil, errListpackCorrupt
			}
			v := int64(enc&0x1f)<<8 | int64(b[pos+1])
			if v >= 1<<12 {
				v -= 1 << 13
			}
			entry = strconv.AppendInt(nil, v, 10)
			size = 2
		case enc&0xf0 == 0xe0:
			if pos+2 > len(b) {
				return nil, errListpackCorrupt
			}
			strAt, strLen = pos+2, int(enc&0x0f)<<8|int(b[pos+1])
			size = 2 + strLen
		case enc == 0xf0:
			if pos+5 > len(b) {
				return nil, errListpackCorrupt
			}
			strAt, strLen = pos+5, int(binary.LittleEndian.Uint32(b[pos+1:pos+5]))
			size = 5 + strLen
		case enc >= 0xf1 && enc <= 0xf4:
			width := [...]int{2, 3, 4, 8}[enc-0xf1]
			if pos+1+width > len(b) {
				return nil, errListpackCorrupt
			}
			entry = strconv.AppendInt(nil, listpackInt(b[pos+1:pos+1+width]), 10)
			size = 1 + width
		default:
			return nil, errListpackCorrupt
		}

		if strAt >= 0 {
			if strLen < 0 || strAt+strLen > len(b) {
				return nil, errListpackCorrupt
			}
			entry = append([]byte{}, b[strAt:strAt+strLen]...)
		}
		pos += size + listpackBacklenSize(size)
		out = append(out, entry)
	}
	return out, nil
}

// listpackInt sign-extends a little-endian integer of 2, 3, 4 or 8 bytes.
func listpackInt(p []byte) int64 {
	var u uint64
	for i := len(p) - 1; i >= 0; i-- {
		u = u<<8 | uint64(p[i])
	}
	shift := uint(64 - 8*len(p))
	return int64(u<<shift) >> shift
}

func listpackBacklenSize(l int) int {
	switch {
	case l <= 127:
		return 1
	case l < 16383:
		return 2
	case l < 2097151:
		return 3
	case l < 268435455:
		return 4
	}
	return 5
}
