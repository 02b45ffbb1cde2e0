package rdb

import (
	"encoding/binary"
	"errors"
	"strconv"
)

var errIntsetCorrupt = errors.New("intset: corrupt")

func parseIntset(b []byte) ([][]byte, error) {
	if len(b) < 8 {
		return nil, errIntsetCorrupt
	}
	width := int(binary.LittleEndian.Uint32(b[0:4]))
	count := int(binary.LittleEndian.Uint32(b[4:8]))
	if width != 2 && width != 4 && width != 8 {
		return nil, errIntsetCorrupt
	}
	if count < 0 || len(b)-8 < count*width {
		return nil, errIntsetCorrupt
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		p := b[8+i*width:]
		var v int64
		switch width {
		case 2:
			v = int64(int16(binary.LittleEndian.Uint16(p)))
		case 4:
			v = int64(int32(binary.LittleEndian.Uint32(p)))
		default:
			v = int64(binary.LittleEndian.Uint64(p))
		}
		out = append(out, strconv.AppendInt(nil, v, 10))
	}
	return out, nil
}
