package rdb

import (
	"encoding/binary"
	"errors"
)

var errZipmapCorrupt = errors.New("zipmap: corrupt")

const (
	zipmapBigLen = 254
	zipmapEnd    = 255
)

// parseZipmap returns alternating field/value entries.
func parseZipmap(b []byte) ([][]byte, error) {
	if len(b) < 2 {
		return nil, errZipmapCorrupt
	}
	pos := 1 // zmlen is only a hint
	readLen := func() (int, bool, error) {
		if pos >= len(b) {
			return 0, false, errZipmapCorrupt
		}
		switch l := b[pos]; {
		case l == zipmapEnd:
			pos++
			return 0, true, nil
		case l < zipmapBigLen:
			pos++
			return int(l), false, nil
		}
		if pos+5 > len(b) {
			return 0, false, errZipmapCorrupt
		}
		n := int(binary.LittleEndian.Uint32(b[pos+1 : pos+5]))
		pos += 5
		return n, false, nil
	}
	take := func(n int) ([]byte, error) {
		if n < 0 || pos+n > len(b) {
			return nil, errZipmapCorrupt
		}
		p := append([]byte{}, b[pos:pos+n]...)
		pos += n
		return p, nil
	}

	var out [][]byte
	for {
		klen, end, err := readLen()
		if err != nil {
			return nil, err
		}
		if end {
			return out, nil
		}
		key, err := take(klen)
		if err != nil {
			return nil, err
		}
		vlen, end, err := readLen()
		if err != nil {
			return nil, err
		}
		if end || pos >= len(b) {
			return nil, errZipmapCorrupt
		}
		free := int(b[pos])
		pos++
		val, err := take(vlen)
		if err != nil {
			return nil, err
		}
		pos += free
		out = append(out, key, val)
	}
}
