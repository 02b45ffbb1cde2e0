package rdb

import (
	"errors"
	"fmt"
)

var errLZFCorrupt = errors.New("lzf: corrupt input")

// lzfMaxExpansion bounds output per input byte: the densest token is a
// three-byte long back-reference producing 264 bytes.
const lzfMaxExpansion = 88

// lzfDecompress expands an LZF payload into exactly outLen bytes.
//
// A control byte below 32 starts a literal run of ctrl+1 bytes. Otherwise the
// top three bits hold the back-reference length minus two (7 means an extra
// length byte follows) and the low five bits plus the next byte hold the
// distance minus one.
func lzfDecompress(in []byte, outLen uint64) ([]byte, error) {
	if outLen > uint64(len(in))*lzfMaxExpansion {
		return nil, fmt.Errorf("%w: %d bytes cannot expand to %d", errLZFCorrupt, len(in), outLen)
	}
	out := make([]byte, 0, outLen)
	i := 0
	for i < len(in) {
		ctrl := int(in[i])
		i++

		if ctrl < 32 {
			run := ctrl + 1
			if i+run > len(in) || uint64(len(out)+run) > outLen {
				return nil, errLZFCorrupt
			}
			out = append(out, in[i:i+run]...)
			i += run
			continue
		}

		length := ctrl >> 5
		if length == 7 {
			if i >= len(in) {
				return nil, errLZFCorrupt
			}
			length += int(in[i])
			i++
		}
		length += 2
		if i >= len(in) {
			return nil, errLZFCorrupt
		}
		ref := len(out) - ((ctrl & 0x1f) << 8) - int(in[i]) - 1
		i++
		if ref < 0 || uint64(len(out)+length) > outLen {
			return nil, errLZFCorrupt
		}
		// Byte at a time: source and destination overlap for runs.
		for k := 0; k < length; k++ {
			out = append(out, out[ref+k])
		}
	}
	if uint64(len(out)) != outLen {
		return nil, fmt.Errorf("%w: expanded to %d bytes, expected %d", errLZFCorrupt, len(out), outLen)
	}
	return out, nil
}
