package rdb

import (
	"encoding/binary"
	"math"
	"strconv"
)

// canonicalInt reports whether p is the decimal form of an int64.
func canonicalInt(p []byte) (int64, bool) {
	if len(p) == 0 || len(p) > 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(string(p), 10, 64)
	if err != nil || strconv.FormatInt(v, 10) != string(p) {
		return 0, false
	}
	return v, true
}

// EncodeListpack builds a listpack blob, integer-encoding canonical integers.
func EncodeListpack(entries [][]byte) []byte {
	out := make([]byte, listpackHeaderSize, 64)
	for _, e := range entries {
		start := len(out)
		if v, ok := canonicalInt(e); ok {
			switch {
			case v >= 0 && v <= 127:
				out = append(out, byte(v))
			case v >= -4096 && v <= 4095:
				u := uint16(v) & 0x1fff
				out = append(out, 0xc0|byte(u>>8), byte(u))
			case v >= math.MinInt16 && v <= math.MaxInt16:
				out = append(out, 0xf1)
				out = binary.LittleEndian.AppendUint16(out, uint16(v))
			case v >= -(1<<23) && v < 1<<23:
				u := uint32(v)
				out = append(out, 0xf2, byte(u), byte(u>>8), byte(u>>16))
			case v >= math.MinInt32 && v <= math.MaxInt32:
				out = append(out, 0xf3)
				out = binary.LittleEndian.AppendUint32(out, uint32(v))
			default:
				out = append(out, 0xf4)
				out = binary.LittleEndian.AppendUint64(out, uint64(v))
			}
		} else {
			switch n := len(e); {
			case n < 64:
				out = append(out, 0x80|byte(n))
			case n < 4096:
				out = append(out, 0xe0|byte(n>>8), byte(n))
			default:
				out = append(out, 0xf0)
				out = binary.LittleEndian.AppendUint32(out, uint32(n))
			}
			out = append(out, e...)
		}
		out = appendBacklen(out, len(out)-start)
	}
	out = append(out, 0xff)

	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	count := len(entries)
	if count > math.MaxUint16 {
		count = math.MaxUint16
	}
	binary.LittleEndian.PutUint16(out[4:6], uint16(count))
	return out
}

func appendBacklen(out []byte, l int) []byte {
	switch listpackBacklenSize(l) {
	case 1:
		return append(out, byte(l))
	case 2:
		return append(out, byte(l>>7), byte(l&127)|128)
	case 3:
		return append(out, byte(l>>14), byte((l>>7)&127)|128, byte(l&127)|128)
	case 4:
		return append(out, byte(l>>21), byte((l>>14)&127)|128, byte((l>>7)&127)|128, byte(l&127)|128)
	}
	return append(out, byte(l>>28), byte((l>>21)&127)|128, byte((l>>14)&127)|128, byte((l>>7)&127)|128, byte(l&127)|128)
}

// EncodeZiplist builds a ziplist blob, integer-encoding canonical integers.
func EncodeZiplist(entries [][]byte) []byte {
	out := make([]byte, ziplistHeaderSize, 64)
	prev, tail := 0, ziplistHeaderSize
	for _, e := range entries {
		start := len(out)
		tail = start
		if prev < 254 {
			out = append(out, byte(prev))
		} else {
			out = append(out, 0xfe)
			out = binary.LittleEndian.AppendUint32(out, uint32(prev))
		}

		if v, ok := canonicalInt(e); ok {
			switch {
			case v >= 0 && v <= 12:
				out = append(out, 0xf1+byte(v))
			case v >= math.MinInt8 && v <= math.MaxInt8:
				out = append(out, 0xfe, byte(int8(v)))
			case v >= math.MinInt16 && v <= math.MaxInt16:
				out = append(out, 0xc0)
				out = binary.LittleEndian.AppendUint16(out, uint16(v))
			case v >= -(1<<23) && v < 1<<23:
				u := uint32(v)
				out = append(out, 0xf0, byte(u), byte(u>>8), byte(u>>16))
			case v >= math.MinInt32 && v <= math.MaxInt32:
				out = append(out, 0xd0)
				out = binary.LittleEndian.AppendUint32(out, uint32(v))
			default:
				out = append(out, 0xe0)
				out = binary.LittleEndian.AppendUint64(out, uint64(v))
			}
		} else {
			switch n := len(e); {
			case n < 64:
				out = append(out, byte(n))
			case n < 16384:
				out = append(out, 0x40|byte(n>>8), byte(n))
			default:
				out = append(out, 0x80)
				out = binary.BigEndian.AppendUint32(out, uint32(n))
			}
			out = append(out, e...)
		}
		prev = len(out) - start
	}
	out = append(out, 0xff)

	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(tail))
	count := len(entries)
	if count > math.MaxUint16 {
		count = math.MaxUint16
	}
	binary.LittleEndian.PutUint16(out[8:10], uint16(count))
	return out
}

// EncodeIntset builds an intset blob; values should already be sorted.
func EncodeIntset(values []int64) []byte {
	width := 2
	for _, v := range values {
		if v < math.MinInt32 || v > math.MaxInt32 {
			width = 8
			break
		}
		if v < math.MinInt16 || v > math.MaxInt16 {
			width = 4
		}
	}
	out := make([]byte, 0, 8+width*len(values))
	out = binary.LittleEndian.AppendUint32(out, uint32(width))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(values)))
	for _, v := range values {
		switch width {
		case 2:
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		case 4:
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		default:
			out = binary.LittleEndian.AppendUint64(out, uint64(v))
		}
	}
	return out
}

// EncodeZipmap builds a zipmap blob from alternating field/value entries.
func EncodeZipmap(pairs [][]byte) []byte {
	n := len(pairs) / 2
	if n > zipmapBigLen-1 {
		n = zipmapBigLen
	}
	out := []byte{byte(n)}
	putLen := func(l int) {
		if l < zipmapBigLen {
			out = append(out, byte(l))
			return
		}
		out = append(out, zipmapBigLen)
		out = binary.LittleEndian.AppendUint32(out, uint32(l))
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		putLen(len(pairs[i]))
		out = append(out, pairs[i]...)
		putLen(len(pairs[i+1]))
		out = append(out, 0) // free
		out = append(out, pairs[i+1]...)
	}
	return append(out, zipmapEnd)
}
