package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// ScoredMember is one sorted-set element.
type ScoredMember struct {
	Member []byte
	Score  float64
}

// FieldValue is one hash field.
type FieldValue struct {
	Field []byte
	Value []byte
}

// StreamEntry is one stream entry; Fields alternate field and value.
type StreamEntry struct {
	MS     uint64
	Seq    uint64
	Fields [][]byte
}

// StreamGroup is a consumer group without pending entries.
type StreamGroup struct {
	Name        []byte
	LastMS      uint64
	LastSeq     uint64
	EntriesRead uint64
}

// Encoder writes snapshots. Errors are sticky; check the result of Close.
type Encoder struct {
	w       *bufio.Writer
	version int
	crc     uint64
	err     error
	closed  bool
}

// NewEncoder writes the header for the given format version.
func NewEncoder(w io.Writer, version int) *Encoder {
	e := &Encoder{w: bufio.NewWriter(w), version: version}
	e.write([]byte(fmt.Sprintf("%s%04d", magic, version)))
	return e
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	e.crc = crc64Jones(e.crc, p)
	_, e.err = e.w.Write(p)
}

func (e *Encoder) byte1(b byte) {
	e.write([]byte{b})
}

func (e *Encoder) length(n uint64) {
	switch {
	case n < 1<<6:
		e.byte1(byte(n))
	case n < 1<<14:
		e.write([]byte{byte(n>>8) | len14Bit<<6, byte(n)})
	case n <= math.MaxUint32:
		var b [5]byte
		b[0] = len32Bit
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		e.write(b[:])
	default:
		var b [9]byte
		b[0] = len64Bit
		binary.BigEndian.PutUint64(b[1:], n)
		e.write(b[:])
	}
}

// str writes a string, integer-encoding it when it round-trips as one.
func (e *Encoder) str(p []byte) {
	if len(p) > 0 && len(p) <= 11 {
		if v, err := strconv.ParseInt(string(p), 10, 64); err == nil && strconv.FormatInt(v, 10) == string(p) {
			switch {
			case v >= math.MinInt8 && v <= math.MaxInt8:
				e.write([]byte{lenSpecial<<6 | encInt8, byte(int8(v))})
				return
			case v >= math.MinInt16 && v <= math.MaxInt16:
				var b [3]byte
				b[0] = lenSpecial<<6 | encInt16
				binary.LittleEndian.PutUint16(b[1:], uint16(int16(v)))
				e.write(b[:])
				return
			case v >= math.MinInt32 && v <= math.MaxInt32:
				var b [5]byte
				b[0] = lenSpecial<<6 | encInt32
				binary.LittleEndian.PutUint32(b[1:], uint32(int32(v)))
				e.write(b[:])
				return
			}
		}
	}
	e.length(uint64(len(p)))
	e.write(p)
}

// WriteRaw appends bytes as-is; they are covered by the checksum.
func (e *Encoder) WriteRaw(p []byte) error {
	e.write(p)
	return e.err
}

func (e *Encoder) Aux(key, value string) error {
	e.byte1(opAux)
	e.str([]byte(key))
	e.str([]byte(value))
	return e.err
}

func (e *Encoder) SelectDB(db int) error {
	e.byte1(opSelectDB)
	e.length(uint64(db))
	return e.err
}

func (e *Encoder) ResizeDB(keys, expires uint64) error {
	e.byte1(opResizeDB)
	e.length(keys)
	e.length(expires)
	return e.err
}

// ExpireAtMs precedes the next key record.
func (e *Encoder) ExpireAtMs(ms int64) error {
	var b [9]byte
	b[0] = opExpireTimeMs
	binary.LittleEndian.PutUint64(b[1:], uint64(ms))
	e.write(b[:])
	return e.err
}

// ExpireAtSec writes the legacy second-resolution expiry.
func (e *Encoder) ExpireAtSec(sec uint32) error {
	var b [5]byte
	b[0] = opExpireTime
	binary.LittleEndian.PutUint32(b[1:], sec)
	e.write(b[:])
	return e.err
}

func (e *Encoder) Idle(seconds uint64) error {
	e.byte1(opIdle)
	e.length(seconds)
	return e.err
}

func (e *Encoder) Freq(freq byte) error {
	e.write([]byte{opFreq, freq})
	return e.err
}

// Function writes a function library record.
func (e *Encoder) Function(code string) error {
	e.byte1(opFunction2)
	e.str([]byte(code))
	return e.err
}

// ModuleAux writes a module aux record carrying one unsigned and one string value.
func (e *Encoder) ModuleAux(moduleID uint64, u uint64, s []byte) error {
	e.byte1(opModuleAux)
	e.length(moduleID)
	e.length(moduleOpUInt)
	e.length(2) // when
	e.length(moduleOpUInt)
	e.length(u)
	e.length(moduleOpString)
	e.str(s)
	e.length(moduleOpEOF)
	return e.err
}

func (e *Encoder) String(key, value []byte) error {
	e.byte1(typeString)
	e.str(key)
	e.str(value)
	return e.err
}

func (e *Encoder) List(key []byte, items ...[]byte) error {
	e.byte1(typeList)
	e.str(key)
	e.length(uint64(len(items)))
	for _, it := range items {
		e.str(it)
	}
	return e.err
}

func (e *Encoder) Set(key []byte, members ...[]byte) error {
	e.byte1(typeSet)
	e.str(key)
	e.length(uint64(len(members)))
	for _, m := range members {
		e.str(m)
	}
	return e.err
}

// SortedSet writes binary scores (zset2).
func (e *Encoder) SortedSet(key []byte, members ...ScoredMember) error {
	e.byte1(typeZSet2)
	e.str(key)
	e.length(uint64(len(members)))
	var b [8]byte
	for _, m := range members {
		e.str(m.Member)
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(m.Score))
		e.write(b[:])
	}
	return e.err
}

func (e *Encoder) Hash(key []byte, fields ...FieldValue) error {
	e.byte1(typeHash)
	e.str(key)
	e.length(uint64(len(fields)))
	for _, f := range fields {
		e.str(f.Field)
		e.str(f.Value)
	}
	return e.err
}

// Compact writes a record whose value is a single encoded blob (ziplist,
// listpack, intset or zipmap types).
func (e *Encoder) Compact(typ byte, key, blob []byte) error {
	e.byte1(typ)
	e.str(key)
	e.length(uint64(len(blob)))
	e.write(blob)
	return e.err
}

// Quicklist2 writes a list as packed listpack nodes.
func (e *Encoder) Quicklist2(key []byte, nodes ...[][]byte) error {
	e.byte1(typeListQuicklist2)
	e.str(key)
	e.length(uint64(len(nodes)))
	for _, n := range nodes {
		e.length(quicklistNodePacked)
		blob := EncodeListpack(n)
		e.length(uint64(len(blob)))
		e.write(blob)
	}
	return e.err
}

// Stream writes a stream in the v2 layout with one listpack node and no
// pending entries.
func (e *Encoder) Stream(key []byte, entries []StreamEntry, groups ...StreamGroup) error {
	e.byte1(typeStreamListpacks2)
	e.str(key)

	var last StreamEntry
	if len(entries) == 0 {
		e.length(0)
	} else {
		e.length(1)
		first := entries[0]
		var nodeKey [16]byte
		binary.BigEndian.PutUint64(nodeKey[:8], first.MS)
		binary.BigEndian.PutUint64(nodeKey[8:], first.Seq)
		e.length(16)
		e.write(nodeKey[:])

		blob := EncodeListpack(streamListpack(first, entries))
		e.length(uint64(len(blob)))
		e.write(blob)
		last = entries[len(entries)-1]
	}

	e.length(uint64(len(entries)))
	e.length(last.MS)
	e.length(last.Seq)
	if len(entries) > 0 {
		e.length(entries[0].MS)
		e.length(entries[0].Seq)
	} else {
		e.length(0)
		e.length(0)
	}
	e.length(0) // max deleted ms
	e.length(0) // max deleted seq
	e.length(uint64(len(entries)))

	e.length(uint64(len(groups)))
	for _, g := range groups {
		e.str(g.Name)
		e.length(g.LastMS)
		e.length(g.LastSeq)
		e.length(g.EntriesRead)
		e.length(0) // pel
		e.length(0) // consumers
	}
	return e.err
}

// streamListpack lays out entries against the first entry's fields as master.
func streamListpack(master StreamEntry, entries []StreamEntry) [][]byte {
	itoa := func(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }
	var masterFields [][]byte
	for i := 0; i < len(master.Fields); i += 2 {
		masterFields = append(masterFields, master.Fields[i])
	}

	lp := [][]byte{itoa(int64(len(entries))), itoa(0), itoa(int64(len(masterFields)))}
	lp = append(lp, masterFields...)
	lp = append(lp, itoa(0))

	for _, en := range entries {
		same := len(en.Fields) == 2*len(masterFields)
		for i := 0; same && i < len(masterFields); i++ {
			same = string(en.Fields[2*i]) == string(masterFields[i])
		}
		flags := int64(0)
		if same {
			flags = streamItemFlagSameFields
		}
		start := len(lp)
		lp = append(lp, itoa(flags), itoa(int64(en.MS-master.MS)), itoa(int64(en.Seq-master.Seq)))
		if same {
			for i := 1; i < len(en.Fields); i += 2 {
				lp = append(lp, en.Fields[i])
			}
		} else {
			lp = append(lp, itoa(int64(len(en.Fields)/2)))
			lp = append(lp, en.Fields...)
		}
		lp = append(lp, itoa(int64(len(lp)-start)))
	}
	return lp
}

// Close writes the end marker and checksum and flushes.
func (e *Encoder) Close() error {
	if e.closed {
		return e.err
	}
	e.closed = true
	e.byte1(opEOF)
	if e.version >= checksumMinVersion {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], e.crc)
		if e.err == nil {
			_, e.err = e.w.Write(b[:])
		}
	}
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}
