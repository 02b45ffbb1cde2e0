// Package rdb decodes point-in-time snapshots into canonical write operations.
package rdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/maxpert/burrow/common"
	"github.com/rs/zerolog/log"
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithoutChecksum disables trailing checksum verification.
func WithoutChecksum() Option {
	return func(d *Decoder) {
		d.verifyChecksum = false
	}
}

// state is the per-snapshot decode state. It lives on the Decoder instance
// so two snapshots decoded in one process never share it.
type state struct {
	db            int
	pendingExpiry int64
	hasPending    bool
	pendingAt     int64
}

// Decoder turns a snapshot stream into Operations. It is single use and not
// safe for concurrent use.
type Decoder struct {
	r              *reader
	verifyChecksum bool
	version        int
	headerRead     bool
	done           bool
	err            error

	st       state
	queue    []*common.Operation
	aux      map[string]string
	warnings []string
	orphaned int64
	records  int64
	checksum uint64
}

// NewDecoder reads a snapshot from r. If r is a *bufio.Reader it is used
// directly and nothing past the trailing checksum is consumed.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:              newReader(r),
		verifyChecksum: true,
		aux:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next Operation, or io.EOF after the end marker.
// Any other error is fatal and sticky.
func (d *Decoder) Next() (*common.Operation, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		if d.done {
			return nil, io.EOF
		}
		if err := d.step(); err != nil {
			d.err = err
			return nil, err
		}
	}
	op := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return op, nil
}

// Version is the snapshot format version, valid after the first Next.
func (d *Decoder) Version() int { return d.version }

// Offset is the number of bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.r.off }

// Aux returns the auxiliary header fields seen so far.
func (d *Decoder) Aux() map[string]string { return d.aux }

// Records is the number of key-bearing records decoded.
func (d *Decoder) Records() int64 { return d.records }

// OrphanedExpiries counts expiry directives that no key record consumed.
func (d *Decoder) OrphanedExpiries() int64 { return d.orphaned }

// Warnings lists non-fatal conditions met while decoding.
func (d *Decoder) Warnings() []string { return d.warnings }

// CurrentDB is the database selected by the most recent select directive.
func (d *Decoder) CurrentDB() int { return d.st.db }

func (d *Decoder) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.warnings = append(d.warnings, msg)
	log.Warn().Int64("offset", d.r.off).Msg(msg)
}

// orphanExpiry discards a pending expiry that a non-key record interrupted.
func (d *Decoder) orphanExpiry(reason string) {
	if !d.st.hasPending {
		return
	}
	d.orphaned++
	d.warn("expiry %d read at offset %d discarded: %s", d.st.pendingExpiry, d.st.pendingAt, reason)
	d.st.hasPending = false
	d.st.pendingExpiry = 0
}

func (d *Decoder) setExpiry(ms int64, at int64) {
	d.orphanExpiry("followed by another expiry")
	d.st.pendingExpiry = ms
	d.st.hasPending = true
	d.st.pendingAt = at
}

func (d *Decoder) readHeader() error {
	hdr := make([]byte, 9)
	if err := d.r.fill(hdr); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(hdr[:5]) != magic {
		return fmt.Errorf("%w: %q", ErrBadMagic, hdr[:5])
	}
	v, err := strconv.Atoi(string(hdr[5:]))
	if err != nil {
		return fmt.Errorf("%w: version %q", ErrBadMagic, hdr[5:])
	}
	d.version = v
	if v > MaxKnownVersion {
		d.warn("snapshot version %d is newer than %d, decoding anyway", v, MaxKnownVersion)
	}
	d.headerRead = true
	log.Debug().Int("version", v).Msg("Snapshot header read")
	return nil
}

// step consumes one record and queues whatever it produced.
func (d *Decoder) step() error {
	if !d.headerRead {
		return d.readHeader()
	}

	at := d.r.off
	op, err := d.r.readByte()
	if err != nil {
		d.orphanExpiry("snapshot truncated")
		return err
	}

	switch op {
	case opEOF:
		d.orphanExpiry("end of snapshot")
		return d.finish()

	case opSelectDB:
		db, err := d.r.readLen()
		if err != nil {
			return err
		}
		d.orphanExpiry("database changed")
		d.st.db = int(db)
		log.Debug().Int("db", d.st.db).Msg("Selected database")
		return nil

	case opExpireTimeMs:
		ms, err := d.r.readUint64LE()
		if err != nil {
			return err
		}
		d.setExpiry(int64(ms), at)
		return nil

	case opExpireTime:
		sec, err := d.r.readUint32LE()
		if err != nil {
			return err
		}
		d.setExpiry(int64(sec)*1000, at)
		return nil

	case opResizeDB:
		d.orphanExpiry("resize hint")
		if _, err := d.r.readLen(); err != nil {
			return err
		}
		_, err := d.r.readLen()
		return err

	case opAux:
		d.orphanExpiry("aux field")
		k, err := d.r.readString()
		if err != nil {
			return err
		}
		v, err := d.r.readString()
		if err != nil {
			return err
		}
		d.aux[string(k)] = string(v)
		return nil

	case opSlotInfo:
		d.orphanExpiry("slot info")
		for i := 0; i < 3; i++ {
			if _, err := d.r.readLen(); err != nil {
				return err
			}
		}
		return nil

	case opModuleAux:
		d.orphanExpiry("module aux")
		return d.skipModuleAux()

	// Per-key metadata written between an expiry and its key.
	case opIdle:
		_, err := d.r.readLen()
		return err
	case opFreq:
		_, err := d.r.readByte()
		return err

	case opFunction2:
		d.orphanExpiry("function library")
		code, err := d.r.readString()
		if err != nil {
			return err
		}
		fn := common.NewOperation(d.st.db, []byte("FUNCTION"), []byte("LOAD"), []byte("REPLACE"), code)
		fn.Offset = at
		d.queue = append(d.queue, fn)
		return nil

	case opFunctionPreGA:
		return &UnsupportedEncodingError{Encoding: "pre-GA function", Offset: at}
	}

	return d.readKeyValue(op, at)
}

func (d *Decoder) readKeyValue(typ byte, at int64) error {
	key, err := d.r.readString()
	if err != nil {
		return err
	}
	ops, err := d.readValue(typ, key, at)
	if err != nil {
		return err
	}
	d.records++

	if len(ops) == 0 {
		d.orphanExpiry("record produced no operations")
		return nil
	}
	for _, op := range ops {
		op.Offset = at
	}
	if d.st.hasPending {
		last := ops[len(ops)-1]
		last.ExpireAtMs = d.st.pendingExpiry
		ops = append(ops, last.ExpiryOperations()...)
		d.st.hasPending = false
		d.st.pendingExpiry = 0
	}
	d.queue = append(d.queue, ops...)
	return nil
}

func (d *Decoder) finish() error {
	d.done = true
	if d.version < checksumMinVersion {
		return nil
	}
	computed := d.r.crc
	d.r.hash = false
	stored, err := d.r.readUint64LE()
	if err != nil {
		return err
	}
	d.checksum = stored
	if stored == 0 || !d.verifyChecksum {
		return nil
	}
	if stored != computed {
		return fmt.Errorf("%w: stored %016x, computed %016x", ErrChecksumMismatch, stored, computed)
	}
	return nil
}

func (d *Decoder) skipModuleAux() error {
	if _, err := d.r.readLen(); err != nil { // module id
		return err
	}
	whenOp, err := d.r.readLen()
	if err != nil {
		return err
	}
	if whenOp != moduleOpUInt {
		return &UnsupportedEncodingError{Encoding: "module aux when-opcode", Offset: d.r.off}
	}
	if _, err := d.r.readLen(); err != nil {
		return err
	}
	for {
		op, err := d.r.readLen()
		if err != nil {
			return err
		}
		switch op {
		case moduleOpEOF:
			return nil
		case moduleOpSInt, moduleOpUInt:
			_, err = d.r.readLen()
		case moduleOpFloat:
			err = d.r.skip(4)
		case moduleOpDouble:
			err = d.r.skip(8)
		case moduleOpString:
			_, err = d.r.readString()
		default:
			return &UnsupportedEncodingError{Encoding: fmt.Sprintf("module opcode %d", op), Offset: d.r.off}
		}
		if err != nil {
			return err
		}
	}
}

func (d *Decoder) newOp(args ...[]byte) *common.Operation {
	return common.NewOperation(d.st.db, args...)
}

// collection builds "CMD key items..." or nothing for an empty collection.
func (d *Decoder) collection(cmd string, key []byte, items [][]byte) []*common.Operation {
	if len(items) == 0 {
		d.warn("empty %s value for key %q skipped", cmd, key)
		return nil
	}
	args := make([][]byte, 0, len(items)+2)
	args = append(args, []byte(cmd), key)
	args = append(args, items...)
	return []*common.Operation{d.newOp(args...)}
}

func (d *Decoder) readStrings(n uint64) ([][]byte, error) {
	out := make([][]byte, 0, minCap(n))
	for i := uint64(0); i < n; i++ {
		s, err := d.r.readString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Decoder) readBlob(at int64, parse func([]byte) ([][]byte, error)) ([][]byte, error) {
	blob, err := d.r.readString()
	if err != nil {
		return nil, err
	}
	items, err := parse(blob)
	if err != nil {
		return nil, &UnsupportedEncodingError{Encoding: err.Error(), Offset: at}
	}
	return items, nil
}

func (d *Decoder) readValue(typ byte, key []byte, at int64) ([]*common.Operation, error) {
	switch typ {
	case typeString:
		v, err := d.r.readString()
		if err != nil {
			return nil, err
		}
		return []*common.Operation{d.newOp([]byte("SET"), key, v)}, nil

	case typeList, typeSet:
		n, err := d.r.readLen()
		if err != nil {
			return nil, err
		}
		items, err := d.readStrings(n)
		if err != nil {
			return nil, err
		}
		if typ == typeList {
			return d.collection("RPUSH", key, items), nil
		}
		return d.collection("SADD", key, items), nil

	case typeZSet, typeZSet2:
		n, err := d.r.readLen()
		if err != nil {
			return nil, err
		}
		items := make([][]byte, 0, minCap(n*2))
		for i := uint64(0); i < n; i++ {
			member, err := d.r.readString()
			if err != nil {
				return nil, err
			}
			var score float64
			if typ == typeZSet {
				score, err = d.r.readDoubleString()
			} else {
				score, err = d.r.readBinaryDouble()
			}
			if err != nil {
				return nil, err
			}
			items = append(items, []byte(formatScore(score)), member)
		}
		return d.collection("ZADD", key, items), nil

	case typeHash:
		n, err := d.r.readLen()
		if err != nil {
			return nil, err
		}
		items, err := d.readStrings(n * 2)
		if err != nil {
			return nil, err
		}
		return d.collection("HSET", key, items), nil

	case typeHashZipmap:
		items, err := d.readBlob(at, parseZipmap)
		if err != nil {
			return nil, err
		}
		return d.collection("HSET", key, items), nil

	case typeListZiplist:
		items, err := d.readBlob(at, parseZiplist)
		if err != nil {
			return nil, err
		}
		return d.collection("RPUSH", key, items), nil

	case typeSetIntset:
		items, err := d.readBlob(at, parseIntset)
		if err != nil {
			return nil, err
		}
		return d.collection("SADD", key, items), nil

	case typeSetListpack:
		items, err := d.readBlob(at, parseListpack)
		if err != nil {
			return nil, err
		}
		return d.collection("SADD", key, items), nil

	case typeHashZiplist, typeHashListpack:
		parse := parseZiplist
		if typ == typeHashListpack {
			parse = parseListpack
		}
		items, err := d.readBlob(at, parse)
		if err != nil {
			return nil, err
		}
		if len(items)%2 != 0 {
			return nil, &UnsupportedEncodingError{Encoding: "odd hash entry count", Offset: at}
		}
		return d.collection("HSET", key, items), nil

	case typeZSetZiplist, typeZSetListpack:
		parse := parseZiplist
		if typ == typeZSetListpack {
			parse = parseListpack
		}
		items, err := d.readBlob(at, parse)
		if err != nil {
			return nil, err
		}
		if len(items)%2 != 0 {
			return nil, &UnsupportedEncodingError{Encoding: "odd sorted set entry count", Offset: at}
		}
		// stored as member, score; ZADD wants score, member
		for i := 0; i < len(items); i += 2 {
			score := items[i+1]
			if f, err := strconv.ParseFloat(string(score), 64); err == nil {
				score = []byte(formatScore(f))
			}
			items[i], items[i+1] = score, items[i]
		}
		return d.collection("ZADD", key, items), nil

	case typeListQuicklist:
		n, err := d.r.readLen()
		if err != nil {
			return nil, err
		}
		var items [][]byte
		for i := uint64(0); i < n; i++ {
			node, err := d.readBlob(at, parseZiplist)
			if err != nil {
				return nil, err
			}
			items = append(items, node...)
		}
		return d.collection("RPUSH", key, items), nil

	case typeListQuicklist2:
		n, err := d.r.readLen()
		if err != nil {
			return nil, err
		}
		var items [][]byte
		for i := uint64(0); i < n; i++ {
			container, err := d.r.readLen()
			if err != nil {
				return nil, err
			}
			switch container {
			case quicklistNodePlain:
				v, err := d.r.readString()
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			case quicklistNodePacked:
				node, err := d.readBlob(at, parseListpack)
				if err != nil {
					return nil, err
				}
				items = append(items, node...)
			default:
				return nil, &UnsupportedEncodingError{Encoding: fmt.Sprintf("quicklist container %d", container), Offset: at}
			}
		}
		return d.collection("RPUSH", key, items), nil

	case typeStreamListpacks, typeStreamListpacks2, typeStreamListpacks3:
		return d.readStream(typ, key, at)

	case typeModulePreGA, typeModule2:
		return nil, &UnsupportedEncodingError{Encoding: TypeName(typ), Offset: at}
	}

	if typ >= 22 && typ <= 25 {
		return nil, &UnsupportedEncodingError{Encoding: fmt.Sprintf("hash with field expiry (type %d)", typ), Offset: at}
	}
	return nil, &UnknownTypeError{Type: typ, Offset: at}
}

// minCap bounds a preallocation taken from an untrusted length.
func minCap(n uint64) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}

func beUint64(p []byte) uint64 {
	return binary.BigEndian.Uint64(p)
}
