package rdb

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/maxpert/burrow/common"
	"github.com/rs/zerolog/log"
)

var errStreamCorrupt = errors.New("stream: corrupt listpack")

type streamID struct {
	ms  uint64
	seq uint64
}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id streamID) bytes() []byte {
	return []byte(id.String())
}

func (d *Decoder) readStreamID() (streamID, error) {
	ms, err := d.r.readLen()
	if err != nil {
		return streamID{}, err
	}
	seq, err := d.r.readLen()
	if err != nil {
		return streamID{}, err
	}
	return streamID{ms: ms, seq: seq}, nil
}

// readStream rebuilds a stream as XADD per live entry, XSETID for the last
// id, and XGROUP CREATE per consumer group. Pending entry lists are skipped.
func (d *Decoder) readStream(typ byte, key []byte, at int64) ([]*common.Operation, error) {
	nodes, err := d.r.readLen()
	if err != nil {
		return nil, err
	}

	var ops []*common.Operation
	for i := uint64(0); i < nodes; i++ {
		master, err := d.r.readString()
		if err != nil {
			return nil, err
		}
		if len(master) != 16 {
			return nil, &UnsupportedEncodingError{Encoding: "stream node key", Offset: at}
		}
		base := streamID{ms: beUint64(master[:8]), seq: beUint64(master[8:])}

		entries, err := d.readBlob(at, parseListpack)
		if err != nil {
			return nil, err
		}
		nodeOps, err := d.streamEntries(key, base, entries)
		if err != nil {
			return nil, &UnsupportedEncodingError{Encoding: err.Error(), Offset: at}
		}
		ops = append(ops, nodeOps...)
	}

	if _, err := d.r.readLen(); err != nil { // length
		return nil, err
	}
	lastID, err := d.readStreamID()
	if err != nil {
		return nil, err
	}

	var maxDeleted streamID
	var entriesAdded uint64
	v2 := typ >= typeStreamListpacks2
	if v2 {
		if _, err := d.readStreamID(); err != nil { // first id
			return nil, err
		}
		if maxDeleted, err = d.readStreamID(); err != nil {
			return nil, err
		}
		if entriesAdded, err = d.r.readLen(); err != nil {
			return nil, err
		}
	}

	setID := [][]byte{[]byte("XSETID"), key, lastID.bytes()}
	if v2 {
		setID = append(setID,
			[]byte("ENTRIESADDED"), strconv.AppendUint(nil, entriesAdded, 10),
			[]byte("MAXDELETEDID"), maxDeleted.bytes())
	}

	groups, err := d.r.readLen()
	if err != nil {
		return nil, err
	}
	groupOps := make([]*common.Operation, 0, minCap(groups))
	for g := uint64(0); g < groups; g++ {
		name, err := d.r.readString()
		if err != nil {
			return nil, err
		}
		gid, err := d.readStreamID()
		if err != nil {
			return nil, err
		}
		args := [][]byte{[]byte("XGROUP"), []byte("CREATE"), key, name, gid.bytes()}
		if v2 {
			read, err := d.r.readLen()
			if err != nil {
				return nil, err
			}
			args = append(args, []byte("ENTRIESREAD"), strconv.AppendUint(nil, read, 10))
		}
		if len(ops) == 0 && g == 0 {
			args = append(args, []byte("MKSTREAM"))
		}
		if err := d.skipStreamPEL(typ, name); err != nil {
			return nil, err
		}
		groupOps = append(groupOps, d.newOp(args...))
	}

	switch {
	case len(ops) > 0:
		ops = append(ops, d.newOp(setID...))
		ops = append(ops, groupOps...)
	case len(groupOps) > 0:
		// empty stream: the first group creates it
		ops = append(ops, groupOps[0], d.newOp(setID...))
		ops = append(ops, groupOps[1:]...)
	default:
		d.warn("empty stream %q without consumer groups skipped", key)
	}
	return ops, nil
}

func (d *Decoder) skipStreamPEL(typ byte, group []byte) error {
	pel, err := d.r.readLen()
	if err != nil {
		return err
	}
	for i := uint64(0); i < pel; i++ {
		// raw id, delivery time, delivery count
		if err := d.r.skip(16 + 8); err != nil {
			return err
		}
		if _, err := d.r.readLen(); err != nil {
			return err
		}
	}

	consumers, err := d.r.readLen()
	if err != nil {
		return err
	}
	for i := uint64(0); i < consumers; i++ {
		if _, err := d.r.readString(); err != nil {
			return err
		}
		times := uint64(8)
		if typ >= typeStreamListpacks3 {
			times = 16
		}
		if err := d.r.skip(times); err != nil {
			return err
		}
		n, err := d.r.readLen()
		if err != nil {
			return err
		}
		if err := d.r.skip(16 * n); err != nil {
			return err
		}
	}

	if pel > 0 || consumers > 0 {
		log.Debug().
			Bytes("group", group).
			Uint64("pending", pel).
			Uint64("consumers", consumers).
			Msg("Skipped stream pending entries")
	}
	return nil
}

// streamEntries walks one node listpack: the master entry, then entries
// as flags, ms-delta, seq-delta, [field count, fields+values | values], lp-count.
func (d *Decoder) streamEntries(key []byte, base streamID, lp [][]byte) ([]*common.Operation, error) {
	pos := 0
	next := func() ([]byte, error) {
		if pos >= len(lp) {
			return nil, errStreamCorrupt
		}
		v := lp[pos]
		pos++
		return v, nil
	}
	nextInt := func() (int64, error) {
		v, err := next()
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errStreamCorrupt, err)
		}
		return n, nil
	}

	count, err := nextInt()
	if err != nil {
		return nil, err
	}
	deleted, err := nextInt()
	if err != nil {
		return nil, err
	}
	nfields, err := nextInt()
	if err != nil {
		return nil, err
	}
	if nfields < 0 || int(nfields) > len(lp) {
		return nil, errStreamCorrupt
	}
	masterFields := make([][]byte, nfields)
	for i := range masterFields {
		if masterFields[i], err = next(); err != nil {
			return nil, err
		}
	}
	if _, err := next(); err != nil { // master terminator
		return nil, err
	}

	var ops []*common.Operation
	for e := int64(0); e < count+deleted; e++ {
		flags, err := nextInt()
		if err != nil {
			return nil, err
		}
		msDelta, err := nextInt()
		if err != nil {
			return nil, err
		}
		seqDelta, err := nextInt()
		if err != nil {
			return nil, err
		}
		id := streamID{ms: base.ms + uint64(msDelta), seq: base.seq + uint64(seqDelta)}

		args := [][]byte{[]byte("XADD"), key, id.bytes()}
		if flags&streamItemFlagSameFields != 0 {
			for _, f := range masterFields {
				v, err := next()
				if err != nil {
					return nil, err
				}
				args = append(args, f, v)
			}
		} else {
			n, err := nextInt()
			if err != nil {
				return nil, err
			}
			if n < 0 || int(n) > len(lp) {
				return nil, errStreamCorrupt
			}
			for j := int64(0); j < n*2; j++ {
				v, err := next()
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
		}
		if _, err := next(); err != nil { // lp-count
			return nil, err
		}
		if flags&streamItemFlagDeleted != 0 {
			continue
		}
		ops = append(ops, d.newOp(args...))
	}
	return ops, nil
}
