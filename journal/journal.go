// Package journal keeps a durable record of operations that failed
// terminally, so they can be inspected, replayed or published after a run.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes
const (
	prefixRecord = "/fail/"   // /fail/{16-hex-digit seq}
	prefixCursor = "/cursor/" // /cursor/{consumer}
	keySeq       = "/seq"     // next sequence, little-endian uint64
)

// Pebble configuration
const (
	memTableSize                = 16 << 20
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const defaultReadLimit = 100

// ErrClosed is returned by every method once Close was called.
var ErrClosed = errors.New("journal: closed")

// FailedOperation is one journal record.
type FailedOperation struct {
	Seq      uint64   `msgpack:"seq" json:"seq"`
	RunID    string   `msgpack:"run_id" json:"run_id"`
	DB       int      `msgpack:"db" json:"db"`
	SourceDB int      `msgpack:"source_db" json:"source_db"`
	Offset   int64    `msgpack:"offset" json:"offset"`
	Args     [][]byte `msgpack:"args" json:"-"`
	Command  []string `msgpack:"-" json:"command"`
	Reason   string   `msgpack:"reason" json:"reason"`
	Class    string   `msgpack:"class,omitempty" json:"class,omitempty"`
	Time     int64    `msgpack:"time" json:"time"`
}

// NewFailedOperation captures op and the error that ended it.
func NewFailedOperation(runID string, op *common.Operation, reason error, class string) FailedOperation {
	args := make([][]byte, len(op.Args))
	for i, a := range op.Args {
		args[i] = append([]byte(nil), a...)
	}
	return FailedOperation{
		RunID:    runID,
		DB:       op.DB,
		SourceDB: op.SourceDB,
		Offset:   op.Offset,
		Args:     args,
		Reason:   reason.Error(),
		Class:    class,
		Time:     time.Now().UnixNano(),
	}
}

// Operation rebuilds the failed operation for replay.
func (f *FailedOperation) Operation() *common.Operation {
	op := common.NewOperation(f.DB, f.Args...)
	op.SourceDB = f.SourceDB
	op.Offset = f.Offset
	return op
}

func (f *FailedOperation) fillCommand() {
	f.Command = make([]string, len(f.Args))
	for i, a := range f.Args {
		f.Command[i] = string(a)
	}
}

// Journal is a Pebble-backed append-only log with named read cursors.
type Journal struct {
	db   *pebble.DB
	path string

	mu      sync.Mutex
	nextSeq atomic.Uint64

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	closed atomic.Bool
}

// Open creates or reopens the journal at path.
func Open(path string) (*Journal, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", path, err)
	}

	j := &Journal{db: db, path: path, cursors: make(map[string]uint64)}
	if err := j.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load journal sequence: %w", err)
	}
	if err := j.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load journal cursors: %w", err)
	}

	log.Info().Str("path", path).Uint64("records", j.nextSeq.Load()).Msg("Opened failure journal")
	return j, nil
}

func (j *Journal) loadNextSeq() error {
	val, closer, err := j.db.Get([]byte(keySeq))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	j.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (j *Journal) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for %s: invalid length %d", name, len(val))
		}
		j.cursors[name] = binary.LittleEndian.Uint64(val)
	}
	return iter.Error()
}

// Append stores records and assigns their sequence numbers in place.
func (j *Journal) Append(records ...*FailedOperation) error {
	if len(records) == 0 {
		return nil
	}
	if j.closed.Load() {
		return ErrClosed
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.nextSeq.Load()
	batch := j.db.NewBatch()
	defer batch.Close()

	for _, rec := range records {
		seq++
		rec.Seq = seq
		val, err := encoding.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal failed operation: %w", err)
		}
		if err := batch.Set(recordKey(seq), val, nil); err != nil {
			return fmt.Errorf("write failed operation: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit journal batch: %w", err)
	}

	j.nextSeq.Store(seq)
	return nil
}

// ReadFrom returns up to limit records with a sequence above cursor.
func (j *Journal) ReadFrom(cursor uint64, limit int) ([]FailedOperation, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := recordKey(cursor + 1)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixRecord)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]FailedOperation, 0, min(limit, defaultReadLimit))
	for iter.SeekGE(start); iter.Valid() && len(out) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec FailedOperation
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted journal record")
			continue
		}
		rec.fillCommand()
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Tail returns the last limit records, oldest first.
func (j *Journal) Tail(limit int) ([]FailedOperation, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	last := j.nextSeq.Load()
	var from uint64
	if last > uint64(limit) {
		from = last - uint64(limit)
	}
	return j.ReadFrom(from, limit)
}

// Count returns how many records were ever appended.
func (j *Journal) Count() uint64 {
	return j.nextSeq.Load()
}

// Cursor returns the last sequence consumer has processed.
func (j *Journal) Cursor(consumer string) uint64 {
	j.cursorsMu.RLock()
	defer j.cursorsMu.RUnlock()
	return j.cursors[consumer]
}

// AdvanceCursor durably records that consumer processed everything up to seq.
func (j *Journal) AdvanceCursor(consumer string, seq uint64) error {
	if j.closed.Load() {
		return ErrClosed
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := j.db.Set([]byte(prefixCursor+consumer), val, pebble.Sync); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}

	j.cursorsMu.Lock()
	j.cursors[consumer] = seq
	j.cursorsMu.Unlock()
	return nil
}

// Path returns the journal directory.
func (j *Journal) Path() string { return j.path }

// Close closes the underlying store.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return j.db.Close()
}

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixRecord, seq))
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
