// Package aof decodes a live command stream (an append-only file or a
// replication-style RESP stream) into canonical write operations.
package aof

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/rdb"
	"github.com/rs/zerolog/log"
)

// maxArgs and maxBulk reject absurd headers before allocating for them.
const (
	maxArgs = 1 << 24
	maxBulk = 512 << 20
)

// ErrProtocol reports a malformed command stream.
var ErrProtocol = errors.New("aof: protocol error")

// Decoder yields one Operation per data command. SELECT switches the current
// database and is not emitted; MULTI, EXEC and DISCARD are dropped.
type Decoder struct {
	br           *bufio.Reader
	off          int64
	db           int
	started      bool
	preamble     *rdb.Decoder
	preambleDone bool
	dropped      int64
	err          error
}

func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &Decoder{br: br}
}

// Offset is the number of bytes consumed, preamble included.
func (d *Decoder) Offset() int64 {
	if d.preamble != nil {
		return d.preamble.Offset() + d.off
	}
	return d.off
}

// Dropped counts transaction control commands that were skipped.
func (d *Decoder) Dropped() int64 { return d.dropped }

// Preamble returns the snapshot decoder if the stream started with one.
func (d *Decoder) Preamble() *rdb.Decoder { return d.preamble }

// Next returns the next Operation or io.EOF at a clean end of stream.
func (d *Decoder) Next() (*common.Operation, error) {
	if d.err != nil {
		return nil, d.err
	}
	op, err := d.next()
	if err != nil {
		d.err = err
	}
	return op, err
}

func (d *Decoder) next() (*common.Operation, error) {
	if !d.started {
		d.started = true
		head, _ := d.br.Peek(5)
		if string(head) == "REDIS" {
			log.Info().Msg("Command stream starts with a snapshot preamble")
			d.preamble = rdb.NewDecoder(d.br)
		}
	}

	if d.preamble != nil && !d.preambleDone {
		op, err := d.preamble.Next()
		if err == nil {
			return op, nil
		}
		if err != io.EOF {
			return nil, err
		}
		d.preambleDone = true
		log.Info().Int64("offset", d.preamble.Offset()).Msg("Snapshot preamble decoded, continuing with commands")
	}

	for {
		at := d.Offset()
		args, err := d.readCommand()
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			continue
		}

		name := strings.ToUpper(string(args[0]))
		switch {
		case name == "SELECT":
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: SELECT with %d arguments at offset %d", ErrProtocol, len(args)-1, at)
			}
			db, err := strconv.Atoi(string(args[1]))
			if err != nil || db < 0 {
				return nil, fmt.Errorf("%w: SELECT %q at offset %d", ErrProtocol, args[1], at)
			}
			d.db = db
			continue
		case common.IsTransactionControl(name):
			d.dropped++
			continue
		}

		op := common.NewOperation(d.db, args...)
		op.Offset = at
		return op, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	line, err := d.br.ReadSlice('\n')
	d.off += int64(len(line))
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, fmt.Errorf("%w: line too long at offset %d", ErrProtocol, d.off)
		}
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("%w: line without CRLF at offset %d", ErrProtocol, d.off)
	}
	return line[:len(line)-2], nil
}

func (d *Decoder) truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("aof: truncated command at offset %d: %w", d.Offset(), io.ErrUnexpectedEOF)
	}
	return err
}

// readCommand reads one multi-bulk array. A clean EOF before the array
// header is io.EOF; anything shorter after it is io.ErrUnexpectedEOF.
func (d *Decoder) readCommand() ([][]byte, error) {
	line, err := d.readLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, d.truncated(err)
	}
	if len(line) == 0 {
		return nil, nil
	}
	if line[0] != '*' {
		return nil, fmt.Errorf("%w: expected array header, got %q at offset %d", ErrProtocol, line, d.Offset())
	}
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil || n < 0 || n > maxArgs {
		return nil, fmt.Errorf("%w: bad array length %q at offset %d", ErrProtocol, line, d.Offset())
	}

	args := make([][]byte, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		hdr, err := d.readLine()
		if err != nil {
			return nil, d.truncated(err)
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, fmt.Errorf("%w: expected bulk header, got %q at offset %d", ErrProtocol, hdr, d.Offset())
		}
		size, err := strconv.Atoi(string(hdr[1:]))
		if err != nil || size < 0 || size > maxBulk {
			return nil, fmt.Errorf("%w: bad bulk length %q at offset %d", ErrProtocol, hdr, d.Offset())
		}
		buf := make([]byte, size+2)
		read, err := io.ReadFull(d.br, buf)
		d.off += int64(read)
		if err != nil {
			return nil, d.truncated(err)
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return nil, fmt.Errorf("%w: bulk without CRLF at offset %d", ErrProtocol, d.Offset())
		}
		args = append(args, buf[:size:size])
	}
	return args, nil
}
