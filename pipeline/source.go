package pipeline

import (
	"bytes"
	"fmt"

	"github.com/maxpert/burrow/aof"
	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/rdb"
	"github.com/rs/zerolog/log"
)

// Source formats.
const (
	FormatAuto = "auto"
	FormatRDB  = "rdb"
	FormatAOF  = "aof"
)

// Decoder is a finite, ordered stream of operations. Next returns io.EOF at
// a clean end; any other error is fatal.
type Decoder interface {
	Next() (*common.Operation, error)
	Offset() int64
}

// Input is an opened source together with its decoder.
type Input struct {
	Decoder
	Format string
	// Size is the on-disk size in bytes, -1 when unknown.
	Size int64
	src  *rdb.Source
}

// Open opens path and picks a decoder. With FormatAuto a stream starting
// with the snapshot magic is decoded as a snapshot, anything else as a
// command stream.
func Open(path, format string, verifyChecksum bool) (*Input, error) {
	src, err := rdb.OpenSource(path)
	if err != nil {
		return nil, err
	}

	if format == "" || format == FormatAuto {
		head, _ := src.Peek(5)
		format = FormatAOF
		if bytes.Equal(head, []byte("REDIS")) {
			format = FormatRDB
		}
	}

	in := &Input{Format: format, Size: src.Size, src: src}
	switch format {
	case FormatRDB:
		var opts []rdb.Option
		if !verifyChecksum {
			opts = append(opts, rdb.WithoutChecksum())
		}
		in.Decoder = rdb.NewDecoder(src.Reader, opts...)
	case FormatAOF:
		in.Decoder = aof.NewDecoder(src.Reader)
	default:
		src.Close()
		return nil, fmt.Errorf("unknown source format %q", format)
	}

	log.Info().Str("path", path).Str("format", format).Msg("Opened source")
	return in, nil
}

// Close releases the underlying file and decompressors.
func (in *Input) Close() error {
	if in.src == nil {
		return nil
	}
	return in.src.Close()
}

// orphanedExpiries reports expiries the decoder had to discard.
func orphanedExpiries(d Decoder) int64 {
	switch v := d.(type) {
	case *rdb.Decoder:
		return v.OrphanedExpiries()
	case *aof.Decoder:
		if p := v.Preamble(); p != nil {
			return p.OrphanedExpiries()
		}
	}
	return 0
}
