package rdb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Compression names a transparent wrapper around a snapshot.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Source is a snapshot byte stream, decompressed when needed.
type Source struct {
	*bufio.Reader
	Compression Compression
	// Size is the on-disk size, -1 when unknown.
	Size    int64
	closers []func() error
}

// OpenSource opens a snapshot file; "-" reads standard input.
func OpenSource(path string) (*Source, error) {
	if path == "-" {
		src, err := NewSource(os.Stdin)
		if err != nil {
			return nil, err
		}
		src.Size = -1
		return src, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	src, err := NewSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if st, err := f.Stat(); err == nil {
		src.Size = st.Size()
	}
	src.closers = append(src.closers, f.Close)

	log.Info().
		Str("path", path).
		Str("compression", string(src.Compression)).
		Int64("size", src.Size).
		Msg("Opened snapshot source")
	return src, nil
}

// NewSource sniffs r for zstd or gzip framing and wraps it accordingly.
func NewSource(r io.Reader) (*Source, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("sniff snapshot: %w", err)
	}

	src := &Source{Size: -1, Compression: CompressionNone}
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd snapshot: %w", err)
		}
		src.Reader = bufio.NewReaderSize(dec, 64*1024)
		src.Compression = CompressionZstd
		src.closers = append(src.closers, func() error { dec.Close(); return nil })
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip snapshot: %w", err)
		}
		src.Reader = bufio.NewReaderSize(gz, 64*1024)
		src.Compression = CompressionGzip
		src.closers = append(src.closers, gz.Close)
	default:
		src.Reader = br
	}
	return src, nil
}

// Close releases decompressors and the underlying file.
func (s *Source) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// NewCompressedWriter wraps w so that what is written comes out compressed.
func NewCompressedWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
