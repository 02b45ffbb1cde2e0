package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/maxpert/burrow/rdb"
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// executeGenerate writes the whole snapshot to cfg.Output ("-" is stdout).
func executeGenerate(ctx context.Context, cfg *Config) (*Stats, error) {
	var out io.Writer = os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		out = f
	}

	counter := &countingWriter{w: out}
	stats := NewStats()
	if err := writeSnapshot(ctx, cfg, counter, stats); err != nil {
		return nil, err
	}
	stats.SetBytes(counter.n)
	return stats, nil
}

func writeSnapshot(ctx context.Context, cfg *Config, w io.Writer, stats *Stats) error {
	cw, err := rdb.NewCompressedWriter(w, rdb.Compression(cfg.Compression))
	if err != nil {
		return err
	}

	enc := rdb.NewEncoder(cw, cfg.Version)
	enc.Aux("redis-ver", "7.2.0")
	enc.Aux("redis-bits", "64")
	enc.Aux("generator", "rdbgen "+version)

	gen := NewGenerator(cfg, enc, stats)
	for db := 0; db < cfg.Databases; db++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := gen.Database(db); err != nil {
			return err
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish snapshot: %w", err)
	}
	return cw.Close()
}
