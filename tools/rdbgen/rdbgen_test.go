package main

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Output:      filepath.Join(t.TempDir(), "dump.rdb"),
		Databases:   3,
		Keys:        20,
		ExpirePct:   0,
		Types:       "string,list,set,zset,hash",
		Elements:    3,
		ValueSize:   8,
		Version:     11,
		Compression: "none",
		Seed:        7,
	}
}

func decodeAll(t *testing.T, path string) (keys map[int]map[string]string, expiries int) {
	t.Helper()
	in, err := pipeline.Open(path, pipeline.FormatAuto, true)
	require.NoError(t, err)
	defer in.Close()

	keys = make(map[int]map[string]string)
	for {
		op, err := in.Next()
		if errors.Is(err, io.EOF) {
			return keys, expiries
		}
		require.NoError(t, err)
		if op.Command() == "PEXPIREAT" {
			expiries++
			continue
		}
		if keys[op.DB] == nil {
			keys[op.DB] = make(map[string]string)
		}
		key, ok := op.FirstKey()
		require.True(t, ok)
		keys[op.DB][string(key)] = op.Command()
	}
}

func TestGenerate_DatabasesAndTypes(t *testing.T) {
	cfg := generateConfig(t)
	require.NoError(t, cfg.ValidateGenerate())

	stats, err := executeGenerate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(60), stats.TotalKeys())
	assert.Positive(t, stats.bytes)

	keys, expiries := decodeAll(t, cfg.Output)
	assert.Zero(t, expiries)
	require.Len(t, keys, 3)
	for db := 0; db < 3; db++ {
		assert.Len(t, keys[db], 20, "db %d", db)
		// Same names in every database.
		assert.Equal(t, "SET", keys[db][KeyName(TypeString, 0)])
		assert.Equal(t, "RPUSH", keys[db][KeyName(TypeList, 1)])
		assert.Equal(t, "SADD", keys[db][KeyName(TypeSet, 2)])
		assert.Equal(t, "ZADD", keys[db][KeyName(TypeZSet, 3)])
		assert.Equal(t, "HSET", keys[db][KeyName(TypeHash, 4)])
	}
}

func TestGenerate_ExpiriesAndCompression(t *testing.T) {
	for _, compression := range []string{"gzip", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			cfg := generateConfig(t)
			cfg.Databases = 2
			cfg.Keys = 10
			cfg.ExpirePct = 100
			cfg.Types = "string"
			cfg.Compression = compression
			require.NoError(t, cfg.ValidateGenerate())

			_, err := executeGenerate(context.Background(), cfg)
			require.NoError(t, err)

			keys, expiries := decodeAll(t, cfg.Output)
			assert.Equal(t, 20, expiries)
			assert.Len(t, keys[1], 10)
		})
	}
}

func TestValidateGenerate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no output", func(c *Config) { c.Output = "" }},
		{"zero databases", func(c *Config) { c.Databases = 0 }},
		{"too many databases", func(c *Config) { c.Databases = 17 }},
		{"negative keys", func(c *Config) { c.Keys = -1 }},
		{"expire over 100", func(c *Config) { c.ExpirePct = 101 }},
		{"unknown type", func(c *Config) { c.Types = "string,graph" }},
		{"no types", func(c *Config) { c.Types = " , " }},
		{"bad compression", func(c *Config) { c.Compression = "lz4" }},
		{"bad version", func(c *Config) { c.Version = 99 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := generateConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.ValidateGenerate())
		})
	}
}

func TestVerifier_SamplesPrefixedKeys(t *testing.T) {
	gen := generateConfig(t)
	gen.Keys = 5
	gen.ExpirePct = 50
	require.NoError(t, gen.ValidateGenerate())
	_, err := executeGenerate(context.Background(), gen)
	require.NoError(t, err)

	cfg := &Config{
		Input:        gen.Output,
		Format:       pipeline.FormatAuto,
		Targets:      "127.0.0.1:7000",
		PrefixFormat: "db%d:",
		Samples:      100,
		Seed:         1,
	}
	require.NoError(t, cfg.ValidateVerify())

	v := NewVerifier(cfg, cluster.SingleShard("127.0.0.1:7000"))
	in, err := pipeline.Open(cfg.Input, cfg.Format, true)
	require.NoError(t, err)
	defer in.Close()

	samples, total, err := v.sampleKeys(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)
	require.Len(t, samples, 15)

	for _, s := range samples {
		if s.db == 0 {
			assert.Equal(t, s.src, s.dest)
		} else {
			assert.True(t, strings.HasPrefix(s.dest, "db"), s.dest)
			assert.True(t, strings.HasSuffix(s.dest, s.src), s.dest)
		}
	}
}

func TestVerifier_ReservoirBoundsSamples(t *testing.T) {
	gen := generateConfig(t)
	require.NoError(t, gen.ValidateGenerate())
	_, err := executeGenerate(context.Background(), gen)
	require.NoError(t, err)

	cfg := &Config{Input: gen.Output, Format: pipeline.FormatAuto, Targets: "x:1", Samples: 7, NoPrefix: true}
	require.NoError(t, cfg.ValidateVerify())

	v := NewVerifier(cfg, cluster.SingleShard("x:1"))
	in, err := pipeline.Open(cfg.Input, cfg.Format, true)
	require.NoError(t, err)
	defer in.Close()

	samples, total, err := v.sampleKeys(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(60), total)
	assert.Len(t, samples, 7)
}
