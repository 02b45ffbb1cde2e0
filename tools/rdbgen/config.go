package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/burrow/rdb"
)

// Value types rdbgen can write.
const (
	TypeString = "string"
	TypeList   = "list"
	TypeSet    = "set"
	TypeZSet   = "zset"
	TypeHash   = "hash"
	TypeStream = "stream"
)

var knownTypes = map[string]bool{
	TypeString: true,
	TypeList:   true,
	TypeSet:    true,
	TypeZSet:   true,
	TypeHash:   true,
	TypeStream: true,
}

type Config struct {
	// Generate options
	Output      string
	Databases   int
	Keys        int // per database
	ExpirePct   float64
	Types       string
	Elements    int // members per collection
	ValueSize   int
	Version     int
	Compression string
	Seed        int64

	// Verify options
	Input          string
	Format         string
	Targets        string
	Mode           string
	Password       string
	PrefixFormat   string
	NoPrefix       bool
	Samples        int
	Timeout        time.Duration
	VerifyChecksum bool

	// Derived
	typeList   []string
	targetList []string
}

func (c *Config) ValidateGenerate() error {
	if c.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}
	if c.Databases < 1 || c.Databases > 16 {
		return fmt.Errorf("databases must be between 1 and 16")
	}
	if c.Keys < 0 {
		return fmt.Errorf("keys must be non-negative")
	}
	if c.ExpirePct < 0 || c.ExpirePct > 100 {
		return fmt.Errorf("expire-pct must be between 0 and 100")
	}
	if c.Elements < 1 {
		c.Elements = 1
	}
	if c.ValueSize < 1 {
		return fmt.Errorf("value-size must be at least 1")
	}
	if c.Version < 1 || c.Version > rdb.MaxKnownVersion {
		return fmt.Errorf("version must be between 1 and %d", rdb.MaxKnownVersion)
	}

	switch rdb.Compression(c.Compression) {
	case rdb.CompressionNone, rdb.CompressionGzip, rdb.CompressionZstd, "":
	default:
		return fmt.Errorf("invalid compression: %s (must be none|gzip|zstd)", c.Compression)
	}

	c.typeList = c.typeList[:0]
	for _, t := range strings.Split(c.Types, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !knownTypes[t] {
			return fmt.Errorf("unknown type %q", t)
		}
		c.typeList = append(c.typeList, t)
	}
	if len(c.typeList) == 0 {
		return fmt.Errorf("types cannot be empty")
	}
	return nil
}

func (c *Config) ValidateVerify() error {
	if c.Input == "" {
		return fmt.Errorf("input cannot be empty")
	}
	if c.Targets == "" {
		return fmt.Errorf("targets cannot be empty")
	}

	c.targetList = c.targetList[:0]
	for _, h := range strings.Split(c.Targets, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			return fmt.Errorf("empty target in list")
		}
		c.targetList = append(c.targetList, h)
	}

	if c.Samples < 1 {
		return fmt.Errorf("samples must be at least 1")
	}
	if !c.NoPrefix && !strings.Contains(c.PrefixFormat, "%d") {
		return fmt.Errorf("prefix-format must contain %%d")
	}
	return nil
}

func (c *Config) TypeList() []string {
	return c.typeList
}
