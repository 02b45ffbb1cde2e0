package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/maxpert/burrow/rdb"
)

// Generator writes keys of the configured types into an encoder. Key names
// repeat across databases, so folding databases without a prefix collides.
type Generator struct {
	cfg   *Config
	rng   *rand.Rand
	enc   *rdb.Encoder
	stats *Stats
	now   time.Time
}

func NewGenerator(cfg *Config, enc *rdb.Encoder, stats *Stats) *Generator {
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		enc:   enc,
		stats: stats,
		now:   time.Now(),
	}
}

// KeyName is the key written at index i of every database.
func KeyName(typ string, i int) string {
	return fmt.Sprintf("%s:%06d", typ, i)
}

// TypeAt is the type of the key at index i; the same index has the same
// type in every database.
func (g *Generator) TypeAt(i int) string {
	types := g.cfg.TypeList()
	return types[i%len(types)]
}

func (g *Generator) Database(db int) error {
	if err := g.enc.SelectDB(db); err != nil {
		return err
	}

	expiring := make([]bool, g.cfg.Keys)
	var expires uint64
	for i := range expiring {
		if g.rng.Float64()*100 < g.cfg.ExpirePct {
			expiring[i] = true
			expires++
		}
	}
	if err := g.enc.ResizeDB(uint64(g.cfg.Keys), expires); err != nil {
		return err
	}

	for i := 0; i < g.cfg.Keys; i++ {
		if expiring[i] {
			// Far enough ahead that the keys are still live after a slow migration.
			at := g.now.Add(24*time.Hour + time.Duration(g.rng.Intn(3600))*time.Second)
			if err := g.enc.ExpireAtMs(at.UnixMilli()); err != nil {
				return err
			}
			g.stats.RecordExpiry()
		}
		typ := g.TypeAt(i)
		if err := g.write(typ, []byte(KeyName(typ, i))); err != nil {
			return fmt.Errorf("db %d key %d: %w", db, i, err)
		}
		g.stats.RecordKey(db, typ)
	}
	return nil
}

func (g *Generator) write(typ string, key []byte) error {
	n := g.cfg.Elements
	switch typ {
	case TypeString:
		return g.enc.String(key, g.value())
	case TypeList:
		items := make([][]byte, n)
		for i := range items {
			items[i] = g.value()
		}
		return g.enc.List(key, items...)
	case TypeSet:
		members := make([][]byte, n)
		for i := range members {
			members[i] = []byte("m" + strconv.Itoa(i))
		}
		return g.enc.Set(key, members...)
	case TypeZSet:
		members := make([]rdb.ScoredMember, n)
		for i := range members {
			members[i] = rdb.ScoredMember{Member: []byte("m" + strconv.Itoa(i)), Score: float64(g.rng.Intn(1000))}
		}
		return g.enc.SortedSet(key, members...)
	case TypeHash:
		fields := make([]rdb.FieldValue, n)
		for i := range fields {
			fields[i] = rdb.FieldValue{Field: []byte("f" + strconv.Itoa(i)), Value: g.value()}
		}
		return g.enc.Hash(key, fields...)
	case TypeStream:
		entries := make([]rdb.StreamEntry, n)
		base := uint64(g.now.UnixMilli())
		for i := range entries {
			entries[i] = rdb.StreamEntry{MS: base + uint64(i), Fields: [][]byte{[]byte("v"), g.value()}}
		}
		return g.enc.Stream(key, entries)
	}
	return fmt.Errorf("unknown type %q", typ)
}

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func (g *Generator) value() []byte {
	b := make([]byte, g.cfg.ValueSize)
	for i := range b {
		b[i] = alphabet[g.rng.Intn(len(alphabet))]
	}
	return b
}
