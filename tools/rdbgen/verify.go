package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/pipeline"
	"github.com/maxpert/burrow/script"
	"github.com/redis/go-redis/v9"
)

// KeyMismatch is a sampled key missing from the destination.
type KeyMismatch struct {
	SourceDB int
	Source   string
	Dest     string
	Shard    string
}

// VerifyResult holds verification results.
type VerifyResult struct {
	SourceKeys  int64
	SampledKeys int
	Found       int
	Missing     int
	Mismatches  []KeyMismatch // first maxMismatches
}

const maxMismatches = 10

type sample struct {
	db   int
	src  string
	dest string
}

// Verifier checks that keys of a snapshot exist on the destination after a
// migration.
type Verifier struct {
	cfg      *Config
	hook     script.Hook
	topology *cluster.Topology
	clients  map[string]*redis.Client
}

func NewVerifier(cfg *Config, topology *cluster.Topology) *Verifier {
	var hook script.Hook = script.DatabasePrefixer{Format: cfg.PrefixFormat}
	if cfg.NoPrefix {
		hook = script.Passthrough{}
	}
	return &Verifier{
		cfg:      cfg,
		hook:     hook,
		topology: topology,
		clients:  make(map[string]*redis.Client),
	}
}

// Verify samples keys from the snapshot and looks each one up on the shard
// that owns it.
func (v *Verifier) Verify(ctx context.Context) (*VerifyResult, error) {
	in, err := pipeline.Open(v.cfg.Input, v.cfg.Format, v.cfg.VerifyChecksum)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	samples, total, err := v.sampleKeys(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to sample keys: %w", err)
	}

	result := &VerifyResult{SourceKeys: total, SampledKeys: len(samples)}
	for _, s := range samples {
		shard, ok := v.topology.ShardFor(cluster.SlotOf(s.dest))
		if !ok {
			return nil, fmt.Errorf("no shard owns key %q", s.dest)
		}
		n, err := v.client(shard.Addr).Exists(ctx, s.dest).Result()
		if err != nil {
			return nil, fmt.Errorf("exists %q on %s: %w", s.dest, shard.Addr, err)
		}
		if n == 1 {
			result.Found++
			continue
		}
		result.Missing++
		if len(result.Mismatches) < maxMismatches {
			result.Mismatches = append(result.Mismatches, KeyMismatch{
				SourceDB: s.db, Source: s.src, Dest: s.dest, Shard: shard.Addr,
			})
		}
	}
	return result, nil
}

// sampleKeys reservoir-samples distinct source keys and maps each to its
// destination name through the hook.
func (v *Verifier) sampleKeys(ctx context.Context, dec pipeline.Decoder) ([]sample, int64, error) {
	rng := rand.New(rand.NewSource(v.cfg.Seed))
	seen := make(map[string]struct{})
	var reservoir []sample
	var total int64

	for {
		op, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return reservoir, total, nil
		}
		if err != nil {
			return nil, 0, err
		}
		if op.Command() == "PEXPIREAT" {
			continue
		}
		key, ok := op.FirstKey()
		if !ok {
			continue
		}
		id := fmt.Sprintf("%d/%s", op.DB, key)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		outs, err := v.hook.Apply(ctx, op)
		if err != nil || len(outs) == 0 {
			continue
		}
		dest, ok := outs[0].FirstKey()
		if !ok {
			continue
		}

		total++
		s := sample{db: op.DB, src: string(key), dest: string(dest)}
		if len(reservoir) < v.cfg.Samples {
			reservoir = append(reservoir, s)
		} else if j := rng.Int63n(total); j < int64(v.cfg.Samples) {
			reservoir[j] = s
		}
	}
}

func (v *Verifier) client(addr string) *redis.Client {
	c, ok := v.clients[addr]
	if !ok {
		c = redis.NewClient(&redis.Options{
			Addr:        addr,
			Password:    v.cfg.Password,
			DialTimeout: v.cfg.Timeout,
			ReadTimeout: v.cfg.Timeout,
		})
		v.clients[addr] = c
	}
	return c
}

func (v *Verifier) Close() {
	for _, c := range v.clients {
		c.Close()
	}
}

func (r *VerifyResult) Print() {
	fmt.Println("\n=== Verification Result ===")
	fmt.Printf("Source keys: %d | Sampled: %d | Found: %d | Missing: %d\n",
		r.SourceKeys, r.SampledKeys, r.Found, r.Missing)
	for _, m := range r.Mismatches {
		fmt.Printf("  MISSING db%d %q -> %q on %s\n", m.SourceDB, m.Source, m.Dest, m.Shard)
	}
	if r.Missing == 0 {
		fmt.Println("\nPASSED")
	} else {
		fmt.Println("\nFAILED")
	}
}
