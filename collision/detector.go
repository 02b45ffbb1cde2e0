// Package collision detects destination keys written from more than one
// source database.
package collision

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32

	DefaultCapacity   = 1 << 20
	DefaultRecentKeys = 100000
)

// Kind classifies an observation.
type Kind string

const (
	None Kind = ""
	// Confirmed means the key is known to come from another source database.
	Confirmed Kind = "confirmed"
	// Possible means the filter has seen the key but its origin was evicted
	// from the recent-key cache, or the filter hit is a false positive.
	Possible Kind = "possible"
)

// Collision describes one detected clash.
type Collision struct {
	Key       string
	Kind      Kind
	FirstDB   int
	CurrentDB int
}

func (c Collision) String() string {
	if c.Kind == Confirmed {
		return fmt.Sprintf("key %q written from db %d and db %d", c.Key, c.FirstDB, c.CurrentDB)
	}
	return fmt.Sprintf("key %q from db %d may clash with an earlier database", c.Key, c.CurrentDB)
}

// Options size the detector.
type Options struct {
	Capacity   uint
	RecentKeys int
}

// Stats counts observations.
type Stats struct {
	Observed  int64
	Confirmed int64
	Possible  int64
}

// Detector tracks destination keys.
//
// Design:
//   - Hash = XXH64(key), inserted into a cuckoo filter on first sight
//   - Filter MISS = new key, no collision possible
//   - Filter HIT = look up the exact key in an LRU of key -> source db
//
// Thread-safe for concurrent access.
type Detector struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
	recent *lru.Cache[string, int]
	buf    [8]byte
	full   bool
	stats  Stats
}

// New creates a detector. Zero options take the defaults.
func New(opts Options) (*Detector, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.RecentKeys <= 0 {
		opts.RecentKeys = DefaultRecentKeys
	}
	recent, err := lru.New[string, int](opts.RecentKeys)
	if err != nil {
		return nil, fmt.Errorf("recent key cache: %w", err)
	}
	return &Detector{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, opts.Capacity, cuckoo.TableTypePacked),
		recent: recent,
	}, nil
}

// Observe records that key is about to be written on behalf of sourceDB and
// reports a collision with an earlier write from a different database.
func (d *Detector) Observe(key string, sourceDB int) (Collision, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Observed++
	if first, ok := d.recent.Get(key); ok {
		if first == sourceDB {
			return Collision{}, false
		}
		d.stats.Confirmed++
		return d.report(Collision{Key: key, Kind: Confirmed, FirstDB: first, CurrentDB: sourceDB})
	}

	binary.LittleEndian.PutUint64(d.buf[:], xxhash.Sum64String(key))
	seen := d.filter.Contain(d.buf[:])
	d.recent.Add(key, sourceDB)
	if !seen {
		if !d.filter.Add(d.buf[:]) && !d.full {
			d.full = true
			log.Warn().Uint("size", d.filter.Size()).Msg("Collision filter is full, new keys are tracked by the recent-key cache only")
		}
		return Collision{}, false
	}

	d.stats.Possible++
	return d.report(Collision{Key: key, Kind: Possible, FirstDB: -1, CurrentDB: sourceDB})
}

func (d *Detector) report(c Collision) (Collision, bool) {
	telemetry.KeyCollisionsTotal.With(string(c.Kind)).Inc()
	if c.Kind == Confirmed {
		log.Warn().Str("key", c.Key).Int("first_db", c.FirstDB).Int("db", c.CurrentDB).Msg("Destination key collision")
	} else {
		log.Debug().Str("key", c.Key).Int("db", c.CurrentDB).Msg("Possible destination key collision")
	}
	return c, true
}

// Stats returns the observation counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Size returns the number of distinct keys in the filter.
func (d *Detector) Size() uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.Size()
}
