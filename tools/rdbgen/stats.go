package main

import (
	"fmt"
	"sort"
	"time"
)

// Stats counts what was generated or verified.
type Stats struct {
	keys     map[int]int64
	types    map[string]int64
	expiries int64
	bytes    int64
	start    time.Time
}

func NewStats() *Stats {
	return &Stats{
		keys:  make(map[int]int64),
		types: make(map[string]int64),
		start: time.Now(),
	}
}

func (s *Stats) RecordKey(db int, typ string) {
	s.keys[db]++
	s.types[typ]++
}

func (s *Stats) RecordExpiry() {
	s.expiries++
}

func (s *Stats) SetBytes(n int64) {
	s.bytes = n
}

func (s *Stats) TotalKeys() int64 {
	var n int64
	for _, c := range s.keys {
		n += c
	}
	return n
}

func (s *Stats) Keys(db int) int64 {
	return s.keys[db]
}

func (s *Stats) Print() {
	fmt.Println("\n=== Snapshot Summary ===")
	fmt.Printf("Keys: %d | Expiring: %d | Bytes: %d | Time: %s\n",
		s.TotalKeys(), s.expiries, s.bytes, time.Since(s.start).Round(time.Millisecond))

	dbs := make([]int, 0, len(s.keys))
	for db := range s.keys {
		dbs = append(dbs, db)
	}
	sort.Ints(dbs)
	fmt.Println("\nPer database:")
	for _, db := range dbs {
		fmt.Printf("  db%-3d %10d\n", db, s.keys[db])
	}

	types := make([]string, 0, len(s.types))
	for t := range s.types {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Println("\nPer type:")
	for _, t := range types {
		fmt.Printf("  %-8s %10d\n", t, s.types[t])
	}
}
