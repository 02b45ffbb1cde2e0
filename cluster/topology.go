package cluster

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// SlotRange is an inclusive range of slots.
type SlotRange struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Count is the number of slots in the range.
func (r SlotRange) Count() int {
	return int(r.End) - int(r.Start) + 1
}

// Shard is one independently addressed destination partition.
type Shard struct {
	ID       string      `json:"id"`
	Addr     string      `json:"addr"`
	Replicas []string    `json:"replicas,omitempty"`
	Slots    []SlotRange `json:"slots"`
}

// SlotCount is the number of slots the shard owns.
func (s *Shard) SlotCount() int {
	n := 0
	for _, r := range s.Slots {
		n += r.Count()
	}
	return n
}

// Topology maps every slot to the shard that owns it. It is immutable once
// built; swap a new one into a Holder to change placement.
type Topology struct {
	shards []*Shard
	owner  [SlotCount]int16
}

// NewTopology builds a topology from shards. Overlapping ranges are an error;
// slots owned by nobody are allowed and reported by Uncovered.
func NewTopology(shards []Shard) (*Topology, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("topology: no shards")
	}
	if len(shards) > 1<<15-1 {
		return nil, fmt.Errorf("topology: too many shards (%d)", len(shards))
	}

	t := &Topology{shards: make([]*Shard, len(shards))}
	for i := range t.owner {
		t.owner[i] = -1
	}

	sorted := append([]Shard(nil), shards...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	for i := range sorted {
		s := sorted[i]
		if s.ID == "" {
			s.ID = s.Addr
		}
		t.shards[i] = &s
		for _, r := range s.Slots {
			if r.Start > r.End || r.End >= SlotCount {
				return nil, fmt.Errorf("topology: shard %s has invalid slot range %d-%d", s.Addr, r.Start, r.End)
			}
			for slot := int(r.Start); slot <= int(r.End); slot++ {
				if prev := t.owner[slot]; prev >= 0 {
					return nil, fmt.Errorf("topology: slot %d owned by both %s and %s", slot, t.shards[prev].Addr, s.Addr)
				}
				t.owner[slot] = int16(i)
			}
		}
	}
	return t, nil
}

// SingleShard places the whole keyspace on one endpoint (a non-clustered
// destination).
func SingleShard(addr string) *Topology {
	t, _ := NewTopology([]Shard{{ID: addr, Addr: addr, Slots: []SlotRange{{Start: 0, End: SlotCount - 1}}}})
	return t
}

// ShardFor returns the owner of slot.
func (t *Topology) ShardFor(slot uint16) (*Shard, bool) {
	idx := t.owner[slot&(SlotCount-1)]
	if idx < 0 {
		return nil, false
	}
	return t.shards[idx], true
}

// ShardIndex returns the position of slot's owner in Shards(), or -1.
func (t *Topology) ShardIndex(slot uint16) int {
	return int(t.owner[slot&(SlotCount-1)])
}

// Shards returns the shards ordered by address.
func (t *Topology) Shards() []*Shard {
	return t.shards
}

// Uncovered counts slots no shard owns.
func (t *Topology) Uncovered() int {
	n := 0
	for _, o := range t.owner {
		if o < 0 {
			n++
		}
	}
	return n
}

// Holder publishes the current Topology to readers. Refresh after
// rebalancing happens outside this package by calling Swap.
type Holder struct {
	p atomic.Pointer[Topology]
}

func NewHolder(t *Topology) *Holder {
	h := &Holder{}
	h.p.Store(t)
	return h
}

func (h *Holder) Load() *Topology {
	return h.p.Load()
}

// Swap installs t and returns the previous topology.
func (h *Holder) Swap(t *Topology) *Topology {
	return h.p.Swap(t)
}
