package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Destination modes.
const (
	ModeCluster    = "cluster"
	ModeStandalone = "standalone"
	ModeAuto       = "auto"
)

// BootstrapOptions say how to reach the destination to learn its slot map.
type BootstrapOptions struct {
	Seeds       []string
	Mode        string
	Username    string
	Password    string
	TLS         *tls.Config
	DialTimeout time.Duration
}

// Bootstrap asks the seeds, in order, for the slot map. In auto mode a
// destination without cluster support becomes a single shard.
func Bootstrap(ctx context.Context, opts BootstrapOptions) (*Topology, error) {
	if len(opts.Seeds) == 0 {
		return nil, errors.New("bootstrap: no seed addresses")
	}
	if opts.Mode == ModeStandalone {
		log.Info().Str("addr", opts.Seeds[0]).Msg("Destination is standalone, using a single shard")
		return SingleShard(opts.Seeds[0]), nil
	}

	var lastErr error
	for _, seed := range opts.Seeds {
		client := redis.NewClient(&redis.Options{
			Addr:        seed,
			Username:    opts.Username,
			Password:    opts.Password,
			TLSConfig:   opts.TLS,
			DialTimeout: opts.DialTimeout,
			MaxRetries:  -1,
		})
		slots, err := client.ClusterSlots(ctx).Result()
		client.Close()

		if err != nil {
			if opts.Mode == ModeAuto && clusterDisabled(err) {
				log.Info().Str("addr", seed).Msg("Cluster support disabled on destination, using a single shard")
				return SingleShard(seed), nil
			}
			log.Warn().Err(err).Str("seed", seed).Msg("Failed to read slot map from seed")
			lastErr = err
			continue
		}

		t, err := FromClusterSlots(slots, seed)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("seed", seed).
			Int("shards", len(t.Shards())).
			Int("uncovered_slots", t.Uncovered()).
			Msg("Destination topology loaded")
		return t, nil
	}
	return nil, fmt.Errorf("bootstrap: no seed answered: %w", lastErr)
}

func clusterDisabled(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "cluster support disabled")
}

// FromClusterSlots converts a CLUSTER SLOTS reply. The first node of each
// range is its primary; nodes announcing an empty host inherit the seed's.
func FromClusterSlots(slots []redis.ClusterSlot, seed string) (*Topology, error) {
	seedHost, _, _ := net.SplitHostPort(seed)

	byAddr := make(map[string]*Shard)
	var order []string
	for _, cs := range slots {
		if len(cs.Nodes) == 0 {
			continue
		}
		primary := cs.Nodes[0]
		addr := fixHost(primary.Addr, seedHost)
		s, ok := byAddr[addr]
		if !ok {
			s = &Shard{ID: primary.ID, Addr: addr}
			for _, r := range cs.Nodes[1:] {
				s.Replicas = append(s.Replicas, fixHost(r.Addr, seedHost))
			}
			byAddr[addr] = s
			order = append(order, addr)
		}
		s.Slots = append(s.Slots, SlotRange{Start: uint16(cs.Start), End: uint16(cs.End)})
	}

	shards := make([]Shard, 0, len(order))
	for _, addr := range order {
		shards = append(shards, *byAddr[addr])
	}
	return NewTopology(shards)
}

func fixHost(addr, seedHost string) string {
	if strings.HasPrefix(addr, ":") && seedHost != "" {
		return seedHost + addr
	}
	return addr
}
