package cluster

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// ShardInfo represents one destination shard in admin responses
type ShardInfo struct {
	ID        string   `json:"id"`
	Addr      string   `json:"addr"`
	Replicas  []string `json:"replicas,omitempty"`
	SlotCount int      `json:"slot_count"`
	Ranges    int      `json:"ranges"`
}

// Manager serves the destination topology over HTTP
type Manager struct {
	holder *Holder
}

// NewManager creates a new topology manager
func NewManager(holder *Holder) *Manager {
	return &Manager{holder: holder}
}

// Info returns a snapshot of the current shards
func (cm *Manager) Info() []ShardInfo {
	t := cm.holder.Load()
	if t == nil {
		return nil
	}
	out := make([]ShardInfo, 0, len(t.Shards()))
	for _, s := range t.Shards() {
		out = append(out, ShardInfo{
			ID:        s.ID,
			Addr:      s.Addr,
			Replicas:  s.Replicas,
			SlotCount: s.SlotCount(),
			Ranges:    len(s.Slots),
		})
	}
	return out
}

// HandleShards handles GET /admin/cluster/shards
func (cm *Manager) HandleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uncovered := 0
	if t := cm.holder.Load(); t != nil {
		uncovered = t.Uncovered()
	}

	response := map[string]interface{}{
		"shards":          cm.Info(),
		"uncovered_slots": uncovered,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode cluster shards response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// HandleSlot handles GET /admin/cluster/slot/{key}
func (cm *Manager) HandleSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/admin/cluster/slot/")
	if key == "" || key == r.URL.Path {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	slot := SlotOf(key)
	response := map[string]interface{}{
		"key":  key,
		"slot": slot,
	}
	if t := cm.holder.Load(); t != nil {
		if s, ok := t.ShardFor(slot); ok {
			response["shard"] = s.Addr
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode cluster slot response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
