package publisher

import "strings"

// EventKind names what an event reports.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
	EventFailure  EventKind = "failure"
)

// Event is one message for external consumers of a migration run.
type Event struct {
	Kind     EventKind   `msgpack:"kind" json:"kind"`
	RunID    string      `msgpack:"run_id" json:"run_id"`
	Instance uint64      `msgpack:"instance" json:"instance"`
	Time     int64       `msgpack:"ts" json:"ts"` // unix ms
	Seq      uint64      `msgpack:"seq,omitempty" json:"seq,omitempty"`
	Payload  interface{} `msgpack:"payload" json:"payload"`
}

// Topic is where events of kind are published: "{prefix}.{kind}".
func Topic(prefix string, kind EventKind) string {
	return prefix + "." + string(kind)
}

// KindOf recovers the event kind from a topic built by Topic.
func KindOf(topic string) EventKind {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return EventKind(topic[i+1:])
	}
	return EventKind(topic)
}

// Key is the partition key: every event of a run lands on one partition.
func (e Event) Key() string {
	return e.RunID
}

// Sink represents a destination for events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer serializes events for a sink.
type Transformer interface {
	Transform(event Event) ([]byte, error)
}

// Filter determines whether an event should be published
type Filter interface {
	Match(kind EventKind) bool
}
