// Package publisher announces a migration run to external systems (Kafka,
// NATS JetStream).
//
// Three kinds of event are published, each on its own topic
// "{topic_prefix}.{kind}":
//
//	progress  periodic pipeline.Result snapshots
//	result    the final pipeline.Result
//	failure   one journal.FailedOperation per terminally failed operation
//
// Every event of a run carries the run id as its partition key.
//
// # Delivery
//
// Status events are handed to each sink worker through a small in-memory
// queue. They are best effort: when a sink falls behind, progress events
// are dropped and a result event evicts the oldest queued one.
//
// Failure events are read from the failure journal. Each sink keeps its own
// journal cursor, advanced only after a successful publish, so a sink that
// was down or restarted picks up where it left off.
//
// Sinks and serialization formats register themselves by name:
//
//	import (
//		_ "github.com/maxpert/burrow/publisher/sink"
//		_ "github.com/maxpert/burrow/publisher/transformer"
//	)
//
//	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
//		Instance:    cfg.Config.InstanceID,
//		Journal:     j,
//		SinkConfigs: cfg.Config.Sinks,
//	})
//	if err != nil {
//		return err
//	}
//	reg.Start()
//	defer reg.Stop()
//
//	opts.OnProgress = reg.OnProgress
package publisher
