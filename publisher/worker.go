package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/journal"
	"github.com/rs/zerolog/log"
)

const (
	// Default journal records read per poll cycle
	DefaultBatchSize = 100
	// Default interval between journal polls
	DefaultPollInterval = 500 * time.Millisecond
	// Default buffered status events per worker
	DefaultQueueSize = 64
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 10
	// DefaultTopicPrefix is used when a sink has none configured
	DefaultTopicPrefix = "burrow"
)

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string           // Sink name (also the journal cursor name)
	Instance        uint64           // Instance id stamped on failure events
	Journal         *journal.Journal // Source of failure events; nil disables them
	Sink            Sink             // Destination sink
	Transformer     Transformer      // Event serializer
	Filter          Filter           // Event kind filter
	TopicPrefix     string           // Topic prefix (e.g., "burrow")
	BatchSize       int              // Journal records per poll cycle
	PollInterval    time.Duration    // Journal poll interval
	QueueSize       int              // Buffered status events
	RetryInitial    time.Duration    // Initial retry delay
	RetryMax        time.Duration    // Max retry delay
	RetryMultiplier float64          // Backoff multiplier
	MaxRetries      int              // Maximum attempts per event
}

// Worker publishes status events handed to it and failure events read from
// the journal.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	events      chan Event
	published   atomic.Int64
	dropped     atomic.Int64
	failed      atomic.Int64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new sink worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	w := &Worker{
		config: config,
		events: make(chan Event, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if config.Journal != nil {
		w.cursor = config.Journal.Cursor(config.Name)
	}
	return w, nil
}

// Enqueue hands a status event to the worker without blocking. When the
// queue is full a progress event is dropped; a result event evicts the
// oldest queued event instead.
func (w *Worker) Enqueue(ev Event) {
	if !w.config.Filter.Match(ev.Kind) {
		return
	}
	select {
	case w.events <- ev:
		return
	default:
	}
	if ev.Kind == EventProgress {
		w.dropped.Add(1)
		return
	}
	select {
	case <-w.events:
		w.dropped.Add(1)
	default:
	}
	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting event publisher worker")

	go w.loop()
}

// Stop publishes what is still queued, one attempt per event, and stops the
// worker.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().
		Str("worker", w.config.Name).
		Int64("published", w.published.Load()).
		Int64("dropped", w.dropped.Load()).
		Int64("failed", w.failed.Load()).
		Msg("Event publisher worker stopped")
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case ev := <-w.events:
			w.publish(ev)
		case <-ticker.C:
			w.pollFailures()
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case ev := <-w.events:
			w.publish(ev)
		default:
			for {
				if n := w.pollFailures(); n < w.config.BatchSize {
					return
				}
			}
		}
	}
}

// pollFailures publishes one batch of journal records after the cursor and
// returns how many were consumed.
func (w *Worker) pollFailures() int {
	if w.config.Journal == nil {
		return 0
	}
	recs, err := w.config.Journal.ReadFrom(w.cursor, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("worker", w.config.Name).Uint64("cursor", w.cursor).Msg("Failed to read failure journal")
		return 0
	}

	for i, rec := range recs {
		if w.config.Filter.Match(EventFailure) {
			if !w.publish(FailureEvent(w.config.Instance, rec)) {
				return i
			}
		}
		// Publish happens first, so a failed cursor update means redelivery.
		if err := w.config.Journal.AdvanceCursor(w.config.Name, rec.Seq); err != nil {
			log.Warn().Err(err).Str("worker", w.config.Name).Uint64("seq", rec.Seq).Msg("Failed to advance journal cursor")
		}
		w.cursor = rec.Seq
	}
	return len(recs)
}

func (w *Worker) publish(ev Event) bool {
	data, err := w.config.Transformer.Transform(ev)
	if err != nil {
		w.failed.Add(1)
		log.Error().Err(err).Str("worker", w.config.Name).Str("kind", string(ev.Kind)).Msg("Failed to transform event")
		return false
	}
	if err := w.publishWithRetry(w.buildTopic(ev.Kind), ev.Key(), data); err != nil {
		w.failed.Add(1)
		log.Error().Err(err).Str("worker", w.config.Name).Str("kind", string(ev.Kind)).Msg("Failed to publish event")
		return false
	}
	w.published.Add(1)
	return true
}

func (w *Worker) buildTopic(kind EventKind) string {
	return Topic(w.config.TopicPrefix, kind)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry: %w", err)
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
