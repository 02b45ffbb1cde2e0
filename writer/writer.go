// Package writer delivers operations to the shards of a slot-partitioned
// destination. Each shard has one worker that owns its connection, batches
// what it is given into pipelined requests, and retries transient failures
// with exponential backoff. All workers share one rate limiter.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// KeylessPolicy decides what happens to operations without keys.
type KeylessPolicy string

const (
	KeylessDrop         KeylessPolicy = "drop"
	KeylessDefaultShard KeylessPolicy = "default_shard"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 50 * time.Millisecond
	DefaultQueueSize     = 1024
	DefaultMaxAttempts   = 5
	DefaultRetryBase     = 100 * time.Millisecond
	DefaultRetryMax      = 5 * time.Second
)

// Options configure a Writer. Zero values take the defaults above.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int

	// RateLimit bounds commands per second across all shards; 0 disables.
	RateLimit float64
	RateBurst int

	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration

	KeylessPolicy  KeylessPolicy
	AllowNonZeroDB bool

	// OnFailure is called once per terminally failed operation, from the
	// goroutine that resolved it.
	OnFailure func(op *common.Operation, err error)
}

// Stats is a point-in-time copy of the writer counters.
type Stats struct {
	Written        int64
	Retried        int64
	Failed         int64
	DroppedKeyless int64
	Incomplete     int64
	Split          int64
	Batches        int64
}

type request struct {
	op       *common.Operation
	slot     uint16
	attempts int
	finish   func(err error)
}

// Writer routes operations to per-shard workers.
type Writer struct {
	opts     Options
	topology *cluster.Holder
	dial     Dialer
	limiter  *rate.Limiter

	mu      sync.RWMutex
	shards  map[string]*shardWorker
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	abort   context.CancelFunc
	aborted atomic.Bool

	written        atomic.Int64
	retried        atomic.Int64
	failed         atomic.Int64
	droppedKeyless atomic.Int64
	incomplete     atomic.Int64
	splits         atomic.Int64
	batches        atomic.Int64
}

// New creates a writer over topology. Shard workers start on first use.
func New(topology *cluster.Holder, dial Dialer, opts Options) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = max(DefaultRetryMax, opts.RetryBase)
	}
	if opts.KeylessPolicy == "" {
		opts.KeylessPolicy = KeylessDrop
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	// A batch acquires one token per command, so a full batch must fit.
	burst := max(opts.RateBurst, opts.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		opts:     opts,
		topology: topology,
		dial:     dial,
		limiter:  rate.NewLimiter(limit, burst),
		shards:   make(map[string]*shardWorker),
		ctx:      ctx,
		abort:    cancel,
	}
}

// Submit queues op for delivery. It blocks while the target shard's queue is
// full. The future resolves with nil once the destination acknowledged op,
// or with the reason it never will.
func (w *Writer) Submit(ctx context.Context, op *common.Operation) *future.Future[error] {
	p := future.NewPromise[error]()
	finish := w.resolver(op, p)

	if op.DB != 0 && !w.opts.AllowNonZeroDB {
		finish(ErrNonZeroDatabase)
		return p.Future()
	}

	if !op.HasKeys() {
		if w.opts.KeylessPolicy == KeylessDrop {
			w.droppedKeyless.Add(1)
			telemetry.OperationsTotal.With("write", "dropped_keyless").Inc()
			log.Debug().Str("op", op.String()).Msg("Dropped keyless operation")
			p.Set(nil, ErrKeyless)
			return p.Future()
		}
		w.enqueue(ctx, &request{op: op, finish: finish}, 0)
		return p.Future()
	}

	slots := slotsOf(op)
	if len(slots) == 1 {
		w.enqueue(ctx, &request{op: op, finish: finish}, slots[0])
		return p.Future()
	}

	parts, ok := split(op)
	if !ok {
		finish(&CrossSlotError{Command: op.Command(), Slots: slots})
		return p.Future()
	}

	w.splits.Add(1)
	g := &splitGroup{finish: finish}
	g.remaining.Store(int32(len(parts)))
	for _, part := range parts {
		w.enqueue(ctx, &request{op: part, finish: g.done}, slotsOf(part)[0])
	}
	return p.Future()
}

// splitGroup resolves the original operation once every part has.
type splitGroup struct {
	remaining atomic.Int32
	mu        sync.Mutex
	err       error
	finish    func(error)
}

func (g *splitGroup) done(err error) {
	if err != nil {
		g.mu.Lock()
		if g.err == nil {
			g.err = err
		}
		g.mu.Unlock()
	}
	if g.remaining.Add(-1) == 0 {
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		g.finish(err)
	}
}

// resolver returns the single completion path for op: it updates counters,
// reports terminal failures and settles the promise.
func (w *Writer) resolver(op *common.Operation, p *future.Promise[error]) func(error) {
	return func(err error) {
		switch {
		case err == nil:
			w.written.Add(1)
			telemetry.OperationsTotal.With("write", "ok").Inc()
		case errors.Is(err, ErrIncomplete) || errors.Is(err, ErrClosed):
			w.incomplete.Add(1)
			telemetry.OperationsTotal.With("write", "incomplete").Inc()
		default:
			w.failed.Add(1)
			telemetry.OperationsTotal.With("write", "failed").Inc()
			log.Error().Err(err).Str("op", op.String()).Msg("Operation failed")
			if w.opts.OnFailure != nil {
				w.opts.OnFailure(op, err)
			}
		}
		p.Set(nil, err)
	}
}

func (w *Writer) enqueue(ctx context.Context, req *request, slot uint16) {
	req.slot = slot
	sw, err := w.worker(slot)
	if err != nil {
		req.finish(err)
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		req.finish(ErrClosed)
		return
	}

	select {
	case sw.queue <- req:
	case <-ctx.Done():
		req.finish(ErrIncomplete)
	case <-w.ctx.Done():
		req.finish(ErrIncomplete)
	}
}

// worker returns the worker for slot's owner, starting it if needed.
func (w *Writer) worker(slot uint16) (*shardWorker, error) {
	topo := w.topology.Load()
	if topo == nil {
		return nil, ErrNoShard
	}
	shard, ok := topo.ShardFor(slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", ErrNoShard, slot)
	}

	w.mu.RLock()
	sw, closed := w.shards[shard.Addr], w.closed
	w.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if sw != nil {
		return sw, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if sw := w.shards[shard.Addr]; sw != nil {
		return sw, nil
	}

	conn, err := w.dial(shard)
	if err != nil {
		return nil, &TransmitError{Shard: shard.Addr, Class: ClassTerminal, Err: fmt.Errorf("dial: %w", err)}
	}
	sw = newShardWorker(w, shard.Addr, conn)
	w.shards[shard.Addr] = sw
	w.wg.Add(1)
	go sw.run()

	log.Info().Str("shard", shard.Addr).Int("slots", shard.SlotCount()).Msg("Started shard writer")
	return sw, nil
}

// Close flushes every shard. Operations still queued or in flight when ctx
// ends resolve with ErrIncomplete, and Close then returns ErrIncomplete.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, sw := range w.shards {
		close(sw.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Writer flush grace period expired, abandoning queued operations")
		w.aborted.Store(true)
		w.abort()
		<-done
	}
	w.abort()

	w.mu.Lock()
	for addr, sw := range w.shards {
		if err := sw.conn.Close(); err != nil {
			log.Warn().Err(err).Str("shard", addr).Msg("Failed to close shard connection")
		}
	}
	w.mu.Unlock()

	if n := w.incomplete.Load(); n > 0 {
		return fmt.Errorf("%w: %d operations", ErrIncomplete, n)
	}
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Written:        w.written.Load(),
		Retried:        w.retried.Load(),
		Failed:         w.failed.Load(),
		DroppedKeyless: w.droppedKeyless.Load(),
		Incomplete:     w.incomplete.Load(),
		Split:          w.splits.Load(),
		Batches:        w.batches.Load(),
	}
}

// QueueDepths reports queued operations per shard.
func (w *Writer) QueueDepths() map[string]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]int, len(w.shards))
	for addr, sw := range w.shards {
		out["shard:"+addr] = len(sw.queue)
	}
	return out
}

func (w *Writer) backoff(attempt int) time.Duration {
	d := w.opts.RetryBase << (attempt - 1)
	if d <= 0 || d > w.opts.RetryMax {
		return w.opts.RetryMax
	}
	return d
}

func (w *Writer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func observeBatch(addr string, n int, took time.Duration) {
	telemetry.BatchSize.Observe(float64(n))
	telemetry.TransmitDurationSeconds.With(addr).Observe(took.Seconds())
}
