// Package pipeline wires a decoder, the rule filter, the scripting hook and
// the cluster writer into one bounded producer/consumer chain.
//
// The decoder runs on a single goroutine. Operations are routed to a fixed
// pool of workers by a hash of their key, so every operation touching a
// given source key is processed, and submitted to the writer, by the same
// worker in decode order. An operation whose keys hash to several workers
// waits for those workers to drain and is then processed by the decoder
// goroutine itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/collision"
	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/filter"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/script"
	"github.com/maxpert/burrow/telemetry"
	"github.com/maxpert/burrow/writer"
	"github.com/rs/zerolog/log"
)

var (
	// ErrFailureThreshold aborts a run once too many writes failed terminally.
	ErrFailureThreshold = errors.New("pipeline: terminal failure threshold reached")
	// ErrScriptErrorThreshold aborts a run once too many script calls failed.
	ErrScriptErrorThreshold = errors.New("pipeline: script error threshold reached")
	// ErrAlreadyRun is returned when Run is called twice.
	ErrAlreadyRun = errors.New("pipeline: already run")
)

const (
	DefaultWorkers     = 8
	DefaultQueueSize   = 256
	DefaultGracePeriod = 10 * time.Second
)

// Options tune the orchestrator.
type Options struct {
	RunID     string
	Workers   int
	QueueSize int

	// Zero disables a threshold.
	FailureThreshold     int64
	ScriptErrorThreshold int64

	// GracePeriod bounds the final writer flush after cancellation or abort.
	GracePeriod time.Duration

	ReportInterval time.Duration
	// OnProgress receives a snapshot every ReportInterval and the final
	// result once.
	OnProgress func(Result)
}

// Components are the optional stages. A nil Filter accepts everything and
// a nil Hook passes operations through.
type Components struct {
	Filter   *filter.Filter
	Hook     script.Hook
	Detector *collision.Detector
	Journal  *journal.Journal
}

// Pipeline runs one migration.
type Pipeline struct {
	dec    Decoder
	c      Components
	w      *writer.Writer
	opts   Options
	stats  *Stats
	queues []chan task

	started  atomic.Int64
	running  atomic.Bool
	final    atomic.Pointer[Result]
	orphaned atomic.Int64

	writeFailures atomic.Int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	abortErr error
}

// New builds a pipeline reading from dec and writing to topology through
// connections made by dial.
func New(dec Decoder, topology *cluster.Holder, dial writer.Dialer, wopts writer.Options, c Components, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.RunID == "" {
		opts.RunID = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if c.Hook == nil {
		c.Hook = script.Passthrough{}
	}

	p := &Pipeline{
		dec:    dec,
		c:      c,
		opts:   opts,
		stats:  newStats(),
		queues: make([]chan task, opts.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan task, opts.QueueSize)
	}

	next := wopts.OnFailure
	wopts.OnFailure = func(op *common.Operation, err error) {
		p.onWriteFailure(op, err)
		if next != nil {
			next(op, err)
		}
	}
	p.w = writer.New(topology, dial, wopts)
	return p
}

// RunID identifies this run in journal records and published events.
func (p *Pipeline) RunID() string { return p.opts.RunID }

// Run decodes the whole source and blocks until every operation has been
// written, failed, or abandoned. Cancelling ctx stops decoding; what is
// already queued in the writer is flushed within the grace period.
func (p *Pipeline) Run(ctx context.Context) Result {
	if !p.running.CompareAndSwap(false, true) {
		return Result{RunID: p.opts.RunID, Err: ErrAlreadyRun, Error: ErrAlreadyRun.Error(), Done: true}
	}
	p.started.Store(time.Now().UnixNano())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	if p.abortErr != nil {
		cancel()
	}
	p.mu.Unlock()

	log.Info().
		Str("run_id", p.opts.RunID).
		Int("workers", p.opts.Workers).
		Msg("Migration started")

	stopReporter := p.startReporter()

	var wg sync.WaitGroup
	for i := range p.queues {
		wg.Add(1)
		go func(q chan task) {
			defer wg.Done()
			p.work(runCtx, q)
		}(p.queues[i])
	}

	decodeErr := p.decode(runCtx)
	wg.Wait()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), p.opts.GracePeriod)
	closeErr := p.w.Close(graceCtx)
	cancelGrace()
	stopReporter()

	res := p.snapshot()
	res.Done = true

	p.mu.Lock()
	abortErr := p.abortErr
	p.mu.Unlock()

	switch {
	case abortErr != nil:
		res.Err = abortErr
	case decodeErr != nil:
		res.Err = decodeErr
	}
	res.Partial = res.Err != nil || ctx.Err() != nil || closeErr != nil || res.Incomplete > 0
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	p.final.Store(&res)

	if res.Success() {
		log.Info().Str("run_id", p.opts.RunID).Msg("Migration finished: " + res.Summary())
	} else {
		log.Error().Str("run_id", p.opts.RunID).Msg("Migration finished: " + res.Summary())
	}
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(res)
	}
	return res
}

// Progress returns a snapshot of the counters; after Run returned it is the
// final result.
func (p *Pipeline) Progress() Result {
	if r := p.final.Load(); r != nil {
		return *r
	}
	return p.snapshot()
}

func (p *Pipeline) snapshot() Result {
	var elapsed time.Duration
	if s := p.started.Load(); s > 0 {
		elapsed = time.Since(time.Unix(0, s))
	}
	r := p.stats.result(p.w.Stats(), elapsed)
	r.RunID = p.opts.RunID
	r.OrphanedExpiries = p.orphaned.Load()
	return r
}

// QueueDepths reports dispatch queues and writer shard queues.
func (p *Pipeline) QueueDepths() map[string]int {
	out := p.w.QueueDepths()
	for i, q := range p.queues {
		out["dispatch:"+strconv.Itoa(i)] = len(q)
	}
	return out
}

// Abort stops the run with err as its outcome.
func (p *Pipeline) Abort(err error) {
	p.mu.Lock()
	if p.abortErr == nil {
		p.abortErr = err
		log.Error().Err(err).Str("run_id", p.opts.RunID).Msg("Aborting migration")
	}
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// decode is the single producer. A decode error stops production but lets
// the workers finish what was already dispatched.
func (p *Pipeline) decode(ctx context.Context) error {
	defer func() {
		for _, q := range p.queues {
			close(q)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		op, err := p.dec.Next()
		p.trackDecoder()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			log.Error().Err(err).Int64("offset", p.dec.Offset()).Msg("Decode failed, no further operations will be produced")
			return fmt.Errorf("decode: %w", err)
		}

		p.stats.recordDecoded(op)
		telemetry.OperationsTotal.With("decode", "ok").Inc()

		workers := p.workersFor(op)
		if len(workers) > 1 {
			p.barrier(ctx, workers)
			if ctx.Err() != nil {
				p.stats.abandoned.Add(1)
				return nil
			}
			p.process(ctx, op)
			continue
		}

		select {
		case p.queues[workers[0]] <- task{op: op}:
		case <-ctx.Done():
			p.stats.abandoned.Add(1)
			return nil
		}
	}
}

func (p *Pipeline) trackDecoder() {
	off := p.dec.Offset()
	p.stats.bytesRead.Store(off)
	telemetry.DecodedBytes.Set(float64(off))

	n := orphanedExpiries(p.dec)
	if prev := p.orphaned.Swap(n); n > prev {
		telemetry.OrphanedExpiriesTotal.Add(float64(n - prev))
	}
}

// task is either an operation or a barrier marker.
type task struct {
	op      *common.Operation
	barrier *sync.WaitGroup
}

// workersFor returns the distinct workers owning op's keys, in key order.
// Keyless operations belong to worker 0.
func (p *Pipeline) workersFor(op *common.Operation) []int {
	if !op.HasKeys() {
		return []int{0}
	}
	n := uint64(len(p.queues))
	out := make([]int, 0, 1)
	for _, idx := range op.KeyIndexes {
		w := int(xxhash.Sum64(op.Args[idx]) % n)
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

// barrier returns once every listed worker has submitted everything queued
// ahead of the marker, or ctx ended.
func (p *Pipeline) barrier(ctx context.Context, workers []int) {
	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, w := range workers {
		select {
		case p.queues[w] <- task{barrier: &wg}:
		case <-ctx.Done():
			wg.Done()
		}
	}
	wg.Wait()
}

func (p *Pipeline) work(ctx context.Context, q chan task) {
	for t := range q {
		if t.barrier != nil {
			t.barrier.Done()
			continue
		}
		if ctx.Err() != nil {
			p.stats.abandoned.Add(1)
			continue
		}
		p.process(ctx, t.op)
	}
}

func (p *Pipeline) process(ctx context.Context, op *common.Operation) {
	if p.c.Filter != nil {
		d := p.c.Filter.Evaluate(op)
		if !d.Accepted {
			p.stats.rejected.Add(1)
			telemetry.OperationsTotal.With("filter", "rejected").Inc()
			if len(d.MismatchedKeys) > 0 {
				log.Warn().
					Str("op", op.String()).
					Strs("mismatched_keys", d.MismatchedKeys).
					Msg("Rejected multi-key operation with keys on both sides of the rules")
			} else {
				log.Debug().Str("op", op.String()).Str("reason", d.Reason).Msg("Rejected by filter")
			}
			return
		}
	}
	p.stats.accepted.Add(1)
	telemetry.OperationsTotal.With("filter", "accepted").Inc()

	start := time.Now()
	out, err := p.c.Hook.Apply(ctx, op)
	telemetry.ScriptDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			p.stats.abandoned.Add(1)
			return
		}
		p.onScriptError(op, err)
		return
	}
	if len(out) == 0 {
		p.stats.suppressed.Add(1)
		telemetry.OperationsTotal.With("script", "suppressed").Inc()
		log.Debug().Str("op", op.String()).Msg("Suppressed by script")
		return
	}

	for _, e := range out {
		p.stats.emitted.Add(1)
		telemetry.OperationsTotal.With("script", "emitted").Inc()
		p.observeKeys(e)
		p.w.Submit(ctx, e)
	}
}

func (p *Pipeline) observeKeys(op *common.Operation) {
	if p.c.Detector == nil {
		return
	}
	for _, key := range op.Keys() {
		c, hit := p.c.Detector.Observe(key, op.SourceDB)
		if !hit {
			continue
		}
		if c.Kind == collision.Confirmed {
			p.stats.collisions.Add(1)
		} else {
			p.stats.possible.Add(1)
		}
	}
}

func (p *Pipeline) onScriptError(op *common.Operation, err error) {
	n := p.stats.scriptErrors.Add(1)
	telemetry.OperationsTotal.With("script", "error").Inc()
	log.Error().Err(err).Str("op", op.String()).Msg("Script failed for operation")
	p.record(op, err, "script")

	if t := p.opts.ScriptErrorThreshold; t > 0 && n >= t {
		p.Abort(fmt.Errorf("%w: %d errors, last: %v", ErrScriptErrorThreshold, n, err))
	}
}

func (p *Pipeline) onWriteFailure(op *common.Operation, err error) {
	class := string(writer.ClassTerminal)
	var te *writer.TransmitError
	if errors.As(err, &te) {
		class = string(te.Class)
	}
	p.record(op, err, class)

	n := p.writeFailures.Add(1)
	if t := p.opts.FailureThreshold; t > 0 && n >= t {
		p.Abort(fmt.Errorf("%w: %d failures, last: %v", ErrFailureThreshold, n, err))
	}
}

func (p *Pipeline) record(op *common.Operation, err error, class string) {
	if p.c.Journal == nil {
		return
	}
	rec := journal.NewFailedOperation(p.opts.RunID, op, err, class)
	if jerr := p.c.Journal.Append(&rec); jerr != nil {
		log.Warn().Err(jerr).Str("op", op.String()).Msg("Failed to journal failed operation")
	}
}
