package writer

import (
	"time"

	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// shardWorker owns one shard's connection and queue.
type shardWorker struct {
	w     *Writer
	addr  string
	conn  Conn
	queue chan *request
}

func newShardWorker(w *Writer, addr string, conn Conn) *shardWorker {
	return &shardWorker{
		w:     w,
		addr:  addr,
		conn:  conn,
		queue: make(chan *request, w.opts.QueueSize),
	}
}

// run collects requests into batches, flushing on size or interval. It
// returns once the queue is closed and drained.
func (sw *shardWorker) run() {
	defer sw.w.wg.Done()

	ticker := time.NewTicker(sw.w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*request, 0, sw.w.opts.BatchSize)
	for {
		select {
		case req, ok := <-sw.queue:
			if !ok {
				sw.flush(batch)
				return
			}
			batch = append(batch, req)
			if len(batch) >= sw.w.opts.BatchSize {
				sw.flush(batch)
				batch = make([]*request, 0, sw.w.opts.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				sw.flush(batch)
				batch = make([]*request, 0, sw.w.opts.BatchSize)
			}
		}
	}
}

// flush transmits batch until every request is acknowledged or failed.
// Retryable failures are re-sent in their original order, together with any
// later request on the same slot.
func (sw *shardWorker) flush(batch []*request) {
	pending := batch
	for len(pending) > 0 {
		if sw.w.aborted.Load() {
			sw.abandon(pending)
			return
		}

		waitStart := time.Now()
		if err := sw.w.limiter.WaitN(sw.w.ctx, len(pending)); err != nil {
			sw.abandon(pending)
			return
		}
		telemetry.RateLimitWaitSeconds.Observe(time.Since(waitStart).Seconds())

		cmds := make([][]interface{}, len(pending))
		for i, req := range pending {
			req.attempts++
			cmds[i] = req.op.Interfaces()
		}

		start := time.Now()
		errs, err := sw.conn.Exec(sw.w.ctx, cmds)
		observeBatch(sw.addr, len(pending), time.Since(start))
		sw.w.batches.Add(1)

		if sw.w.aborted.Load() {
			sw.abandon(pending)
			return
		}

		if err != nil {
			errs = make([]error, len(pending))
			for i := range errs {
				errs[i] = err
			}
			log.Warn().Err(err).Str("shard", sw.addr).Int("ops", len(pending)).Msg("Pipelined request failed")
		}

		// Once a request is held back for retry, later requests on its slot
		// are re-sent behind it even if they succeeded, so they land after it.
		var retry []*request
		held := make(map[uint16]struct{})
		for i, req := range pending {
			e := errs[i]
			_, behind := held[req.slot]
			if e == nil {
				if behind {
					retry = append(retry, req)
					continue
				}
				req.finish(nil)
				continue
			}
			if Classify(e) == ClassRetryable && req.attempts < sw.w.opts.MaxAttempts {
				retry = append(retry, req)
				held[req.slot] = struct{}{}
				continue
			}
			sw.fail(req, e)
		}

		if len(retry) == 0 {
			return
		}

		attempt := retry[0].attempts
		sw.w.retried.Add(int64(len(retry)))
		telemetry.TransmitRetriesTotal.With(sw.addr).Add(float64(len(retry)))
		delay := sw.w.backoff(attempt)
		log.Debug().
			Str("shard", sw.addr).
			Int("ops", len(retry)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying operations")

		if !sw.w.sleep(delay) {
			sw.abandon(retry)
			return
		}
		pending = retry
	}
}

func (sw *shardWorker) fail(req *request, err error) {
	class := Classify(err)
	telemetry.TransmitFailuresTotal.With(sw.addr, string(class)).Inc()
	req.finish(&TransmitError{Shard: sw.addr, Class: class, Attempts: req.attempts, Err: err})
}

// abandon resolves requests that will never be sent, plus everything still
// queued behind them.
func (sw *shardWorker) abandon(reqs []*request) {
	for _, req := range reqs {
		req.finish(ErrIncomplete)
	}
	for {
		select {
		case req, ok := <-sw.queue:
			if !ok {
				return
			}
			req.finish(ErrIncomplete)
		default:
			return
		}
	}
}
