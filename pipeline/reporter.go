package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// startReporter logs and publishes progress every ReportInterval until the
// returned stop function is called.
func (p *Pipeline) startReporter() (stop func()) {
	if p.opts.ReportInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.opts.ReportInterval)
		defer ticker.Stop()

		var last Result
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r := p.snapshot()
				interval := r.Elapsed - last.Elapsed
				var rate float64
				if interval > 0 {
					rate = float64(r.Written-last.Written) / interval.Seconds()
				}
				log.Info().
					Dur("elapsed", r.Elapsed.Round(time.Second)).
					Int64("decoded", r.Decoded).
					Int64("written", r.Written).
					Int64("failed", r.Failed).
					Int64("retried", r.Retried).
					Int64("bytes", r.BytesRead).
					Float64("ops_sec", rate).
					Float64("throughput", r.Throughput).
					Msg("Migration progress")
				if p.opts.OnProgress != nil {
					p.opts.OnProgress(r)
				}
				last = r
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
