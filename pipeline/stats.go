package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/writer"
	"github.com/puzpuzpuz/xsync/v3"
)

// Stats are the orchestrator's own counters. Writer-side counts are merged
// in when a Result is built.
type Stats struct {
	decoded      atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	suppressed   atomic.Int64
	emitted      atomic.Int64
	scriptErrors atomic.Int64
	abandoned    atomic.Int64
	collisions   atomic.Int64
	possible     atomic.Int64
	bytesRead    atomic.Int64

	perDatabase *xsync.MapOf[int, *atomic.Int64]
	perGroup    *xsync.MapOf[common.Group, *atomic.Int64]
}

func newStats() *Stats {
	return &Stats{
		perDatabase: xsync.NewMapOf[int, *atomic.Int64](),
		perGroup:    xsync.NewMapOf[common.Group, *atomic.Int64](),
	}
}

func (s *Stats) recordDecoded(op *common.Operation) {
	s.decoded.Add(1)
	c, _ := s.perDatabase.LoadOrStore(op.DB, new(atomic.Int64))
	c.Add(1)
	g, _ := s.perGroup.LoadOrStore(op.Group(), new(atomic.Int64))
	g.Add(1)
}

// Result is the progress/result record of a run. Mid-run snapshots have
// Done false.
type Result struct {
	RunID string `json:"run_id"`

	Decoded    int64 `json:"decoded"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Suppressed int64 `json:"suppressed"`
	Emitted    int64 `json:"emitted"`
	Written    int64 `json:"written"`
	Retried    int64 `json:"retried"`
	// Failed counts operations that failed terminally, in the script or in
	// the writer. ScriptErrors is the script share of it.
	Failed             int64 `json:"failed"`
	ScriptErrors       int64 `json:"script_errors"`
	DroppedKeyless     int64 `json:"dropped_keyless"`
	Incomplete         int64 `json:"incomplete"`
	Split              int64 `json:"split"`
	Batches            int64 `json:"batches"`
	OrphanedExpiries   int64 `json:"orphaned_expiries"`
	Collisions         int64 `json:"collisions"`
	PossibleCollisions int64 `json:"possible_collisions"`
	BytesRead          int64 `json:"bytes_read"`

	PerDatabase map[int]int64    `json:"per_database"`
	PerGroup    map[string]int64 `json:"per_group"`

	Elapsed    time.Duration `json:"elapsed_ns"`
	Throughput float64       `json:"throughput"`
	Done       bool          `json:"done"`
	Partial    bool          `json:"partial"`
	Err        error         `json:"-" msgpack:"-"`
	Error      string        `json:"error,omitempty"`
}

func (s *Stats) result(ws writer.Stats, elapsed time.Duration) Result {
	r := Result{
		Decoded:            s.decoded.Load(),
		Accepted:           s.accepted.Load(),
		Rejected:           s.rejected.Load(),
		Suppressed:         s.suppressed.Load(),
		Emitted:            s.emitted.Load(),
		Written:            ws.Written,
		Retried:            ws.Retried,
		ScriptErrors:       s.scriptErrors.Load(),
		DroppedKeyless:     ws.DroppedKeyless,
		Incomplete:         ws.Incomplete + s.abandoned.Load(),
		Split:              ws.Split,
		Batches:            ws.Batches,
		Collisions:         s.collisions.Load(),
		PossibleCollisions: s.possible.Load(),
		BytesRead:          s.bytesRead.Load(),
		PerDatabase:        make(map[int]int64),
		PerGroup:           make(map[string]int64),
		Elapsed:            elapsed,
	}
	r.Failed = ws.Failed + r.ScriptErrors

	s.perDatabase.Range(func(db int, c *atomic.Int64) bool {
		r.PerDatabase[db] = c.Load()
		return true
	})
	s.perGroup.Range(func(g common.Group, c *atomic.Int64) bool {
		name := string(g)
		if name == "" {
			name = "unknown"
		}
		r.PerGroup[name] = c.Load()
		return true
	})

	if secs := elapsed.Seconds(); secs > 0 {
		r.Throughput = float64(r.Written) / secs
	}
	return r
}

// Success reports a complete run with no terminal failures.
func (r Result) Success() bool {
	return r.Err == nil && !r.Partial && r.Failed == 0
}

// Summary is a one-line description for logs.
func (r Result) Summary() string {
	status := "ok"
	switch {
	case r.Err != nil:
		status = "aborted: " + r.Err.Error()
	case r.Partial:
		status = "partial"
	case r.Failed > 0:
		status = fmt.Sprintf("completed with %d failures", r.Failed)
	}
	return fmt.Sprintf(
		"%s | decoded %d, accepted %d, rejected %d, suppressed %d, emitted %d, written %d, retried %d, failed %d (script %d), keyless dropped %d, incomplete %d | %s, %.1f ops/sec",
		status, r.Decoded, r.Accepted, r.Rejected, r.Suppressed, r.Emitted, r.Written, r.Retried,
		r.Failed, r.ScriptErrors, r.DroppedKeyless, r.Incomplete, r.Elapsed.Round(time.Millisecond), r.Throughput,
	)
}
