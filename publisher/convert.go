package publisher

import (
	"time"

	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/pipeline"
)

// StatusEvent wraps a progress snapshot or final result. Final results
// become EventResult.
func StatusEvent(instance uint64, res pipeline.Result) Event {
	kind := EventProgress
	if res.Done {
		kind = EventResult
	}
	return Event{
		Kind:     kind,
		RunID:    res.RunID,
		Instance: instance,
		Time:     time.Now().UnixMilli(),
		Payload:  res,
	}
}

// FailureEvent wraps one journaled failure.
func FailureEvent(instance uint64, rec journal.FailedOperation) Event {
	return Event{
		Kind:     EventFailure,
		RunID:    rec.RunID,
		Instance: instance,
		Time:     time.Unix(0, rec.Time).UnixMilli(),
		Seq:      rec.Seq,
		Payload:  rec,
	}
}
