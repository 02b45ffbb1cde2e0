package publisher_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/pipeline"
	"github.com/maxpert/burrow/publisher"
	"github.com/maxpert/burrow/publisher/sink"
	"github.com/maxpert/burrow/publisher/transformer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchAll(t *testing.T, patterns ...string) publisher.Filter {
	t.Helper()
	f, err := publisher.NewGlobFilter(patterns)
	require.NoError(t, err)
	return f
}

func newWorker(t *testing.T, cfg publisher.WorkerConfig) *publisher.Worker {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "audit"
	}
	if cfg.Transformer == nil {
		cfg.Transformer = transformer.JSONTransformer{}
	}
	if cfg.Filter == nil {
		cfg.Filter = matchAll(t)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
		cfg.RetryMax = 2 * time.Millisecond
	}
	w, err := publisher.NewWorker(cfg)
	require.NoError(t, err)
	return w
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func appendFailures(t *testing.T, j *journal.Journal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		op := common.NewOperationStrings(0, "SET", fmt.Sprintf("key:%d", i), "v")
		rec := journal.NewFailedOperation("run-1", op, errors.New("WRONGTYPE"), "terminal")
		require.NoError(t, j.Append(&rec))
	}
}

func decodeKind(t *testing.T, msg sink.MockMessage) string {
	t.Helper()
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	return ev["kind"].(string)
}

func TestNewWorker_RequiresParts(t *testing.T) {
	_, err := publisher.NewWorker(publisher.WorkerConfig{})
	assert.Error(t, err)

	_, err = publisher.NewWorker(publisher.WorkerConfig{Name: "a"})
	assert.Error(t, err)

	_, err = publisher.NewWorker(publisher.WorkerConfig{Name: "a", Sink: &sink.MockSink{}})
	assert.Error(t, err)
}

func TestWorker_PublishesStatusEvents(t *testing.T) {
	mock := &sink.MockSink{}
	w := newWorker(t, publisher.WorkerConfig{Sink: mock, TopicPrefix: "mig"})
	w.Start()

	w.Enqueue(publisher.StatusEvent(7, pipeline.Result{RunID: "run-1", Decoded: 10}))
	w.Enqueue(publisher.StatusEvent(7, pipeline.Result{RunID: "run-1", Decoded: 20, Done: true}))
	w.Stop()

	msgs := mock.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "mig.progress", msgs[0].Topic)
	assert.Equal(t, "mig.result", msgs[1].Topic)
	assert.Equal(t, "run-1", msgs[0].Key)
	assert.Equal(t, "result", decodeKind(t, msgs[1]))

	var ev struct {
		Instance uint64
		Payload  struct {
			Decoded int64 `json:"decoded"`
			Done    bool  `json:"done"`
		}
	}
	require.NoError(t, json.Unmarshal(msgs[1].Value, &ev))
	assert.Equal(t, uint64(7), ev.Instance)
	assert.Equal(t, int64(20), ev.Payload.Decoded)
	assert.True(t, ev.Payload.Done)
}

func TestWorker_FilterSkipsKinds(t *testing.T) {
	mock := &sink.MockSink{}
	w := newWorker(t, publisher.WorkerConfig{Sink: mock, Filter: matchAll(t, "res*")})
	w.Start()

	w.Enqueue(publisher.StatusEvent(1, pipeline.Result{RunID: "r"}))
	w.Enqueue(publisher.StatusEvent(1, pipeline.Result{RunID: "r", Done: true}))
	w.Stop()

	msgs := mock.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "burrow.result", msgs[0].Topic)
}

func TestWorker_FullQueueKeepsResult(t *testing.T) {
	mock := &sink.MockSink{}
	w := newWorker(t, publisher.WorkerConfig{Sink: mock, QueueSize: 1})

	// Not started yet, so nothing drains the queue.
	w.Enqueue(publisher.StatusEvent(1, pipeline.Result{RunID: "r", Decoded: 1}))
	w.Enqueue(publisher.StatusEvent(1, pipeline.Result{RunID: "r", Decoded: 2}))
	w.Enqueue(publisher.StatusEvent(1, pipeline.Result{RunID: "r", Done: true}))

	w.Start()
	w.Stop()

	msgs := mock.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "result", decodeKind(t, msgs[0]))
}

func TestWorker_FailureEventsAdvanceCursor(t *testing.T) {
	j := openJournal(t)
	appendFailures(t, j, 3)

	mock := &sink.MockSink{}
	w := newWorker(t, publisher.WorkerConfig{Sink: mock, Journal: j, BatchSize: 2})
	w.Start()

	require.Eventually(t, func() bool {
		return len(mock.Published()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, uint64(3), j.Cursor("audit"))
	for _, msg := range mock.Published() {
		assert.Equal(t, "burrow.failure", msg.Topic)
		assert.Equal(t, "run-1", msg.Key)
		assert.Equal(t, "failure", decodeKind(t, msg))
	}

	// A new worker resumes after the cursor.
	appendFailures(t, j, 1)
	mock.Reset()
	w = newWorker(t, publisher.WorkerConfig{Sink: mock, Journal: j, PollInterval: time.Hour})
	w.Start()
	w.Stop()

	msgs := mock.Published()
	require.Len(t, msgs, 1)

	var ev struct {
		Seq     uint64
		Payload struct {
			Command []string `json:"command"`
		}
	}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, uint64(4), ev.Seq)
	assert.Equal(t, []string{"SET", "key:0", "v"}, ev.Payload.Command)
	assert.Equal(t, uint64(4), j.Cursor("audit"))
}

func TestWorker_FailedPublishKeepsCursor(t *testing.T) {
	j := openJournal(t)
	appendFailures(t, j, 2)

	mock := &sink.MockSink{}
	mock.SetError(errors.New("broker down"))
	w := newWorker(t, publisher.WorkerConfig{Sink: mock, Journal: j, MaxRetries: 2, PollInterval: time.Hour})
	w.Start()
	w.Stop()

	assert.Empty(t, mock.Published())
	assert.Equal(t, uint64(0), j.Cursor("audit"))
}

type flakySink struct {
	failures int32
	calls    atomic.Int32
	sink.MockSink
}

func (f *flakySink) Publish(topic, key string, value []byte) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("temporarily unavailable")
	}
	return f.MockSink.Publish(topic, key, value)
}

func TestWorker_RetriesUntilPublished(t *testing.T) {
	flaky := &flakySink{failures: 2}
	w := newWorker(t, publisher.WorkerConfig{Sink: flaky, MaxRetries: 5})
	w.Start()

	w.Enqueue(publisher.StatusEvent(1, pipeline.Result{RunID: "r"}))
	require.Eventually(t, func() bool {
		return len(flaky.Published()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, int32(3), flaky.calls.Load())
}
