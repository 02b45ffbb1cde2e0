package writer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replyErr mimics an error reply from the destination.
type replyErr string

func (e replyErr) Error() string { return string(e) }
func (replyErr) RedisError()     {}

type mockConn struct {
	addr    string
	mu      sync.Mutex
	calls   [][][]string
	respond func(ctx context.Context, call int, cmds [][]interface{}) ([]error, error)
	closed  bool
}

func (m *mockConn) Exec(ctx context.Context, cmds [][]interface{}) ([]error, error) {
	m.mu.Lock()
	call := len(m.calls)
	rendered := make([][]string, len(cmds))
	for i, c := range cmds {
		for _, a := range c {
			rendered[i] = append(rendered[i], string(a.([]byte)))
		}
	}
	m.calls = append(m.calls, rendered)
	respond := m.respond
	m.mu.Unlock()

	if respond == nil {
		return make([]error, len(cmds)), nil
	}
	return respond(ctx, call, cmds)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) Calls() [][][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][][]string(nil), m.calls...)
}

func (m *mockConn) Commands() [][]string {
	var out [][]string
	for _, call := range m.Calls() {
		out = append(out, call...)
	}
	return out
}

type mockDialer struct {
	mu      sync.Mutex
	conns   map[string]*mockConn
	respond func(ctx context.Context, call int, cmds [][]interface{}) ([]error, error)
}

func newMockDialer() *mockDialer {
	return &mockDialer{conns: make(map[string]*mockConn)}
}

func (d *mockDialer) Dial(shard *cluster.Shard) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &mockConn{addr: shard.Addr, respond: d.respond}
	d.conns[shard.Addr] = c
	return c, nil
}

func (d *mockDialer) Conn(addr string) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[addr]
}

func allErrs(n int, err error) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func fastOpts() Options {
	return Options{
		BatchSize:     10,
		FlushInterval: 5 * time.Millisecond,
		RetryBase:     time.Millisecond,
		RetryMax:      4 * time.Millisecond,
		MaxAttempts:   5,
	}
}

func twoShards(t *testing.T) *cluster.Holder {
	t.Helper()
	topo, err := cluster.NewTopology([]cluster.Shard{
		{Addr: "a:6379", Slots: []cluster.SlotRange{{Start: 0, End: 8191}}},
		{Addr: "b:6379", Slots: []cluster.SlotRange{{Start: 8192, End: 16383}}},
	})
	require.NoError(t, err)
	return cluster.NewHolder(topo)
}

func single() *cluster.Holder {
	return cluster.NewHolder(cluster.SingleShard("only:6379"))
}

func set(key, value string) *common.Operation {
	return common.NewOperationStrings(0, "SET", key, value)
}

func TestWriter_RetryableThenSuccess(t *testing.T) {
	d := newMockDialer()
	d.respond = func(_ context.Context, call int, cmds [][]interface{}) ([]error, error) {
		if call < 2 {
			return allErrs(len(cmds), replyErr("BUSY Redis is busy running a script")), nil
		}
		return make([]error, len(cmds)), nil
	}
	w := New(single(), d.Dial, fastOpts())

	_, err := w.Submit(context.Background(), set("k", "v")).Get()
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Written)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Len(t, d.Conn("only:6379").Calls(), 3)
	assert.True(t, d.Conn("only:6379").closed)
}

func TestWriter_AuthFailureIsTerminal(t *testing.T) {
	d := newMockDialer()
	d.respond = func(_ context.Context, _ int, cmds [][]interface{}) ([]error, error) {
		return allErrs(len(cmds), replyErr("NOAUTH Authentication required.")), nil
	}

	var failures []string
	opts := fastOpts()
	opts.OnFailure = func(op *common.Operation, err error) {
		failures = append(failures, op.Command())
	}
	w := New(single(), d.Dial, opts)

	_, err := w.Submit(context.Background(), set("k", "v")).Get()
	var terr *TransmitError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, ClassTerminal, terr.Class)
	assert.Equal(t, 1, terr.Attempts)
	require.NoError(t, w.Close(context.Background()))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Retried)
	assert.Equal(t, int64(0), stats.Written)
	assert.Len(t, d.Conn("only:6379").Calls(), 1)
	assert.Equal(t, []string{"SET"}, failures)
}

func TestWriter_RetriesExhausted(t *testing.T) {
	d := newMockDialer()
	d.respond = func(_ context.Context, _ int, cmds [][]interface{}) ([]error, error) {
		return allErrs(len(cmds), replyErr("LOADING Redis is loading the dataset in memory")), nil
	}
	opts := fastOpts()
	opts.MaxAttempts = 3
	w := New(single(), d.Dial, opts)

	_, err := w.Submit(context.Background(), set("k", "v")).Get()
	var terr *TransmitError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ClassRetryable, terr.Class)
	assert.Equal(t, 3, terr.Attempts)
	require.NoError(t, w.Close(context.Background()))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestWriter_NetworkFailureResendsBatch(t *testing.T) {
	d := newMockDialer()
	d.respond = func(_ context.Context, call int, cmds [][]interface{}) ([]error, error) {
		if call == 0 {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return make([]error, len(cmds)), nil
	}
	opts := fastOpts()
	opts.FlushInterval = time.Hour
	w := New(single(), d.Dial, opts)

	f1 := w.Submit(context.Background(), set("a", "1"))
	f2 := w.Submit(context.Background(), set("b", "2"))
	require.NoError(t, w.Close(context.Background()))

	_, err := f1.Get()
	assert.NoError(t, err)
	_, err = f2.Get()
	assert.NoError(t, err)

	calls := d.Conn("only:6379").Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, int64(2), w.Stats().Retried)
}

func TestWriter_PartialBatchFailure(t *testing.T) {
	d := newMockDialer()
	d.respond = func(_ context.Context, call int, cmds [][]interface{}) ([]error, error) {
		errs := make([]error, len(cmds))
		if call == 0 {
			errs[1] = replyErr("WRONGTYPE Operation against a key holding the wrong kind of value")
			errs[2] = replyErr("TRYAGAIN Multiple keys request during rehashing of slot")
		}
		return errs, nil
	}
	opts := fastOpts()
	opts.FlushInterval = time.Hour
	w := New(single(), d.Dial, opts)

	futures := []interface{ Get() (error, error) }{
		w.Submit(context.Background(), set("a", "1")),
		w.Submit(context.Background(), set("b", "2")),
		w.Submit(context.Background(), set("c", "3")),
		w.Submit(context.Background(), set("d", "4")),
	}
	require.NoError(t, w.Close(context.Background()))

	var results []error
	for _, f := range futures {
		_, err := f.Get()
		results = append(results, err)
	}
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
	assert.NoError(t, results[2])
	assert.NoError(t, results[3])

	calls := d.Conn("only:6379").Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, [][]string{{"SET", "c", "3"}}, calls[1])

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Written)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Retried)
}

func TestWriter_RetryResendsLaterSameSlotRequests(t *testing.T) {
	d := newMockDialer()
	d.respond = func(_ context.Context, call int, cmds [][]interface{}) ([]error, error) {
		errs := make([]error, len(cmds))
		if call == 0 {
			errs[0] = replyErr("TRYAGAIN Multiple keys request during rehashing of slot")
		}
		return errs, nil
	}
	opts := fastOpts()
	opts.FlushInterval = time.Hour
	w := New(single(), d.Dial, opts)

	expire := common.NewOperationStrings(0, "PEXPIREAT", "k", "1893456000000")
	futures := []interface{ Get() (error, error) }{
		w.Submit(context.Background(), set("k", "v")),
		w.Submit(context.Background(), expire),
		w.Submit(context.Background(), set("a", "1")),
	}
	require.NoError(t, w.Close(context.Background()))

	for _, f := range futures {
		_, err := f.Get()
		assert.NoError(t, err)
	}

	calls := d.Conn("only:6379").Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, [][]string{
		{"SET", "k", "v"},
		{"PEXPIREAT", "k", "1893456000000"},
	}, calls[1])

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Written)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestWriter_BatchingAndOrder(t *testing.T) {
	d := newMockDialer()
	opts := fastOpts()
	opts.BatchSize = 3
	opts.FlushInterval = time.Hour
	w := New(single(), d.Dial, opts)

	for i := 0; i < 7; i++ {
		w.Submit(context.Background(), common.NewOperationStrings(0, "RPUSH", "list", strconv.Itoa(i)))
	}
	require.NoError(t, w.Close(context.Background()))

	conn := d.Conn("only:6379")
	var sizes []int
	for _, c := range conn.Calls() {
		sizes = append(sizes, len(c))
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)

	for i, cmd := range conn.Commands() {
		assert.Equal(t, []string{"RPUSH", "list", strconv.Itoa(i)}, cmd)
	}
	assert.Equal(t, int64(3), w.Stats().Batches)
}

func TestWriter_IntervalFlush(t *testing.T) {
	d := newMockDialer()
	opts := fastOpts()
	opts.BatchSize = 100
	w := New(single(), d.Dial, opts)
	defer w.Close(context.Background())

	_, err := w.Submit(context.Background(), set("k", "v")).Get()
	require.NoError(t, err, "flush interval must send a partial batch")
}

func TestWriter_Routing(t *testing.T) {
	d := newMockDialer()
	w := New(twoShards(t), d.Dial, fastOpts())

	w.Submit(context.Background(), set("foo", "1"))
	w.Submit(context.Background(), set("bar", "2"))
	w.Submit(context.Background(), set("{bar}.x", "3"))
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, [][]string{{"SET", "foo", "1"}}, d.Conn("b:6379").Commands())
	assert.Equal(t, [][]string{{"SET", "bar", "2"}, {"SET", "{bar}.x", "3"}}, d.Conn("a:6379").Commands())
}

func TestWriter_SplitAndCrossSlot(t *testing.T) {
	d := newMockDialer()
	w := New(twoShards(t), d.Dial, fastOpts())

	_, err := w.Submit(context.Background(), common.NewOperationStrings(0, "MSET", "foo", "1", "bar", "2", "{foo}x", "3")).Get()
	require.NoError(t, err)

	_, err = w.Submit(context.Background(), common.NewOperationStrings(0, "DEL", "foo", "bar")).Get()
	require.NoError(t, err)

	_, err = w.Submit(context.Background(), common.NewOperationStrings(0, "RENAME", "foo", "bar")).Get()
	var cross *CrossSlotError
	require.True(t, errors.As(err, &cross))
	assert.Equal(t, "RENAME", cross.Command)
	assert.Len(t, cross.Slots, 2)

	_, err = w.Submit(context.Background(), common.NewOperationStrings(0, "RENAME", "{u}a", "{u}b")).Get()
	require.NoError(t, err)

	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, [][]string{
		{"MSET", "foo", "1", "{foo}x", "3"},
		{"DEL", "foo"},
		{"RENAME", "{u}a", "{u}b"},
	}, d.Conn("b:6379").Commands())
	assert.Contains(t, d.Conn("a:6379").Commands(), []string{"MSET", "bar", "2"})
	assert.Contains(t, d.Conn("a:6379").Commands(), []string{"DEL", "bar"})

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Written)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Split)
}

func TestWriter_KeylessPolicy(t *testing.T) {
	d := newMockDialer()
	w := New(twoShards(t), d.Dial, fastOpts())

	_, err := w.Submit(context.Background(), common.NewOperationStrings(0, "FUNCTION", "LOAD", "body")).Get()
	assert.ErrorIs(t, err, ErrKeyless)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, int64(1), w.Stats().DroppedKeyless)
	assert.Zero(t, w.Stats().Failed)
	assert.Nil(t, d.Conn("a:6379"))

	d = newMockDialer()
	opts := fastOpts()
	opts.KeylessPolicy = KeylessDefaultShard
	w = New(twoShards(t), d.Dial, opts)
	_, err = w.Submit(context.Background(), common.NewOperationStrings(0, "FUNCTION", "LOAD", "body")).Get()
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, [][]string{{"FUNCTION", "LOAD", "body"}}, d.Conn("a:6379").Commands())
}

func TestWriter_NonZeroDatabase(t *testing.T) {
	d := newMockDialer()
	w := New(single(), d.Dial, fastOpts())

	_, err := w.Submit(context.Background(), common.NewOperationStrings(1, "SET", "k", "v")).Get()
	assert.ErrorIs(t, err, ErrNonZeroDatabase)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, int64(1), w.Stats().Failed)

	opts := fastOpts()
	opts.AllowNonZeroDB = true
	w = New(single(), d.Dial, opts)
	_, err = w.Submit(context.Background(), common.NewOperationStrings(1, "SET", "k", "v")).Get()
	assert.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
}

func TestWriter_UncoveredSlot(t *testing.T) {
	topo, err := cluster.NewTopology([]cluster.Shard{{Addr: "a:6379", Slots: []cluster.SlotRange{{Start: 0, End: 100}}}})
	require.NoError(t, err)
	w := New(cluster.NewHolder(topo), newMockDialer().Dial, fastOpts())

	_, err = w.Submit(context.Background(), set("foo", "v")).Get()
	assert.ErrorIs(t, err, ErrNoShard)
	require.NoError(t, w.Close(context.Background()))
}

func TestWriter_CloseGraceExpires(t *testing.T) {
	d := newMockDialer()
	d.respond = func(ctx context.Context, _ int, cmds [][]interface{}) ([]error, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w := New(single(), d.Dial, fastOpts())

	fut := w.Submit(context.Background(), set("k", "v"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Close(ctx)
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = fut.Get()
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, int64(1), w.Stats().Incomplete)
	assert.Zero(t, w.Stats().Failed)

	_, err = w.Submit(context.Background(), set("late", "v")).Get()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriter_RateLimit(t *testing.T) {
	d := newMockDialer()
	opts := fastOpts()
	opts.BatchSize = 1
	opts.RateLimit = 100
	opts.RateBurst = 1
	w := New(single(), d.Dial, opts)

	start := time.Now()
	var futs []interface{ Get() (error, error) }
	for i := 0; i < 5; i++ {
		futs = append(futs, w.Submit(context.Background(), set(fmt.Sprintf("k%d", i), "v")))
	}
	for _, f := range futs {
		_, err := f.Get()
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.NoError(t, w.Close(context.Background()))
}

func TestWriter_QueueDepths(t *testing.T) {
	w := New(twoShards(t), newMockDialer().Dial, fastOpts())
	w.Submit(context.Background(), set("foo", "1"))
	depths := w.QueueDepths()
	require.NoError(t, w.Close(context.Background()))
	_, ok := depths["shard:b:6379"]
	assert.True(t, ok)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		expected Class
	}{
		{replyErr("BUSY script"), ClassRetryable},
		{replyErr("LOADING dataset"), ClassRetryable},
		{replyErr("TRYAGAIN rehash"), ClassRetryable},
		{replyErr("CLUSTERDOWN The cluster is down"), ClassRetryable},
		{replyErr("MASTERDOWN Link with MASTER is down"), ClassRetryable},
		{replyErr("NOAUTH Authentication required."), ClassTerminal},
		{replyErr("WRONGPASS invalid username-password pair"), ClassTerminal},
		{replyErr("NOPERM this user has no permissions"), ClassTerminal},
		{replyErr("ERR unknown command"), ClassTerminal},
		{replyErr("WRONGTYPE Operation against a key"), ClassTerminal},
		{replyErr("MOVED 3999 127.0.0.1:6381"), ClassTerminal},
		{replyErr("ASK 3999 127.0.0.1:6381"), ClassTerminal},
		{errors.New("dial tcp: connection refused"), ClassRetryable},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ClassRetryable},
		{context.Canceled, ClassTerminal},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Classify(tt.err), "%v", tt.err)
	}
}

func TestSplit(t *testing.T) {
	parts, ok := split(common.NewOperationStrings(0, "MSET", "foo", "1", "bar", "2", "{foo}z", "3"))
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, []string{"MSET", "foo", "1", "{foo}z", "3"}, parts[0].StringArgs())
	assert.Equal(t, []string{"foo", "{foo}z"}, parts[0].Keys())
	assert.Equal(t, []string{"MSET", "bar", "2"}, parts[1].StringArgs())

	parts, ok = split(common.NewOperationStrings(0, "UNLINK", "a", "b", "c"))
	require.True(t, ok)
	total := 0
	for _, p := range parts {
		total += len(p.Keys())
		assert.Len(t, slotsOf(p), 1)
	}
	assert.Equal(t, 3, total)

	_, ok = split(common.NewOperationStrings(0, "MSETNX", "foo", "1", "bar", "2"))
	assert.False(t, ok)
}

func TestDryRunConn(t *testing.T) {
	w := New(single(), DryRunDialer(), fastOpts())
	_, err := w.Submit(context.Background(), set("k", "v")).Get()
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, int64(1), w.Stats().Written)
}
