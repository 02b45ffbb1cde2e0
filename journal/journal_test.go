package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/maxpert/burrow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal")
	j, err := Open(path)
	require.NoError(t, err)
	return j, path
}

func failed(t *testing.T, i int) *FailedOperation {
	t.Helper()
	op := common.NewOperationStrings(0, "SET", fmt.Sprintf("key:%d", i), "v")
	op.SourceDB = 2
	op.Offset = int64(100 + i)
	rec := NewFailedOperation("run-1", op, errors.New("WRONGTYPE Operation against a key"), "terminal")
	return &rec
}

func TestJournal_AppendAndRead(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	recs := []*FailedOperation{failed(t, 0), failed(t, 1), failed(t, 2)}
	require.NoError(t, j.Append(recs...))
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, uint64(3), recs[2].Seq)
	assert.Equal(t, uint64(3), j.Count())

	got, err := j.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, 2, got[1].SourceDB)
	assert.Equal(t, []string{"SET", "key:1", "v"}, got[1].Command)
	assert.Equal(t, "terminal", got[2].Class)

	got, err = j.ReadFrom(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Seq)

	op := got[0].Operation()
	assert.Equal(t, []string{"key:1"}, op.Keys())
	assert.Equal(t, int64(101), op.Offset)
}

func TestJournal_Tail(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(failed(t, i)))
	}
	got, err := j.Tail(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)
}

func TestJournal_ReopenKeepsSequenceAndCursors(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append(failed(t, 0), failed(t, 1)))
	require.NoError(t, j.AdvanceCursor("kafka", 1))
	require.NoError(t, j.Close())

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, uint64(2), j.Count())
	assert.Equal(t, uint64(1), j.Cursor("kafka"))
	assert.Zero(t, j.Cursor("nats"))

	rec := failed(t, 2)
	require.NoError(t, j.Append(rec))
	assert.Equal(t, uint64(3), rec.Seq)

	got, err := j.ReadFrom(j.Cursor("kafka"), 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestJournal_Closed(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Close(), ErrClosed)
	assert.ErrorIs(t, j.Append(failed(t, 0)), ErrClosed)
	_, err := j.ReadFrom(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.AdvanceCursor("x", 1), ErrClosed)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/fail0"), prefixUpperBound([]byte("/fail/")))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
