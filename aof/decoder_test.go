package aof

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/maxpert/burrow/common"
	"github.com/maxpert/burrow/rdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resp(args ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(a), a)
	}
	return sb.String()
}

func readAll(t *testing.T, d *Decoder) ([]*common.Operation, error) {
	t.Helper()
	var ops []*common.Operation
	for {
		op, err := d.Next()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
}

func TestDecoder_SelectAndTransactions(t *testing.T) {
	stream := resp("SELECT", "0") +
		resp("SET", "a", "1") +
		resp("MULTI") +
		resp("INCR", "a") +
		resp("EXEC") +
		resp("select", "3") +
		resp("HSET", "h", "f", "line\r\nbreak") +
		resp("EXPIRE", "h", "10")

	d := NewDecoder(strings.NewReader(stream))
	ops, err := readAll(t, d)
	require.NoError(t, err)
	require.Len(t, ops, 4)

	assert.Equal(t, []string{"SET", "a", "1"}, ops[0].StringArgs())
	assert.Equal(t, 0, ops[0].DB)
	assert.Equal(t, []string{"INCR", "a"}, ops[1].StringArgs())
	assert.Equal(t, []string{"HSET", "h", "f", "line\r\nbreak"}, ops[2].StringArgs())
	assert.Equal(t, 3, ops[2].DB)
	assert.Equal(t, []string{"EXPIRE", "h", "10"}, ops[3].StringArgs())
	assert.Equal(t, []int{1}, ops[3].KeyIndexes)

	assert.Equal(t, int64(2), d.Dropped())
	assert.Equal(t, int64(len(stream)), d.Offset())
	assert.Less(t, ops[0].Offset, ops[1].Offset)
}

func TestDecoder_Truncated(t *testing.T) {
	full := resp("SET", "a", "1") + resp("SET", "b", "2")
	for _, cut := range []int{1, 3, 8} {
		d := NewDecoder(strings.NewReader(full[:len(full)-cut]))
		ops, err := readAll(t, d)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut %d", cut)
		assert.Len(t, ops, 1)
	}
}

func TestDecoder_ProtocolErrors(t *testing.T) {
	for name, stream := range map[string]string{
		"inline":        "SET a 1\r\n",
		"bad bulk":      "*1\r\n:5\r\n",
		"no crlf":       "*1\r\n$3\r\nabcXY",
		"select no arg": resp("SELECT"),
		"select word":   resp("SELECT", "x"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := readAll(t, NewDecoder(strings.NewReader(stream)))
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecoder_SnapshotPreamble(t *testing.T) {
	var buf bytes.Buffer
	enc := rdb.NewEncoder(&buf, 11)
	require.NoError(t, enc.SelectDB(0))
	require.NoError(t, enc.String([]byte("snap"), []byte("v")))
	require.NoError(t, enc.Close())
	buf.WriteString(resp("SELECT", "1"))
	buf.WriteString(resp("RPUSH", "l", "x"))

	d := NewDecoder(&buf)
	ops, err := readAll(t, d)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"SET", "snap", "v"}, ops[0].StringArgs())
	assert.Equal(t, []string{"RPUSH", "l", "x"}, ops[1].StringArgs())
	assert.Equal(t, 1, ops[1].DB)
	assert.NotNil(t, d.Preamble())
}

func TestDecoder_Empty(t *testing.T) {
	ops, err := readAll(t, NewDecoder(strings.NewReader("")))
	require.NoError(t, err)
	assert.Empty(t, ops)
}
