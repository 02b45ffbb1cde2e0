package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOperation_KeyIndexes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []int
	}{
		{"set", []string{"SET", "k", "v"}, []int{1}},
		{"lowercase", []string{"set", "k", "v"}, []int{1}},
		{"mset", []string{"MSET", "a", "1", "b", "2", "c", "3"}, []int{1, 3, 5}},
		{"del", []string{"DEL", "a", "b", "c"}, []int{1, 2, 3}},
		{"rename", []string{"RENAME", "a", "b"}, []int{1, 2}},
		{"xgroup", []string{"XGROUP", "CREATE", "s", "g", "0-0"}, []int{2}},
		{"bitop", []string{"BITOP", "AND", "dst", "a", "b"}, []int{2, 3, 4}},
		{"eval", []string{"EVAL", "return 1", "2", "a", "b", "arg"}, []int{3, 4}},
		{"zunionstore", []string{"ZUNIONSTORE", "dst", "2", "a", "b", "WEIGHTS", "1", "2"}, []int{1, 3, 4}},
		{"numkeys past end", []string{"EVAL", "return 1", "5", "a"}, []int{3}},
		{"keyless", []string{"FLUSHALL"}, nil},
		{"unknown", []string{"NOSUCHCMD", "x"}, nil},
		{"set missing key", []string{"SET"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperationStrings(0, tt.args...)
			assert.Equal(t, tt.want, op.KeyIndexes)
		})
	}
}

func TestOperation_SetKeyKeepsPositions(t *testing.T) {
	op := NewOperationStrings(1, "MSET", "a", "1", "b", "2")
	op.SetKey(1, "db1:b")

	assert.Equal(t, []int{1, 3}, op.KeyIndexes)
	assert.Equal(t, []string{"a", "db1:b"}, op.Keys())
	assert.Equal(t, []string{"MSET", "a", "1", "db1:b", "2"}, op.StringArgs())
}

func TestOperation_CloneIsDeep(t *testing.T) {
	op := NewOperationStrings(2, "SET", "k", "v")
	c := op.Clone()
	c.SetKey(0, "other")
	c.Args[2][0] = 'x'
	c.KeyIndexes[0] = 2

	assert.Equal(t, "k", string(op.Args[1]))
	assert.Equal(t, "v", string(op.Args[2]))
	assert.Equal(t, []int{1}, op.KeyIndexes)
}

func TestOperation_CommandAndGroup(t *testing.T) {
	op := NewOperationStrings(0, "zadd", "z", "1", "m")
	assert.Equal(t, "ZADD", op.Command())
	assert.Equal(t, GroupSortedSet, op.Group())

	unknown := NewOperationStrings(0, "WHATEVER")
	assert.Equal(t, GroupUnknown, unknown.Group())
	assert.False(t, unknown.HasKeys())

	_, ok := unknown.FirstKey()
	assert.False(t, ok)
}

func TestOperation_ExpiryOperations(t *testing.T) {
	op := NewOperationStrings(3, "SET", "k", "v")
	assert.Nil(t, op.ExpiryOperations())

	op.ExpireAtMs = 1700000000123
	op.Offset = 42
	exps := op.ExpiryOperations()
	require.Len(t, exps, 1)
	assert.Equal(t, []string{"PEXPIREAT", "k", "1700000000123"}, exps[0].StringArgs())
	assert.Equal(t, 3, exps[0].DB)
	assert.Equal(t, int64(42), exps[0].Offset)
	assert.Equal(t, []int{1}, exps[0].KeyIndexes)
}

func TestSplitPolicy(t *testing.T) {
	for name, want := range map[string]SplitPolicy{
		"MSET":   SplitKeyValue,
		"DEL":    SplitKeys,
		"UNLINK": SplitKeys,
		"TOUCH":  SplitKeys,
		"MSETNX": SplitNone,
		"RENAME": SplitNone,
	} {
		spec, ok := LookupCommand(name)
		require.True(t, ok, name)
		assert.Equal(t, want, spec.Split, name)
	}
	assert.True(t, IsTransactionControl("multi"))
	assert.False(t, IsTransactionControl("SET"))
}

func TestOperation_String(t *testing.T) {
	op := NewOperationStrings(0, "RPUSH", "l", "1", "2", "3", "4", "5", "6")
	assert.Equal(t, "db=0 RPUSH l 1 2 3 4 ...(3 more)", op.String())
}
