package filter

import (
	"sync"
	"testing"

	"github.com/maxpert/burrow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(db int, args ...string) *common.Operation {
	return common.NewOperationStrings(db, args...)
}

func TestFilter_EmptyAcceptsEverything(t *testing.T) {
	f, err := New(Rules{})
	require.NoError(t, err)
	assert.True(t, f.Empty())

	assert.True(t, f.Accept(op(0, "SET", "k", "v")))
	assert.True(t, f.Accept(op(15, "FLUSHALL")))
	assert.True(t, f.Accept(op(3, "NOSUCH", "x")))
}

func TestFilter_KeyKinds(t *testing.T) {
	f, err := New(Rules{AllowKeys: KeyRules{
		Exact:  []string{"config"},
		Prefix: []string{"user:"},
		Suffix: []string{":meta"},
		Regex:  []string{`^order:\d+$`},
		Glob:   []string{"session:*:token"},
	}})
	require.NoError(t, err)
	assert.False(t, f.Empty())

	tests := []struct {
		key  string
		want bool
	}{
		{"config", true},
		{"configs", false},
		{"user:1", true},
		{"item:meta", true},
		{"order:42", true},
		{"order:x", false},
		{"session:abc:token", true},
		{"session:abc:other", false},
		{"random", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			d := f.Evaluate(op(0, "SET", tt.key, "v"))
			assert.Equal(t, tt.want, d.Accepted)
			if !tt.want {
				assert.Equal(t, ReasonKeyNotAllowed, d.Reason)
			}
		})
	}
}

func TestFilter_BlockWinsOverAllow(t *testing.T) {
	f, err := New(Rules{
		AllowKeys: KeyRules{Prefix: []string{"user:"}},
		BlockKeys: KeyRules{Exact: []string{"user:admin"}},
		AllowDBs:  []int{0, 1},
		BlockDBs:  []int{1},
	})
	require.NoError(t, err)

	d := f.Evaluate(op(0, "SET", "user:admin", "v"))
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonBlockedKey, d.Reason)

	d = f.Evaluate(op(1, "SET", "user:1", "v"))
	assert.Equal(t, ReasonBlockedDatabase, d.Reason)

	d = f.Evaluate(op(2, "SET", "user:1", "v"))
	assert.Equal(t, ReasonDatabaseNotAllowed, d.Reason)

	assert.True(t, f.Accept(op(0, "SET", "user:1", "v")))
}

func TestFilter_CommandsAndGroups(t *testing.T) {
	f, err := New(Rules{
		BlockCommands: []string{"flushall", "FlushDB"},
		AllowGroups:   []string{"STRING", "hash", "generic"},
		BlockGroups:   []string{"scripting"},
	})
	require.NoError(t, err)

	assert.Equal(t, ReasonBlockedCommand, f.Evaluate(op(0, "FLUSHALL")).Reason)
	assert.Equal(t, ReasonBlockedCommand, f.Evaluate(op(0, "flushdb")).Reason)
	assert.Equal(t, ReasonBlockedGroup, f.Evaluate(op(0, "EVAL", "return 1", "0")).Reason)
	assert.Equal(t, ReasonGroupNotAllowed, f.Evaluate(op(0, "RPUSH", "l", "x")).Reason)
	assert.True(t, f.Accept(op(0, "HSET", "h", "f", "v")))
	assert.True(t, f.Accept(op(0, "PEXPIREAT", "h", "1")))

	g, err := New(Rules{AllowCommands: []string{"set"}})
	require.NoError(t, err)
	assert.True(t, g.Accept(op(0, "SET", "k", "v")))
	assert.Equal(t, ReasonCommandNotAllowed, g.Evaluate(op(0, "DEL", "k")).Reason)
}

func TestFilter_MultiKeyMismatch(t *testing.T) {
	f, err := New(Rules{AllowKeys: KeyRules{Prefix: []string{"keep:"}}})
	require.NoError(t, err)

	d := f.Evaluate(op(0, "DEL", "keep:1", "drop:1", "keep:2", "drop:2"))
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonMixedKeys, d.Reason)
	assert.Equal(t, []string{"drop:1", "drop:2"}, d.MismatchedKeys)

	assert.True(t, f.Accept(op(0, "DEL", "keep:1", "keep:2")))

	d = f.Evaluate(op(0, "DEL", "drop:1", "drop:2"))
	assert.Equal(t, ReasonKeyNotAllowed, d.Reason)
	assert.Empty(t, d.MismatchedKeys)
}

func TestFilter_KeylessPassesKeyRules(t *testing.T) {
	f, err := New(Rules{
		AllowKeys: KeyRules{Prefix: []string{"only:"}},
		BlockKeys: KeyRules{Glob: []string{"*"}},
	})
	require.NoError(t, err)
	assert.True(t, f.Accept(op(0, "FUNCTION", "LOAD", "REPLACE", "code")))
}

func TestFilter_InvalidRules(t *testing.T) {
	_, err := New(Rules{AllowKeys: KeyRules{Regex: []string{"("}}})
	assert.Error(t, err)

	_, err = New(Rules{AllowGroups: []string{"nope"}})
	assert.Error(t, err)
}

func TestFilter_ConcurrentUse(t *testing.T) {
	f, err := New(Rules{AllowKeys: KeyRules{Regex: []string{`^a`}}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				assert.True(t, f.Accept(op(0, "SET", "abc", "v")))
				assert.False(t, f.Accept(op(0, "SET", "xyz", "v")))
			}
		}()
	}
	wg.Wait()
}
