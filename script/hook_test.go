package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefixScript = `
if DB == 0 then
  emit(0, ARGV)
  return
end
local args = {}
for i, a in ipairs(ARGV) do
  args[i] = a
end
for _, idx in ipairs(KEY_INDEXES) do
  args[idx] = "db" .. DB .. ":" .. args[idx]
end
emit(0, args)
`

func argsOf(ops []*common.Operation) [][]string {
	out := make([][]string, len(ops))
	for i, op := range ops {
		out[i] = op.StringArgs()
	}
	return out
}

func newHook(t *testing.T, src string, opts LuaOptions) *LuaHook {
	t.Helper()
	h, err := NewLuaHook(src, opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestPassthrough(t *testing.T) {
	op := common.NewOperationStrings(3, "SET", "k", "v")
	out, err := Passthrough{}.Apply(context.Background(), op)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, op, out[0])
}

func TestDatabasePrefixer(t *testing.T) {
	p := DatabasePrefixer{}

	tests := []struct {
		name     string
		op       *common.Operation
		expected []string
	}{
		{"db0 untouched", common.NewOperationStrings(0, "SET", "user:1", "x"), []string{"SET", "user:1", "x"}},
		{"db1 prefixed", common.NewOperationStrings(1, "SET", "user:1", "x"), []string{"SET", "db1:user:1", "x"}},
		{"mset keys only", common.NewOperationStrings(2, "MSET", "a", "1", "b", "2"), []string{"MSET", "db2:a", "1", "db2:b", "2"}},
		{"expiry", common.NewOperationStrings(4, "PEXPIREAT", "k", "100"), []string{"PEXPIREAT", "db4:k", "100"}},
		{"keyless", common.NewOperationStrings(5, "FUNCTION", "LOAD", "body"), []string{"FUNCTION", "LOAD", "body"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.op.Clone()
			out, err := p.Apply(context.Background(), tt.op)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, tt.expected, out[0].StringArgs())
			assert.Zero(t, out[0].DB)
			assert.Equal(t, original.SourceDB, out[0].SourceDB)
			assert.Equal(t, original.Args, tt.op.Args, "input must not be modified")
		})
	}
}

func TestDatabasePrefixer_CustomFormat(t *testing.T) {
	out, err := DatabasePrefixer{Format: "{db%d}/"}.Apply(context.Background(), common.NewOperationStrings(7, "SADD", "s", "m"))
	require.NoError(t, err)
	assert.Equal(t, []string{"SADD", "{db7}/s", "m"}, out[0].StringArgs())
}

func TestLuaHook_PrefixRoundTrip(t *testing.T) {
	h := newHook(t, prefixScript, LuaOptions{})

	op := common.NewOperationStrings(1, "SET", "user:1", "v")
	out, err := h.Apply(context.Background(), op)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, []string{"db1:user:1"}, out[0].Keys())
	assert.Equal(t, 0, out[0].DB)
	assert.Equal(t, 1, out[0].SourceDB)
	assert.Equal(t, []string{"user:1"}, op.Keys())

	out, err = h.Apply(context.Background(), common.NewOperationStrings(0, "HSET", "h", "f", "v"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"HSET", "h", "f", "v"}}, argsOf(out))
}

func TestLuaHook_Context(t *testing.T) {
	h := newHook(t, `emit(DB, {"SET", KEYS[1], CMD .. "|" .. GROUP .. "|" .. SLOTS[1] .. "|" .. KEY_INDEXES[1] .. "|" .. #ARGV})`, LuaOptions{})

	out, err := h.Apply(context.Background(), common.NewOperationStrings(2, "rpush", "foo", "a", "b"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	expected := fmt.Sprintf("RPUSH|list|%d|2|4", cluster.SlotOf("foo"))
	assert.Equal(t, []string{"SET", "foo", expected}, out[0].StringArgs())
	assert.Equal(t, 2, out[0].DB)
}

func TestLuaHook_SuppressAndMultiEmit(t *testing.T) {
	h := newHook(t, `
if CMD == "DEL" then return end
emit(0, {"SET", KEYS[1] .. ":a", "1"})
emit(3, {"SET", KEYS[1] .. ":b", 2})
emit(0, ARGV)
`, LuaOptions{})

	out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "DEL", "k"))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = h.Apply(context.Background(), common.NewOperationStrings(1, "SET", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"SET", "k:a", "1"},
		{"SET", "k:b", "2"},
		{"SET", "k", "v"},
	}, argsOf(out))
	assert.Equal(t, []int{0, 3, 0}, []int{out[0].DB, out[1].DB, out[2].DB})
	assert.Equal(t, []string{"k:b"}, out[1].Keys())
}

func TestLuaHook_Isolation(t *testing.T) {
	h := newHook(t, `
counter = (counter or 0) + 1
_G.leak = (_G.leak or 0) + 1
emit(0, {"SET", "k", tostring(counter) .. tostring(leak)})
`, LuaOptions{PoolSize: 1})

	for i := 0; i < 3; i++ {
		out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
		require.NoError(t, err)
		assert.Equal(t, "11", string(out[0].Args[2]))
	}
}

func TestLuaHook_Sandbox(t *testing.T) {
	for _, fn := range []string{"dofile", "loadfile", "load", "loadstring", "require", "getfenv", "setfenv"} {
		t.Run(fn, func(t *testing.T) {
			h := newHook(t, fn+`("x")`, LuaOptions{})
			_, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
			var rerr *RuntimeError
			require.True(t, errors.As(err, &rerr), "got %v", err)
			assert.Equal(t, "SET", rerr.Command)
		})
	}

	h := newHook(t, `emit(0, {"SET", "k", string.upper("x") .. math.floor(2.5) .. table.concat({"a", "b"})})`, LuaOptions{})
	out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, "X2ab", string(out[0].Args[2]))
}

func TestLuaHook_LibrariesAreReadOnly(t *testing.T) {
	h := newHook(t, `string.upper = function() return "patched" end`, LuaOptions{PoolSize: 1})
	_, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
	var rerr *RuntimeError
	require.True(t, errors.As(err, &rerr), "got %v", err)

	h = newHook(t, `emit(0, {"SET", "k", string.upper("x")})`, LuaOptions{PoolSize: 1})
	out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, "X", string(out[0].Args[2]))
}

func TestLuaHook_MetatablesHidden(t *testing.T) {
	h := newHook(t, `
emit(0, {"SET", "k", tostring(getmetatable(_G)) .. tostring(getmetatable(string)) .. tostring(getmetatable(""))})
`, LuaOptions{})
	out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, "falsefalsefalse", string(out[0].Args[2]))
}

func TestLuaHook_RawWritesDoNotCarryOver(t *testing.T) {
	h := newHook(t, `
local prev = tostring(rawget(string, "mark")) .. tostring(rawget(math, "mark"))
rawset(string, "mark", "s")
rawset(math, "mark", "m")
emit(0, {"SET", "k", prev .. ("ab"):upper()})
`, LuaOptions{PoolSize: 1})

	for i := 0; i < 3; i++ {
		out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
		require.NoError(t, err)
		assert.Equal(t, "nilnilAB", string(out[0].Args[2]))
	}
}

func TestLuaHook_CompileError(t *testing.T) {
	_, err := NewLuaHook(`emit(0, {`, LuaOptions{Name: "broken.lua"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompile))

	_, err = LoadLuaHook("/nonexistent/burrow.lua", LuaOptions{})
	assert.True(t, errors.Is(err, ErrCompile))
}

func TestLuaHook_RuntimeErrors(t *testing.T) {
	cases := map[string]string{
		"error":      `error("boom")`,
		"empty emit": `emit(0, {})`,
		"bad arg":    `emit(0, {"SET", {}})`,
		"negative":   `emit(-1, {"SET", "k", "v"})`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHook(t, src, LuaOptions{})
			out, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
			assert.Nil(t, out)
			var rerr *RuntimeError
			assert.True(t, errors.As(err, &rerr), "got %v", err)
		})
	}
}

func TestLuaHook_Timeout(t *testing.T) {
	h := newHook(t, `while true do end`, LuaOptions{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := h.Apply(context.Background(), common.NewOperationStrings(0, "SET", "k", "v"))
	var terr *TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, 20*time.Millisecond, terr.Timeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, len(h.pool), "timed out state must not be pooled")
}

func TestLuaHook_ParentCancel(t *testing.T) {
	h := newHook(t, `while true do end`, LuaOptions{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.Apply(ctx, common.NewOperationStrings(0, "SET", "k", "v"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLuaHook_Concurrent(t *testing.T) {
	h := newHook(t, prefixScript, LuaOptions{PoolSize: 4})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("k%d-%d", g, i)
				out, err := h.Apply(context.Background(), common.NewOperationStrings(g%3, "SET", key, "v"))
				if err != nil {
					errs <- err
					return
				}
				expected := key
				if g%3 != 0 {
					expected = fmt.Sprintf("db%d:%s", g%3, key)
				}
				if len(out) != 1 || out[0].Keys()[0] != expected {
					errs <- fmt.Errorf("unexpected output %v for %s", argsOf(out), key)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
