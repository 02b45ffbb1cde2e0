package script

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/common"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const (
	DefaultTimeout  = 100 * time.Millisecond
	DefaultPoolSize = 8
)

// LuaOptions tune a LuaHook.
type LuaOptions struct {
	// Name shows up in compile errors and script log lines.
	Name     string
	Timeout  time.Duration
	PoolSize int
}

var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

var removedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage",
	"getfenv", "setfenv",
}

// libraryNames are exposed to scripts only through per-call read-only views.
var libraryNames = []string{lua.TabLibName, lua.StringLibName, lua.MathLibName}

// LuaHook runs a compiled Lua chunk once per operation. States are pooled;
// every call gets a fresh global environment and fresh read-only views of
// the libraries, so nothing a script writes survives into the next
// operation.
type LuaHook struct {
	name    string
	proto   *lua.FunctionProto
	timeout time.Duration
	pool    chan *lua.LState

	mu     sync.Mutex
	closed bool
}

// NewLuaHook compiles source. Syntax errors wrap ErrCompile.
func NewLuaHook(source string, opts LuaOptions) (*LuaHook, error) {
	if opts.Name == "" {
		opts.Name = "script"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}

	chunk, err := parse.Parse(strings.NewReader(source), opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	proto, err := lua.Compile(chunk, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	log.Info().
		Str("script", opts.Name).
		Dur("timeout", opts.Timeout).
		Int("pool_size", opts.PoolSize).
		Msg("Lua hook compiled")

	return &LuaHook{
		name:    opts.Name,
		proto:   proto,
		timeout: opts.Timeout,
		pool:    make(chan *lua.LState, opts.PoolSize),
	}, nil
}

// LoadLuaHook reads and compiles a script file.
func LoadLuaHook(path string, opts LuaOptions) (*LuaHook, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if opts.Name == "" {
		opts.Name = path
	}
	return NewLuaHook(string(src), opts)
}

func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range sandboxLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	// The string library doubles as the metatable of every string value.
	if mod, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		mod.RawSetString("__metatable", lua.LFalse)
	}
	return L
}

func (h *LuaHook) acquire() *lua.LState {
	select {
	case L := <-h.pool:
		return L
	default:
		return newSandboxState()
	}
}

func (h *LuaHook) release(L *lua.LState) {
	L.RemoveContext()
	L.SetTop(0)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		L.Close()
		return
	}
	select {
	case h.pool <- L:
	default:
		L.Close()
	}
}

// Apply runs the script against op and returns what it emitted, in emit
// order.
func (h *LuaHook) Apply(ctx context.Context, op *common.Operation) ([]*common.Operation, error) {
	L := h.acquire()

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	L.SetContext(callCtx)

	var emitted []*common.Operation
	fn := L.NewFunctionFromProto(h.proto)
	fn.Env = h.environment(L, op, &emitted)
	L.Push(fn)

	if err := L.PCall(0, 0, nil); err != nil {
		if ctx.Err() != nil {
			L.Close()
			return nil, ctx.Err()
		}
		if callCtx.Err() != nil {
			// Interrupted mid-instruction; the state is not reused.
			L.Close()
			return nil, &TimeoutError{Command: op.Command(), Timeout: h.timeout}
		}
		h.release(L)
		return nil, &RuntimeError{Command: op.Command(), Err: err}
	}

	h.release(L)
	return emitted, nil
}

func (h *LuaHook) environment(L *lua.LState, op *common.Operation, emitted *[]*common.Operation) *lua.LTable {
	env := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", L.G.Global)
	meta.RawSetString("__metatable", lua.LFalse)
	L.SetMetatable(env, meta)
	env.RawSetString("_G", env)
	for _, name := range libraryNames {
		if lib, ok := L.GetGlobal(name).(*lua.LTable); ok {
			env.RawSetString(name, readOnly(L, lib))
		}
	}

	cmd := op.Command()
	env.RawSetString("DB", lua.LNumber(op.DB))
	env.RawSetString("CMD", lua.LString(cmd))
	env.RawSetString("GROUP", lua.LString(op.Group()))

	argv := L.CreateTable(len(op.Args), 0)
	for _, a := range op.Args {
		argv.Append(lua.LString(a))
	}
	env.RawSetString("ARGV", argv)

	keys := L.CreateTable(len(op.KeyIndexes), 0)
	indexes := L.CreateTable(len(op.KeyIndexes), 0)
	slots := L.CreateTable(len(op.KeyIndexes), 0)
	for _, idx := range op.KeyIndexes {
		keys.Append(lua.LString(op.Args[idx]))
		indexes.Append(lua.LNumber(idx + 1))
		slots.Append(lua.LNumber(cluster.Slot(op.Args[idx])))
	}
	env.RawSetString("KEYS", keys)
	env.RawSetString("KEY_INDEXES", indexes)
	env.RawSetString("SLOTS", slots)

	env.RawSetString("emit", L.NewFunction(func(L *lua.LState) int {
		db := L.CheckInt(1)
		tbl := L.CheckTable(2)
		if db < 0 {
			L.ArgError(1, "database must not be negative")
		}
		n := tbl.Len()
		if n == 0 {
			L.ArgError(2, "empty argument list")
		}
		args := make([][]byte, 0, n)
		for i := 1; i <= n; i++ {
			switch v := tbl.RawGetInt(i).(type) {
			case lua.LString:
				args = append(args, []byte(string(v)))
			case lua.LNumber:
				args = append(args, []byte(v.String()))
			default:
				L.ArgError(2, fmt.Sprintf("argument %d is a %s", i, v.Type().String()))
			}
		}
		out := common.NewOperation(db, args...)
		out.SourceDB = op.SourceDB
		out.Offset = op.Offset
		*emitted = append(*emitted, out)
		return 0
	}))

	env.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		log.Info().Str("script", h.name).Str("cmd", cmd).Msg(L.CheckString(1))
		return 0
	}))

	return env
}

// Close releases pooled interpreter states.
func (h *LuaHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for {
		select {
		case L := <-h.pool:
			L.Close()
		default:
			return nil
		}
	}
}

// readOnly returns an empty table reading through to t. Writes raise an
// error and the metatable is hidden.
func readOnly(L *lua.LState, t *lua.LTable) *lua.LTable {
	proxy := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", t)
	meta.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("attempt to modify a read-only library table")
		return 0
	}))
	meta.RawSetString("__metatable", lua.LFalse)
	L.SetMetatable(proxy, meta)
	return proxy
}
