package common

import (
	"bytes"
	"strconv"
	"strings"
)

// Operation is one canonical write instruction. Args[0] is always the
// command name; KeyIndexes point into Args.
//
// Stages never share an Operation: anything that rewrites one works on its
// own copy (see Clone).
type Operation struct {
	DB         int
	SourceDB   int
	Args       [][]byte
	KeyIndexes []int
	// ExpireAtMs is an absolute expiry (ms since epoch) that the decoder has
	// already materialized as the next operation. Zero means none.
	ExpireAtMs int64
	// Offset is the source byte offset the operation was decoded at.
	Offset int64
}

// NewOperation builds an operation and resolves key positions from the
// command table. Unknown commands carry no keys.
func NewOperation(db int, args ...[]byte) *Operation {
	op := &Operation{DB: db, SourceDB: db, Args: args}
	op.ResolveKeys()
	return op
}

// NewOperationStrings is NewOperation for string arguments.
func NewOperationStrings(db int, args ...string) *Operation {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return NewOperation(db, raw...)
}

// ResolveKeys recomputes KeyIndexes from Args.
func (o *Operation) ResolveKeys() {
	o.KeyIndexes = nil
	if len(o.Args) == 0 {
		return
	}
	if spec, ok := LookupCommand(string(o.Args[0])); ok {
		o.KeyIndexes = spec.KeyIndexes(o.Args)
	}
}

// Command returns the upper-cased command name.
func (o *Operation) Command() string {
	if len(o.Args) == 0 {
		return ""
	}
	return strings.ToUpper(string(o.Args[0]))
}

func (o *Operation) Group() Group {
	return GroupOf(o.Command())
}

func (o *Operation) Spec() (CommandSpec, bool) {
	return LookupCommand(o.Command())
}

// Keys returns the derived key strings in position order.
func (o *Operation) Keys() []string {
	keys := make([]string, 0, len(o.KeyIndexes))
	for _, idx := range o.KeyIndexes {
		keys = append(keys, string(o.Args[idx]))
	}
	return keys
}

// FirstKey returns the first derived key, false for keyless operations.
func (o *Operation) FirstKey() ([]byte, bool) {
	if len(o.KeyIndexes) == 0 {
		return nil, false
	}
	return o.Args[o.KeyIndexes[0]], true
}

func (o *Operation) HasKeys() bool {
	return len(o.KeyIndexes) > 0
}

// SetKey replaces the i-th derived key. Positions never change.
func (o *Operation) SetKey(i int, key string) {
	o.Args[o.KeyIndexes[i]] = []byte(key)
}

// Clone deep-copies the operation.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Args = make([][]byte, len(o.Args))
	for i, a := range o.Args {
		c.Args[i] = bytes.Clone(a)
	}
	if o.KeyIndexes != nil {
		c.KeyIndexes = append([]int(nil), o.KeyIndexes...)
	}
	return &c
}

// StringArgs returns Args as strings.
func (o *Operation) StringArgs() []string {
	out := make([]string, len(o.Args))
	for i, a := range o.Args {
		out[i] = string(a)
	}
	return out
}

// Interfaces returns Args in the form client libraries accept.
func (o *Operation) Interfaces() []interface{} {
	out := make([]interface{}, len(o.Args))
	for i, a := range o.Args {
		out[i] = a
	}
	return out
}

// Size is the payload size in bytes.
func (o *Operation) Size() int {
	n := 0
	for _, a := range o.Args {
		n += len(a)
	}
	return n
}

// ExpiryOperations builds the PEXPIREAT follow-ups for ExpireAtMs, one per key.
func (o *Operation) ExpiryOperations() []*Operation {
	if o.ExpireAtMs == 0 || len(o.KeyIndexes) == 0 {
		return nil
	}
	ms := []byte(strconv.FormatInt(o.ExpireAtMs, 10))
	out := make([]*Operation, 0, len(o.KeyIndexes))
	for _, idx := range o.KeyIndexes {
		exp := NewOperation(o.DB, []byte("PEXPIREAT"), bytes.Clone(o.Args[idx]), ms)
		exp.SourceDB = o.SourceDB
		exp.Offset = o.Offset
		out = append(out, exp)
	}
	return out
}

// String renders a short form for logs; long argument lists are elided.
func (o *Operation) String() string {
	var sb strings.Builder
	sb.WriteString("db=")
	sb.WriteString(strconv.Itoa(o.DB))
	for i, a := range o.Args {
		if i >= 6 {
			sb.WriteString(" ...(")
			sb.WriteString(strconv.Itoa(len(o.Args) - i))
			sb.WriteString(" more)")
			break
		}
		sb.WriteByte(' ')
		if len(a) > 64 {
			sb.Write(a[:64])
			sb.WriteString("...")
			continue
		}
		sb.Write(a)
	}
	return sb.String()
}
