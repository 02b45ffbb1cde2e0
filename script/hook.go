package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/burrow/common"
)

// ErrCompile is wrapped by every script load failure.
var ErrCompile = errors.New("script: compile error")

// RuntimeError is a per-operation script failure.
type RuntimeError struct {
	Command string
	Err     error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("script: runtime error on %s: %v", e.Command, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// TimeoutError means one invocation ran past its deadline.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script: %s timed out after %s", e.Command, e.Timeout)
}

// Hook turns one operation into zero or more operations. Returning an empty
// slice with a nil error suppresses the operation.
type Hook interface {
	Apply(ctx context.Context, op *common.Operation) ([]*common.Operation, error)
	Close() error
}

// Passthrough forwards every operation unchanged.
type Passthrough struct{}

func (Passthrough) Apply(_ context.Context, op *common.Operation) ([]*common.Operation, error) {
	return []*common.Operation{op}, nil
}

func (Passthrough) Close() error { return nil }

// DefaultPrefixFormat is the key prefix for a non-zero source database.
const DefaultPrefixFormat = "db%d:"

// DatabasePrefixer folds every database into database 0, prefixing the keys
// of database N>0 with Format (DefaultPrefixFormat when empty).
type DatabasePrefixer struct {
	Format string
}

func (p DatabasePrefixer) Apply(_ context.Context, op *common.Operation) ([]*common.Operation, error) {
	if op.DB == 0 {
		return []*common.Operation{op}, nil
	}

	format := p.Format
	if format == "" {
		format = DefaultPrefixFormat
	}
	prefix := fmt.Sprintf(format, op.DB)

	out := op.Clone()
	for i, key := range op.Keys() {
		out.SetKey(i, prefix+key)
	}
	out.DB = 0
	return []*common.Operation{out}, nil
}

func (DatabasePrefixer) Close() error { return nil }
