package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Class says whether a transmission failure may be retried.
type Class string

const (
	ClassRetryable Class = "retryable"
	ClassTerminal  Class = "terminal"
)

var (
	// ErrKeyless is returned for keyless operations under the drop policy.
	ErrKeyless = errors.New("writer: keyless operation dropped")
	// ErrNonZeroDatabase rejects operations bound for a database other than 0.
	ErrNonZeroDatabase = errors.New("writer: destination has a single database")
	// ErrNoShard means no shard owns the operation's slot.
	ErrNoShard = errors.New("writer: slot not covered by any shard")
	// ErrIncomplete resolves operations still queued when Close gave up.
	ErrIncomplete = errors.New("writer: operation not flushed before shutdown")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("writer: closed")
)

// TransmitError is a terminal transmission failure.
type TransmitError struct {
	Shard    string
	Class    Class
	Attempts int
	Err      error
}

func (e *TransmitError) Error() string {
	if e.Class == ClassRetryable {
		return fmt.Sprintf("writer: %s: gave up after %d attempts: %v", e.Shard, e.Attempts, e.Err)
	}
	return fmt.Sprintf("writer: %s: %v", e.Shard, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}

// CrossSlotError rejects an atomic-only operation whose keys hash to more
// than one slot.
type CrossSlotError struct {
	Command string
	Slots   []uint16
}

func (e *CrossSlotError) Error() string {
	return fmt.Sprintf("writer: %s keys span %d slots", e.Command, len(e.Slots))
}

var retryablePrefixes = []string{"BUSY", "LOADING", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"}

// Classify maps a failure to a Class. Reply errors are classified by their
// code; anything else below the protocol (connection resets, timeouts,
// short reads) is retryable. Cancellation and a closed client are terminal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
		return ClassTerminal
	}

	var reply redis.Error
	if errors.As(err, &reply) {
		msg := reply.Error()
		for _, p := range retryablePrefixes {
			if strings.HasPrefix(msg, p) {
				return ClassRetryable
			}
		}
		return ClassTerminal
	}
	return ClassRetryable
}

// IsReplyError reports whether err came back from the destination as a reply
// rather than from the connection.
func IsReplyError(err error) bool {
	var reply redis.Error
	return errors.As(err, &reply)
}
