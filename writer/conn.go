package writer

import (
	"context"
	"crypto/tls"
	"errors"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/cluster"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Conn transmits pipelined commands to one shard. Exec returns one error
// slot per command; a non-nil second value means the round trip itself
// failed and no per-command results are known.
type Conn interface {
	Exec(ctx context.Context, cmds [][]interface{}) ([]error, error)
	Close() error
}

// Dialer opens the connection owned by one shard worker.
type Dialer func(shard *cluster.Shard) (Conn, error)

// RedisOptions configure RedisConn.
type RedisOptions struct {
	Username     string
	Password     string
	TLS          *tls.Config
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisConn talks to one shard primary through go-redis.
type RedisConn struct {
	client *redis.Client
}

// NewRedisDialer returns a Dialer producing RedisConns. Client-side retries
// are disabled; the writer owns retry policy.
func NewRedisDialer(opts RedisOptions) Dialer {
	return func(shard *cluster.Shard) (Conn, error) {
		client := redis.NewClient(&redis.Options{
			Addr:         shard.Addr,
			Username:     opts.Username,
			Password:     opts.Password,
			TLSConfig:    opts.TLS,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			MaxRetries:   -1,
			PoolSize:     1,
		})
		return &RedisConn{client: client}, nil
	}
}

func (c *RedisConn) Exec(ctx context.Context, cmds [][]interface{}) ([]error, error) {
	pipe := c.client.Pipeline()
	results := make([]*redis.Cmd, len(cmds))
	for i, args := range cmds {
		results[i] = pipe.Do(ctx, args...)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) && !IsReplyError(err) {
		return nil, err
	}

	errs := make([]error, len(results))
	for i, r := range results {
		if e := r.Err(); e != nil && !errors.Is(e, redis.Nil) {
			errs[i] = e
		}
	}
	return errs, nil
}

func (c *RedisConn) Close() error {
	return c.client.Close()
}

// DryRunConn logs every command and acknowledges it.
type DryRunConn struct {
	addr     string
	Commands atomic.Int64
}

// DryRunDialer returns a Dialer producing DryRunConns.
func DryRunDialer() Dialer {
	return func(shard *cluster.Shard) (Conn, error) {
		return &DryRunConn{addr: shard.Addr}, nil
	}
}

func (c *DryRunConn) Exec(_ context.Context, cmds [][]interface{}) ([]error, error) {
	for _, args := range cmds {
		ev := log.Info().Str("shard", c.addr)
		if len(args) > 0 {
			if b, ok := args[0].([]byte); ok {
				ev = ev.Bytes("cmd", b)
			}
		}
		ev.Int("args", len(args)).Msg("Dry run, command not sent")
	}
	c.Commands.Add(int64(len(cmds)))
	return make([]error, len(cmds)), nil
}

func (c *DryRunConn) Close() error {
	return nil
}
