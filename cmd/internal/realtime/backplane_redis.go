package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by all instances.
const DefaultRedisChannel = "parla:realtime:v1"

// RedisBackplane mirrors frames over Redis pub/sub.
type RedisBackplane struct {
	log     *slog.Logger
	rdb     *redis.Client
	channel string
	closed  atomic.Bool
}

// NewRedisBackplane wraps an existing client. The backplane owns rdb and closes it.
func NewRedisBackplane(log *slog.Logger, rdb *redis.Client, channel string) *RedisBackplane {
	if log == nil {
		log = slog.Default()
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBackplane{log: log, rdb: rdb, channel: channel}
}

// ErrBackplaneUnavailable reports a backplane that is configured but cannot be reached.
var ErrBackplaneUnavailable = errors.New("realtime: backplane unavailable")

// DialRedisBackplane parses a redis:// URL, pings the server and returns a backplane.
// A failed ping is reported as ErrBackplaneUnavailable.
func DialRedisBackplane(ctx context.Context, log *slog.Logger, url, channel string) (*RedisBackplane, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackplaneUnavailable, err)
	}
	return NewRedisBackplane(log, rdb, channel), nil
}

// Publish implements Backplane.
func (b *RedisBackplane) Publish(ctx context.Context, f Frame) error {
	if b.closed.Load() {
		return errBackplaneClosed
	}
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe implements Backplane.
func (b *RedisBackplane) Subscribe(ctx context.Context, fn func(Frame)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so frames published after
	// Subscribe returns its first receive are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if b.closed.Load() {
					return nil
				}
				return errors.New("realtime: redis subscription closed")
			}
			f, err := decodeFrame([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("backplane.redis.decode.fail", "err", err)
				continue
			}
			fn(f)
		}
	}
}

// Close implements Backplane.
func (b *RedisBackplane) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.rdb.Close()
}

var _ Backplane = (*RedisBackplane)(nil)
