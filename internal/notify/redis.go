package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/pkg/models"
)

// RedisPublisher appends notifications to a Redis stream trimmed to an
// approximate maximum length.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	owned   bool
}

type RedisOptions struct {
	Stream  string
	MaxLen  int64
	Timeout time.Duration
}

// NewRedisPublisher publishes through an existing client. The caller keeps
// ownership of rdb.
func NewRedisPublisher(rdb redis.UniversalClient, opts RedisOptions) *RedisPublisher {
	if opts.Stream == "" {
		opts.Stream = "insight:notifications"
	}
	return &RedisPublisher{rdb: rdb, stream: opts.Stream, maxLen: opts.MaxLen, timeout: opts.Timeout}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, opts RedisOptions) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperrors.Dependency("redis", err)
	}
	p := NewRedisPublisher(rdb, opts)
	p.owned = true
	return p, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return apperrors.Wrap(err, "marshaling notification")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		ID:     "*",
		Values: map[string]interface{}{
			"kind":      string(n.Kind),
			"thread_id": n.ThreadID,
			"sequence":  strconv.FormatInt(n.Sequence, 10),
			"payload":   string(payload),
		},
	}).Err()
	if err != nil {
		return apperrors.Dependency("redis", err)
	}
	return nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.rdb.Close()
}
