package transport

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisMedium stores regions as Redis lists and markers as plain keys, so producer and host
// can run on different machines.
type RedisMedium struct {
	// client is the Redis client.
	client *redis.Client
	// prefix is prepended to every key.
	prefix string
}

// NewRedisMedium creates a RedisMedium and checks the connection.
func NewRedisMedium(client *redis.Client, prefix string) (*RedisMedium, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisMedium{client: client, prefix: prefix}, nil
}

func (r *RedisMedium) key(name string) string {
	return r.prefix + name
}

// Push implements Medium.
func (r *RedisMedium) Push(ctx context.Context, region string, data []byte) error {
	if err := r.client.RPush(ctx, r.key(region), data).Err(); err != nil {
		return errors.Wrapf(err, "failed to push to %s", region)
	}
	return nil
}

// Drain implements Medium. The read and delete run in one MULTI/EXEC, so two drains never
// both see a blob.
func (r *RedisMedium) Drain(ctx context.Context, region string) ([][]byte, error) {
	key := r.key(region)
	var lrange *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to drain %s", region)
	}

	values, err := lrange.Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", region)
	}
	if len(values) == 0 {
		return nil, nil
	}
	blobs := make([][]byte, len(values))
	for i, v := range values {
		blobs[i] = []byte(v)
	}
	return blobs, nil
}

// Mark implements Medium.
func (r *RedisMedium) Mark(ctx context.Context, name string) error {
	return r.client.Set(ctx, r.key(name), time.Now().UTC().Format(time.RFC3339), 0).Err()
}

// Unmark implements Medium.
func (r *RedisMedium) Unmark(ctx context.Context, name string) error {
	return r.client.Del(ctx, r.key(name)).Err()
}

// Marked implements Medium.
func (r *RedisMedium) Marked(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(name)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check marker %s", name)
	}
	return n > 0, nil
}

// Close implements Medium.
func (r *RedisMedium) Close() error {
	return r.client.Close()
}
