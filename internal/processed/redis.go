package processed

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "processed:"

// RedisOptions holds connection parameters for the shared marker store.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	Prefix     string
	TTL        time.Duration
}

// Redis shares processed markers between stateless invocations. Entries
// expire after TTL so a stale marker never hides a market forever.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.TLSEnabled {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedis(rdb, opts.Prefix, opts.TTL), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k Key) string {
	return r.prefix + k.String()
}

func (r *Redis) Has(ctx context.Context, key Key) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Add(ctx context.Context, key Key) error {
	if err := r.rdb.Set(ctx, r.key(key), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

var _ Set = (*Redis)(nil)
