package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mirrorctl/yankbank/internal/gem"
)

// RedisStore keeps sets as Redis sets of canonical identity keys.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to rawURL through a bounded connection pool.
func OpenRedis(rawURL string, opts Options) (*RedisStore, error) {
	opts = opts.withDefaults()
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "redis url")
	}
	ropts.PoolSize = opts.PoolSize
	ropts.PoolTimeout = opts.PoolTimeout
	if opts.TLS != nil && ropts.TLSConfig != nil {
		tlsConfig := opts.TLS.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = ropts.TLSConfig.ServerName
		}
		ropts.TLSConfig = tlsConfig
	}
	return NewRedisStore(redis.NewClient(ropts)), nil
}

// NewRedisStore wraps an existing client. The store owns the client
// afterwards and closes it in Close.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// wrap classifies err: replies from the server are returned as is,
// everything else means the server could not be reached.
func (s *RedisStore) wrap(err error, op string) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, "redis %s", op)
	}
	return unavailable(err, "redis %s", op)
}

func (s *RedisStore) AddMembers(ctx context.Context, set string, ids []gem.Identity) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	keys := members(ids)
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	added, err := s.client.SAdd(ctx, set, args...).Result()
	if err != nil {
		return false, s.wrap(err, "SADD "+set)
	}
	return added != 0, nil
}

func (s *RedisStore) ReadAll(ctx context.Context, set string) ([]gem.Identity, error) {
	keys, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, s.wrap(err, "SMEMBERS "+set)
	}
	ids, err := parseMembers(keys)
	if err != nil {
		return nil, errors.Wrapf(err, "redis set %s", set)
	}
	return ids, nil
}

func (s *RedisStore) DiffStore(ctx context.Context, dest, a, b string) error {
	if err := s.client.SDiffStore(ctx, dest, a, b).Err(); err != nil {
		return s.wrap(err, "SDIFFSTORE "+dest)
	}
	return nil
}

func (s *RedisStore) UnionStore(ctx context.Context, dest, a, b string) error {
	if err := s.client.SUnionStore(ctx, dest, a, b).Err(); err != nil {
		return s.wrap(err, "SUNIONSTORE "+dest)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, set string) error {
	if err := s.client.Del(ctx, set).Err(); err != nil {
		return s.wrap(err, "DEL "+set)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, id gem.Identity, set string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, set, id.Key()).Result()
	if err != nil {
		return false, s.wrap(err, "SISMEMBER "+set)
	}
	return ok, nil
}

func (s *RedisStore) Count(ctx context.Context, set string) (int64, error) {
	n, err := s.client.SCard(ctx, set).Result()
	if err != nil {
		return 0, s.wrap(err, "SCARD "+set)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
