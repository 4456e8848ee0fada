package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorctl/yankbank/internal/gem"
)

var (
	fooV1 = gem.New("foo", "1.0.0", "ruby")
	fooV2 = gem.New("foo", "2.0.0", "ruby")
	barV1 = gem.New("bar", "1.0.0", "java")
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := Open("redis://"+mr.Addr(), Options{})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := Open("sqlite://"+filepath.Join(t.TempDir(), "yank.db"), Options{PoolSize: 2})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			fn(t, b.open(t))
		})
	}
}

func TestAddMembers(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		grew, err := s.AddMembers(ctx, CurrentSet, []gem.Identity{fooV1, barV1})
		require.NoError(t, err)
		assert.True(t, grew)

		grew, err = s.AddMembers(ctx, CurrentSet, []gem.Identity{fooV1})
		require.NoError(t, err)
		assert.False(t, grew, "re-adding an existing member must not grow the set")

		grew, err = s.AddMembers(ctx, CurrentSet, nil)
		require.NoError(t, err)
		assert.False(t, grew)

		n, err := s.Count(ctx, CurrentSet)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})
}

func TestReadAllSorted(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.AddMembers(ctx, CurrentSet, []gem.Identity{fooV2, fooV1, barV1})
		require.NoError(t, err)

		ids, err := s.ReadAll(ctx, CurrentSet)
		require.NoError(t, err)
		assert.Equal(t, []gem.Identity{barV1, fooV1, fooV2}, ids)

		missing, err := s.ReadAll(ctx, "nothing-here")
		require.NoError(t, err)
		assert.Empty(t, missing)
	})
}

func TestDiffAndUnion(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.AddMembers(ctx, CurrentSet, []gem.Identity{fooV1, fooV2, barV1})
		require.NoError(t, err)
		_, err = s.AddMembers(ctx, IncomingCurrentSet, []gem.Identity{fooV2})
		require.NoError(t, err)
		_, err = s.AddMembers(ctx, YankedSet, []gem.Identity{gem.New("old", "0.1", "ruby")})
		require.NoError(t, err)

		require.NoError(t, s.DiffStore(ctx, IncomingYankedSet, CurrentSet, IncomingCurrentSet))
		diff, err := s.ReadAll(ctx, IncomingYankedSet)
		require.NoError(t, err)
		assert.Equal(t, []gem.Identity{barV1, fooV1}, diff)

		// dest may be one of the operands
		require.NoError(t, s.UnionStore(ctx, YankedSet, YankedSet, IncomingYankedSet))
		yanked, err := s.ReadAll(ctx, YankedSet)
		require.NoError(t, err)
		assert.Equal(t, []gem.Identity{barV1, fooV1, gem.New("old", "0.1", "ruby")}, yanked)

		// dest is replaced, not merged
		require.NoError(t, s.DiffStore(ctx, YankedSet, IncomingCurrentSet, CurrentSet))
		n, err := s.Count(ctx, YankedSet)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestExistsAndDelete(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.AddMembers(ctx, YankedSet, []gem.Identity{fooV1})
		require.NoError(t, err)

		ok, err := s.Exists(ctx, fooV1, YankedSet)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Exists(ctx, gem.New("foo", "1.0.0", "java"), YankedSet)
		require.NoError(t, err)
		assert.False(t, ok, "platform is part of the identity")

		require.NoError(t, s.Delete(ctx, YankedSet))
		require.NoError(t, s.Delete(ctx, YankedSet), "deleting a missing set is allowed")

		ok, err = s.Exists(ctx, fooV1, YankedSet)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSetsAreIsolated(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.AddMembers(ctx, CurrentSet, []gem.Identity{fooV1})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, IncomingCurrentSet))

		n, err := s.Count(ctx, CurrentSet)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := OpenRedis("redis://"+mr.Addr(), Options{PoolTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	mr.Close()

	_, err = s.ReadAll(context.Background(), CurrentSet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "network failure should be marked unavailable: %v", err)
}

func TestRedisPoolExhausted(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := OpenRedis("redis://"+mr.Addr(), Options{PoolSize: 1, PoolTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	// park the only connection on a blocking pop
	blocked := make(chan error, 1)
	go func() {
		blocked <- s.client.BLPop(context.Background(), 0, "release").Err()
	}()
	require.Eventually(t, func() bool {
		st := s.client.PoolStats()
		return st.TotalConns == 1 && st.IdleConns == 0
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	_, err = s.ReadAll(context.Background(), CurrentSet)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "pool timeout should be marked unavailable: %v", err)
	assert.Less(t, elapsed, 2*time.Second, "checkout must give up after the pool timeout")

	_, err = mr.Lpush("release", "x")
	require.NoError(t, err)
	require.NoError(t, <-blocked)
}

func TestSQLitePoolExhausted(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "yank.db"), Options{PoolSize: 1, PoolTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	conn, err := s.db.Conn(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = s.AddMembers(context.Background(), CurrentSet, []gem.Identity{fooV1})
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "checkout timeout should be marked unavailable: %v", err)
	assert.Less(t, elapsed, 2*time.Second, "checkout must give up after the pool timeout")

	require.NoError(t, conn.Close())
	grew, err := s.AddMembers(context.Background(), CurrentSet, []gem.Identity{fooV1})
	require.NoError(t, err)
	assert.True(t, grew)
}

func TestRedisReplyErrorIsNotUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	defer s.Close()

	// a string key under the set name makes SADD fail with WRONGTYPE
	require.NoError(t, mr.Set(CurrentSet, "not a set"))

	_, err := s.AddMembers(context.Background(), CurrentSet, []gem.Identity{fooV1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable), "server replies are not availability failures: %v", err)
}

func TestCorruptMember(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := OpenRedis("redis://"+mr.Addr(), Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = mr.SAdd(CurrentSet, `["only","two"]`)
	require.NoError(t, err)

	_, err = s.ReadAll(context.Background(), CurrentSet)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	_, err := Open("", Options{})
	assert.Error(t, err)

	_, err = Open("mongodb://localhost", Options{})
	assert.Error(t, err)

	_, err = Open("sqlite://", Options{})
	assert.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	assert.Equal(t, 9, o.PoolSize)
	assert.Equal(t, 5*time.Second, o.PoolTimeout)

	o = Options{PoolSize: 3, PoolTimeout: time.Second}.withDefaults()
	assert.Equal(t, 3, o.PoolSize)
	assert.Equal(t, time.Second, o.PoolTimeout)
}
