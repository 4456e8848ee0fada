// Package store implements the snapshot store: named sets of gem
// identities kept in a shared backend.
//
// Two backends are available. Redis is the production backend and maps
// every operation to a single server-side command. SQLite keeps the same
// contract in a local file, running each operation in one transaction.
package store

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/yankbank/internal/gem"
)

// Set names shared by every deployment.
const (
	CurrentSet         = "gems"
	YankedSet          = "yanked"
	IncomingCurrentSet = "gems-incoming"
	IncomingYankedSet  = "yanked-incoming"
)

const (
	defaultPoolSize    = 9
	defaultPoolTimeout = 5 * time.Second
)

// ErrUnavailable marks failures to reach the backend: exhausted pool,
// network errors, timeouts. Callers may retry with backoff.
var ErrUnavailable = errors.New("snapshot store unavailable")

// Store is the set contract the reconciler depends on.
//
// Implementations must be safe for concurrent use. A connection is held
// only for the duration of one call.
type Store interface {
	// AddMembers adds ids to set and reports whether the set grew.
	// An empty ids is a no-op returning false.
	AddMembers(ctx context.Context, set string, ids []gem.Identity) (bool, error)

	// ReadAll returns every member of set sorted by canonical key.
	// A missing set is empty.
	ReadAll(ctx context.Context, set string) ([]gem.Identity, error)

	// DiffStore stores a - b as dest, replacing dest.
	DiffStore(ctx context.Context, dest, a, b string) error

	// UnionStore stores a ∪ b as dest, replacing dest.
	UnionStore(ctx context.Context, dest, a, b string) error

	// Delete removes set. Deleting a missing set is not an error.
	Delete(ctx context.Context, set string) error

	// Exists reports whether id is a member of set.
	Exists(ctx context.Context, id gem.Identity, set string) (bool, error)

	// Count returns the cardinality of set.
	Count(ctx context.Context, set string) (int64, error)

	Close() error
}

// Options configures the connection pool shared by all operations.
type Options struct {
	// PoolSize bounds concurrent backend connections.
	PoolSize int

	// PoolTimeout bounds how long an operation waits for a free connection.
	PoolTimeout time.Duration

	// TLS is used for rediss:// URLs. Nil keeps the backend default.
	TLS *tls.Config
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.PoolTimeout <= 0 {
		o.PoolTimeout = defaultPoolTimeout
	}
	return o
}

// Open selects a backend from the URL scheme: redis://, rediss:// or
// sqlite://.
func Open(rawURL string, opts Options) (Store, error) {
	if rawURL == "" {
		return nil, errors.New("store url is not set")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "store url")
	}

	opts = opts.withDefaults()
	switch u.Scheme {
	case "redis", "rediss", "unix":
		return OpenRedis(rawURL, opts)
	case "sqlite", "sqlite3":
		return OpenSQLite(sqlitePath(u), opts)
	}
	return nil, errors.Newf("unsupported store scheme: %q", u.Scheme)
}

func members(ids []gem.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Key()
	}
	return out
}

func parseMembers(keys []string) ([]gem.Identity, error) {
	ids := make([]gem.Identity, 0, len(keys))
	for _, k := range keys {
		id, err := gem.ParseKey(k)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	gem.Sort(ids)
	return ids, nil
}

func unavailable(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrUnavailable)
}
