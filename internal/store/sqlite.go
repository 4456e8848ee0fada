package store

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/mirrorctl/yankbank/internal/gem"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS set_members (
	set_name TEXT NOT NULL,
	member   TEXT NOT NULL,
	PRIMARY KEY (set_name, member)
) WITHOUT ROWID`

// SQLiteStore keeps every set in one table of (set_name, member) rows.
type SQLiteStore struct {
	db          *sql.DB
	poolTimeout time.Duration
}

func sqlitePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}

	// pragmas in the DSN apply to every pooled connection
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite open")
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)

	ctx, cancel := context.WithTimeout(context.Background(), opts.PoolTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite schema")
	}

	return &SQLiteStore{db: db, poolTimeout: opts.PoolTimeout}, nil
}

// withTx checks a connection out of the pool, waiting at most poolTimeout,
// and runs fn in a transaction on it.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	checkout, cancel := context.WithTimeout(ctx, s.poolTimeout)
	conn, err := s.db.Conn(checkout)
	cancel()
	if err != nil {
		return unavailable(err, "sqlite %s: checkout", op)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.wrap(err, op)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, op)
	}
	return nil
}

func (s *SQLiteStore) wrap(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked") {
		return unavailable(err, "sqlite %s", op)
	}
	return errors.Wrapf(err, "sqlite %s", op)
}

func insertMembers(ctx context.Context, tx *sql.Tx, set string, keys []string) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO set_members (set_name, member) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var added int64
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, set, k)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += n
	}
	return added, nil
}

func queryKeys(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// replace overwrites dest with keys inside tx.
func replace(ctx context.Context, tx *sql.Tx, dest string, keys []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM set_members WHERE set_name = ?`, dest); err != nil {
		return err
	}
	_, err := insertMembers(ctx, tx, dest, keys)
	return err
}

func (s *SQLiteStore) AddMembers(ctx context.Context, set string, ids []gem.Identity) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	var added int64
	err := s.withTx(ctx, "add "+set, func(tx *sql.Tx) error {
		var err error
		added, err = insertMembers(ctx, tx, set, members(ids))
		return err
	})
	return added != 0, err
}

func (s *SQLiteStore) ReadAll(ctx context.Context, set string) ([]gem.Identity, error) {
	var keys []string
	err := s.withTx(ctx, "read "+set, func(tx *sql.Tx) error {
		var err error
		keys, err = queryKeys(ctx, tx, `SELECT member FROM set_members WHERE set_name = ?`, set)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids, err := parseMembers(keys)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite set %s", set)
	}
	return ids, nil
}

func (s *SQLiteStore) DiffStore(ctx context.Context, dest, a, b string) error {
	return s.withTx(ctx, "diffstore "+dest, func(tx *sql.Tx) error {
		keys, err := queryKeys(ctx, tx, `
SELECT member FROM set_members WHERE set_name = ?
EXCEPT
SELECT member FROM set_members WHERE set_name = ?`, a, b)
		if err != nil {
			return err
		}
		return replace(ctx, tx, dest, keys)
	})
}

func (s *SQLiteStore) UnionStore(ctx context.Context, dest, a, b string) error {
	return s.withTx(ctx, "unionstore "+dest, func(tx *sql.Tx) error {
		keys, err := queryKeys(ctx, tx, `
SELECT member FROM set_members WHERE set_name = ?
UNION
SELECT member FROM set_members WHERE set_name = ?`, a, b)
		if err != nil {
			return err
		}
		return replace(ctx, tx, dest, keys)
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, set string) error {
	return s.withTx(ctx, "delete "+set, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM set_members WHERE set_name = ?`, set)
		return err
	})
}

func (s *SQLiteStore) Exists(ctx context.Context, id gem.Identity, set string) (bool, error) {
	var found bool
	err := s.withTx(ctx, "exists "+set, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM set_members WHERE set_name = ? AND member = ?`, set, id.Key()).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *SQLiteStore) Count(ctx context.Context, set string) (int64, error) {
	var n int64
	err := s.withTx(ctx, "count "+set, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM set_members WHERE set_name = ?`, set).Scan(&n)
	})
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
