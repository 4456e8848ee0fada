// Package sink writes encoded manifests to their export destinations.
package sink

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrWrite marks failed writes or uploads. A failed write leaves the
// destination unchanged, so callers may retry.
var ErrWrite = errors.New("export write failed")

// Sink is an export destination.
type Sink interface {
	// Write stores payload at dest, replacing any previous content.
	// Readers observe either the old or the new content, never a mix.
	// publicRead requests world-readable access where the sink has ACLs.
	Write(ctx context.Context, dest string, payload []byte, publicRead bool) error

	// String names the sink in logs and metrics.
	String() string
}

func writeFailed(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrWrite)
}
