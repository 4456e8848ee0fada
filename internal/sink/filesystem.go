package sink

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const manifestMode = 0644

// Filesystem writes manifests below a root directory.
type Filesystem struct {
	root string
}

// NewFilesystem constructs a Filesystem sink rooted at root, which must
// be an existing directory.
func NewFilesystem(root string) (*Filesystem, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "NewFilesystem")
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "NewFilesystem")
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + root)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) String() string {
	return "file://" + f.root
}

// resolve maps dest to a path. Absolute paths are used as is, relative
// paths are joined to the root and may not leave it.
func (f *Filesystem) resolve(dest string) (string, error) {
	if dest == "" {
		return "", errors.New("empty destination")
	}
	if filepath.IsAbs(dest) {
		return filepath.Clean(dest), nil
	}
	p := filepath.Join(f.root, dest)
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("unsafe path (outside the export root): " + dest)
	}
	return p, nil
}

// Write replaces dest atomically: the payload goes to a temporary file in
// the same directory, is synced, and is then renamed over dest.
// publicRead is ignored; files are always created with mode 0644.
func (f *Filesystem) Write(ctx context.Context, dest string, payload []byte, publicRead bool) error {
	p, err := f.resolve(dest)
	if err != nil {
		return errors.Wrap(err, "Filesystem.Write")
	}
	if err := ctx.Err(); err != nil {
		return writeFailed(err, "write %s", p)
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return writeFailed(err, "mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp")
	if err != nil {
		return writeFailed(err, "create temp in %s", dir)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove temporary file", "path", tmp.Name(), "error", err)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return writeFailed(err, "write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		return writeFailed(err, "sync %s", tmp.Name())
	}
	if err := tmp.Chmod(manifestMode); err != nil {
		return writeFailed(err, "chmod %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return writeFailed(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return writeFailed(err, "rename to %s", p)
	}
	committed = true

	if err := DirSync(dir); err != nil {
		return writeFailed(err, "DirSync %s", dir)
	}
	slog.Debug("manifest written", "sink", f.String(), "dest", p, "bytes", len(payload))
	return nil
}
