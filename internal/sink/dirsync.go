package sink

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}
	return nil
}

// DirSync calls fsync(2) on the directory so a preceding rename survives
// a crash.
func DirSync(d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "DirSync")
	}

	f, err := os.Open(d) // #nosec G304 - path validated
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
