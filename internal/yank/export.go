package yank

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/manifest"
	"github.com/mirrorctl/yankbank/internal/sink"
)

// ManifestKind selects which set a target receives.
type ManifestKind string

// Manifest kinds.
const (
	KindCurrent ManifestKind = "current"
	KindYanked  ManifestKind = "yanked"
)

// Target is one export destination.
type Target struct {
	Sink       sink.Sink
	Dest       string
	PublicRead bool
	Kind       ManifestKind
}

func (t Target) String() string {
	return t.Sink.String() + "/" + t.Dest
}

// Targets resolves the configured export destinations. Sinks are
// constructed once here; nothing later switches on the configuration.
func Targets(cfg *Config) ([]Target, error) {
	var targets []Target

	addFile := func(path string, kind ManifestKind) error {
		if path == "" {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return configError(errors.Wrapf(err, "export file %s", path))
		}
		fs, err := sink.NewFilesystem(filepath.Dir(abs))
		if err != nil {
			return configError(errors.Wrapf(err, "export file %s", path))
		}
		targets = append(targets, Target{Sink: fs, Dest: filepath.Base(abs), PublicRead: true, Kind: kind})
		return nil
	}
	if err := addFile(cfg.Export.File, KindCurrent); err != nil {
		return nil, err
	}
	if err := addFile(cfg.Export.YankedFile, KindYanked); err != nil {
		return nil, err
	}

	if s3 := cfg.Export.S3; s3 != nil {
		obj, err := sink.NewObjectStorage(sink.ObjectStorageConfig{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Insecure:  s3.Insecure,
		})
		if err != nil {
			return nil, configError(errors.Wrap(err, "export.s3"))
		}
		if s3.Path != "" {
			targets = append(targets, Target{Sink: obj, Dest: s3.Path, PublicRead: s3.IsPublicRead(), Kind: KindCurrent})
		}
		if s3.YankedPath != "" {
			targets = append(targets, Target{Sink: obj, Dest: s3.YankedPath, PublicRead: s3.IsPublicRead(), Kind: KindYanked})
		}
	}
	return targets, nil
}

// Exporter encodes the store's sets and writes them to targets.
type Exporter struct {
	opts    manifest.Options
	targets []Target
	log     *slog.Logger
}

// NewExporter constructs an Exporter. A nil logger uses slog.Default.
func NewExporter(opts manifest.Options, targets []Target, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{opts: opts, targets: targets, log: logger}
}

// Export reads each needed set once, encodes it once, and writes the
// targets of the given kinds concurrently; no kinds means every target.
// The first write failure cancels the remaining writes.
//
// In lenient mode skipped records do not stop the export: every write
// completes and the batch of skipped records is returned afterwards,
// marked manifest.ErrEncoding.
func (e *Exporter) Export(ctx context.Context, r *Reconciler, kinds ...ManifestKind) error {
	targets := e.selectTargets(kinds)
	if len(targets) == 0 {
		return nil
	}

	var skipped error
	payloads := make(map[ManifestKind][]byte)
	for _, t := range targets {
		if _, ok := payloads[t.Kind]; ok {
			continue
		}
		data, err := e.encode(ctx, r, t.Kind)
		if data == nil {
			return err
		}
		skipped = errors.CombineErrors(skipped, err)
		payloads[t.Kind] = data
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		data := payloads[t.Kind]
		group.Go(func() error {
			e.log.Info("writing manifest", "sink", t.Sink.String(), "dest", t.Dest, "manifest", t.Kind, "bytes", len(data))
			err := t.Sink.Write(ctx, t.Dest, data, t.PublicRead)
			recordExport(t.Sink.String(), string(t.Kind), len(data), err)
			if err != nil {
				return errors.Wrapf(err, "export %s manifest to %s", t.Kind, t)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return errors.CombineErrors(err, skipped)
	}
	return skipped
}

func (e *Exporter) selectTargets(kinds []ManifestKind) []Target {
	if len(kinds) == 0 {
		return e.targets
	}
	var out []Target
	for _, t := range e.targets {
		for _, k := range kinds {
			if t.Kind == k {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func (e *Exporter) encode(ctx context.Context, r *Reconciler, kind ManifestKind) ([]byte, error) {
	var (
		ids []gem.Identity
		err error
	)
	switch kind {
	case KindYanked:
		ids, err = r.Yanked(ctx)
	default:
		ids, err = r.Current(ctx)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s set", kind)
	}

	data, err := manifest.Encode(ids, e.opts)
	if err != nil {
		var encErr *manifest.EncodingError
		if data == nil || !errors.As(err, &encErr) {
			return nil, errors.Wrapf(err, "encode %s manifest", kind)
		}
		for _, rec := range encErr.Records {
			e.log.Warn("skipping identity with malformed version", "manifest", kind, "gem", rec.Identity.String(), "error", rec.Err)
		}
		return data, errors.Wrapf(err, "encode %s manifest: %d identities skipped", kind, len(encErr.Records))
	}
	return data, nil
}
