package yank

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/manifest"
	"github.com/mirrorctl/yankbank/internal/store"
)

// ErrEmptySnapshot is returned when the upstream snapshot is empty and
// allow_empty_snapshot is off. Merging it would mark every identity as
// yanked.
var ErrEmptySnapshot = errors.New("upstream snapshot is empty")

// Source produces snapshots. *Fetcher is the production Source.
type Source interface {
	Fetch(ctx context.Context) ([]gem.Identity, error)
}

// SyncOptions are per-run switches.
type SyncOptions struct {
	// DryRun fetches and compares without writing to the store or sinks.
	DryRun bool

	// Force exports even when the merge changed nothing.
	Force bool
}

// SyncReport describes one run.
type SyncReport struct {
	RunID    string
	Snapshot int
	Merge    MergeResult
	Exported bool
}

// Pipeline wires a source, the reconciler and the exporter together.
type Pipeline struct {
	source     Source
	store      store.Store
	reconciler *Reconciler
	exporter   *Exporter
	allowEmpty bool
	runID      string
	log        *slog.Logger
}

// NewPipeline builds every collaborator from cfg. The caller must Close
// the pipeline.
func NewPipeline(cfg *Config, quiet bool) (*Pipeline, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	fetcher, err := NewFetcher(FetchOptions{
		From:       cfg.From,
		TLS:        cfg.TLS,
		PGPKeyPath: cfg.PGPKeyPath,
		Quiet:      quiet,
	})
	if err != nil {
		return nil, err
	}

	targets, err := Targets(cfg)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	return newPipeline(cfg, fetcher, st, targets, NewFileLocker(cfg.LockPath())), nil
}

func newPipeline(cfg *Config, source Source, st store.Store, targets []Target, locker Locker) *Pipeline {
	runID := uuid.NewString()
	logger := slog.Default().With("run_id", runID)

	compression, _ := manifest.ParseCompression(cfg.Export.Compression)
	opts := manifest.Options{
		Compression: compression,
		Lenient:     !cfg.Export.Strict,
	}

	rOpts := []Option{WithLogger(logger)}
	if locker != nil {
		rOpts = append(rOpts, WithLocker(locker))
	}

	return &Pipeline{
		source:     source,
		store:      st,
		reconciler: NewReconciler(st, rOpts...),
		exporter:   NewExporter(opts, targets, logger),
		allowEmpty: cfg.AllowEmptySnapshot,
		runID:      runID,
		log:        logger,
	}
}

// OpenStore opens the snapshot store named by cfg.
func OpenStore(cfg *Config) (store.Store, error) {
	opts := store.Options{
		PoolSize:    cfg.PoolSize,
		PoolTimeout: cfg.PoolTimeout.Duration,
	}
	if cfg.TLS != nil {
		tlsConfig, err := cfg.TLS.BuildTLSConfig()
		if err != nil {
			return nil, configError(errors.Wrap(err, "tls"))
		}
		opts.TLS = tlsConfig
	}
	st, err := store.Open(cfg.Store, opts)
	if err != nil {
		return nil, configError(err)
	}
	return st, nil
}

// Reconciler returns the pipeline's reconciler.
func (p *Pipeline) Reconciler() *Reconciler {
	return p.reconciler
}

// Sync fetches a snapshot, merges it and exports when something changed.
func (p *Pipeline) Sync(ctx context.Context, opts SyncOptions) (SyncReport, error) {
	report := SyncReport{RunID: p.runID}

	snapshot, err := p.source.Fetch(ctx)
	if err != nil {
		return report, errors.Wrap(err, "fetch")
	}
	report.Snapshot = len(snapshot)

	if len(snapshot) == 0 && !p.allowEmpty {
		p.log.Error("refusing to merge an empty snapshot; set allow_empty_snapshot to override")
		return report, ErrEmptySnapshot
	}

	if opts.DryRun {
		return report, p.dryRun(ctx, snapshot)
	}

	p.log.Info("merging snapshot", "identities", len(snapshot))
	report.Merge, err = p.reconciler.MergeReport(ctx, snapshot)
	if err != nil {
		return report, err
	}

	var kinds []ManifestKind
	switch {
	case report.Merge.Changed || opts.Force:
		kinds = []ManifestKind{KindCurrent, KindYanked}
	case report.Merge.NewlyYanked > 0:
		p.log.Info("no gems added; writing the yanked manifest only", "newly_yanked", report.Merge.NewlyYanked)
		kinds = []ManifestKind{KindYanked}
	default:
		p.log.Info("no gems changed; not writing manifests")
		return report, nil
	}

	err = p.exporter.Export(ctx, p.reconciler, kinds...)
	// skipped records still leave complete manifests behind
	report.Exported = err == nil || errors.Is(err, manifest.ErrEncoding)
	return report, err
}

// Export writes the manifests from the store without merging.
func (p *Pipeline) Export(ctx context.Context) error {
	return p.exporter.Export(ctx, p.reconciler)
}

// dryRun compares snapshot with the current set in memory.
func (p *Pipeline) dryRun(ctx context.Context, snapshot []gem.Identity) error {
	current, err := p.reconciler.Current(ctx)
	if err != nil {
		return err
	}

	incoming := make(map[gem.Identity]struct{}, len(snapshot))
	for _, id := range snapshot {
		incoming[id] = struct{}{}
	}
	known := make(map[gem.Identity]struct{}, len(current))
	absent := 0
	for _, id := range current {
		known[id] = struct{}{}
		if _, ok := incoming[id]; !ok {
			absent++
		}
	}
	added := 0
	for id := range incoming {
		if _, ok := known[id]; !ok {
			added++
		}
	}

	p.log.Info("dry run: nothing written",
		"snapshot", len(snapshot),
		"current", len(current),
		"would_add", added,
		"absent_from_snapshot", absent)
	return nil
}

// Close releases the store connection pool.
func (p *Pipeline) Close() error {
	return p.store.Close()
}

// Run executes one sync with a fresh pipeline.
func Run(ctx context.Context, cfg *Config, quiet bool, opts SyncOptions) (SyncReport, error) {
	p, err := NewPipeline(cfg, quiet)
	if err != nil {
		return SyncReport{}, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}()
	return p.Sync(ctx, opts)
}
