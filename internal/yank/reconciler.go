package yank

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/store"
)

const defaultCleanupTimeout = 10 * time.Second

// Locker serializes merges. Implementations must make Lock block until
// the lock is held or ctx is done.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// MergeResult summarizes one merge.
type MergeResult struct {
	// Changed is true when the snapshot added at least one identity to
	// the current set.
	Changed bool

	// Current and Yanked are the set sizes after the merge.
	Current int64
	Yanked  int64

	// NewlyYanked counts identities that entered the yanked set.
	NewlyYanked int64
}

// Reconciler merges snapshots into the store.
type Reconciler struct {
	store          store.Store
	locker         Locker
	cleanupTimeout time.Duration
	log            *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocker makes every merge hold l.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) {
		r.locker = l
	}
}

// WithLogger sets the logger used for merge reports.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.log = l
	}
}

// WithCleanupTimeout bounds the deletion of temporary sets after a merge.
func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.cleanupTimeout = d
	}
}

// NewReconciler constructs a Reconciler over s.
func NewReconciler(s store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:          s,
		cleanupTimeout: defaultCleanupTimeout,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge folds incoming into the current set, moves every identity that is
// in current but absent from incoming into the yanked set, and reports
// whether current grew.
//
// Merging an empty snapshot therefore marks everything as yanked.
// Merging the same snapshot twice changes nothing the second time.
func (r *Reconciler) Merge(ctx context.Context, incoming []gem.Identity) (bool, error) {
	res, err := r.MergeReport(ctx, incoming)
	return res.Changed, err
}

// MergeReport is Merge with set sizes for logging and metrics.
func (r *Reconciler) MergeReport(ctx context.Context, incoming []gem.Identity) (res MergeResult, err error) {
	start := time.Now()
	defer func() {
		recordMerge(res, time.Since(start), err)
	}()

	if r.locker != nil {
		if err := r.locker.Lock(ctx); err != nil {
			return MergeResult{}, errors.Wrap(err, "Merge: lock")
		}
		defer func() {
			if uerr := r.locker.Unlock(); uerr != nil {
				r.log.Warn("failed to release merge lock", "error", uerr)
			}
		}()
	}

	// leftovers from an interrupted merge would leak into the diff
	if err := r.deleteTemporaries(ctx); err != nil {
		return MergeResult{}, errors.Wrap(err, "Merge: clear temporaries")
	}
	defer r.cleanup(ctx)

	if _, err := r.store.AddMembers(ctx, store.IncomingCurrentSet, incoming); err != nil {
		return MergeResult{}, errors.Wrap(err, "Merge: stage snapshot")
	}

	changed, err := r.store.AddMembers(ctx, store.CurrentSet, incoming)
	if err != nil {
		return MergeResult{}, errors.Wrap(err, "Merge: add to current")
	}
	res.Changed = changed

	if err := r.store.DiffStore(ctx, store.IncomingYankedSet, store.CurrentSet, store.IncomingCurrentSet); err != nil {
		return res, errors.Wrap(err, "Merge: compute yanked")
	}

	before, err := r.store.Count(ctx, store.YankedSet)
	if err != nil {
		return res, errors.Wrap(err, "Merge: count yanked")
	}
	if err := r.store.UnionStore(ctx, store.YankedSet, store.YankedSet, store.IncomingYankedSet); err != nil {
		return res, errors.Wrap(err, "Merge: accumulate yanked")
	}

	if res.Yanked, err = r.store.Count(ctx, store.YankedSet); err != nil {
		return res, errors.Wrap(err, "Merge: count yanked")
	}
	if res.Current, err = r.store.Count(ctx, store.CurrentSet); err != nil {
		return res, errors.Wrap(err, "Merge: count current")
	}
	res.NewlyYanked = res.Yanked - before

	r.log.Info("merge complete",
		"incoming", len(incoming),
		"changed", res.Changed,
		"current", res.Current,
		"yanked", res.Yanked,
		"newly_yanked", res.NewlyYanked)
	return res, nil
}

// cleanup removes the temporary sets even when ctx is already cancelled.
func (r *Reconciler) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
	defer cancel()
	if err := r.deleteTemporaries(ctx); err != nil {
		r.log.Warn("failed to delete temporary sets", "error", err)
	}
}

func (r *Reconciler) deleteTemporaries(ctx context.Context) error {
	for _, set := range []string{store.IncomingYankedSet, store.IncomingCurrentSet} {
		if err := r.store.Delete(ctx, set); err != nil {
			return errors.Wrapf(err, "delete %s", set)
		}
	}
	return nil
}

// Current returns every identity ever seen, in canonical order.
func (r *Reconciler) Current(ctx context.Context) ([]gem.Identity, error) {
	return r.store.ReadAll(ctx, store.CurrentSet)
}

// Yanked returns every identity ever yanked, in canonical order.
func (r *Reconciler) Yanked(ctx context.Context) ([]gem.Identity, error) {
	return r.store.ReadAll(ctx, store.YankedSet)
}

// Exists reports whether id was ever seen.
func (r *Reconciler) Exists(ctx context.Context, id gem.Identity) (bool, error) {
	return r.store.Exists(ctx, id, store.CurrentSet)
}

// IsYanked reports whether id was ever yanked.
func (r *Reconciler) IsYanked(ctx context.Context, id gem.Identity) (bool, error) {
	return r.store.Exists(ctx, id, store.YankedSet)
}
