package index

import (
	"context"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Source feeds the documents of a collection to a build, calling fn once per
// document. The caller must hold whatever lock keeps a document from changing
// between the moment it is read and the moment fn returns, so an entry the
// builder inserts can never be older than a concurrent write to that document.
// pace throttles the build and may block; call it before taking that lock.
type Source func(ctx context.Context, pace func(ctx context.Context) error, fn func(doc *core.Document) error) error

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// Workers is the number of builds that may run at once. Default 1.
	Workers int
	// RatePerSec caps the documents indexed per second across all builds.
	// Zero means unthrottled.
	RatePerSec  float64
	Logger      *slog.Logger
	HookManager hooks.HookManager
	// Builds counts finished builds when set.
	Builds *expvar.Int
}

// Builder runs retroactive index builds in the background. Foreground writes
// keep going during a build; they update Building indexes through
// Manager.OnPut under the same per-index lock the builder takes.
type Builder struct {
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	logger      *slog.Logger
	hookManager hooks.HookManager
	builds      *expvar.Int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Builds == nil {
		opts.Builds = new(expvar.Int)
	}
	b := &Builder{
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		logger:      opts.Logger.With("component", "IndexBuilder"),
		hookManager: opts.HookManager,
		builds:      opts.Builds,
	}
	if opts.RatePerSec > 0 {
		burst := max(int(opts.RatePerSec), 1)
		b.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Start builds idx from src in the background. onDone, if set, runs after the
// index has left the Building state.
func (b *Builder) Start(idx *Index, src Source, onDone func(idx *Index, err error)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.run(idx, src)
		if onDone != nil {
			onDone(idx, err)
		}
	}()
}

func (b *Builder) run(idx *Index, src Source) error {
	logger := b.logger.With("collection", idx.Collection(), "index", idx.Name())
	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		// shutting down; the index stays Building and is rebuilt on the next start
		return err
	}
	defer b.sem.Release(1)

	start := time.Now()
	var docs int
	err := src(b.ctx, b.pace, func(doc *core.Document) error {
		if idx.Status() != core.IndexBuilding {
			return errBuildAborted
		}
		docs++
		return idx.Insert(idx.KeyOf(doc), doc.ID)
	})
	took := time.Since(start)

	if errors.Is(err, errBuildAborted) {
		logger.Info("Index build abandoned", "documents", docs)
		return idx.Err()
	}
	if b.ctx.Err() != nil {
		logger.Info("Index build interrupted by shutdown", "documents", docs)
		return b.ctx.Err()
	}
	idx.finishBuild(err, docs, took)
	b.builds.Add(1)

	status := idx.Status()
	if err != nil {
		logger.Warn("Index build failed", "documents", docs, "duration", took, "error", err)
	} else {
		logger.Info("Index build complete", "documents", docs, "duration", took)
	}
	if b.hookManager != nil {
		b.hookManager.Trigger(context.Background(), hooks.NewPostIndexBuildEvent(hooks.PostIndexBuildPayload{
			Collection: idx.Collection(),
			Index:      idx.Name(),
			Status:     status,
			Documents:  docs,
			Err:        idx.Err(),
			Duration:   took,
		}))
	}
	return idx.Err()
}

var errBuildAborted = errors.New("index build aborted")

func (b *Builder) pace(ctx context.Context) error {
	if b.limiter == nil {
		return ctx.Err()
	}
	return b.limiter.Wait(ctx)
}

// Close cancels running builds and waits for them to return.
func (b *Builder) Close() {
	b.cancel()
	b.wg.Wait()
}
