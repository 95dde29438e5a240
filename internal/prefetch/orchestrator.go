package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/cache"
	"github.com/sagastream/canon-crawler/internal/images"
	"github.com/sagastream/canon-crawler/internal/progress"
	"github.com/sagastream/canon-crawler/internal/store"
)

// ErrRunActive is returned when a start request arrives while a run is in
// flight. Concurrent starts are rejected, never queued.
var ErrRunActive = errors.New("prefetch: a run is already active")

// ErrUnknownUniverse is returned for universes with no configured crawler.
var ErrUnknownUniverse = errors.New("prefetch: unknown universe")

// ImageFetcher is the image warmup dependency.
type ImageFetcher interface {
	FetchBatch(ctx context.Context, items []images.BatchItem) images.BatchStats
}

// Orchestrator drives a prefetch run through its stages and keeps the
// audit log. At most one run is active at a time.
type Orchestrator struct {
	crawlers  map[string]Crawler
	snapshots *cache.Snapshot
	store     store.Store // nil when no structured store is configured
	images    ImageFetcher
	tracker   *progress.Tracker
	depth     int
	logger    *zap.Logger

	running atomic.Bool
}

// New constructs an Orchestrator. store and images may be nil; the
// corresponding stages degrade to no-ops.
func New(crawlers map[string]Crawler, snapshots *cache.Snapshot, st store.Store, img ImageFetcher, tracker *progress.Tracker, depth int, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth <= 0 {
		depth = 2
	}
	return &Orchestrator{
		crawlers:  crawlers,
		snapshots: snapshots,
		store:     st,
		images:    img,
		tracker:   tracker,
		depth:     depth,
		logger:    logger,
	}
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Progress returns the current run snapshot for the serving path.
func (o *Orchestrator) Progress() progress.Snapshot { return o.tracker.Snapshot() }

// Start launches a run in the background and returns its id. The guard is
// taken synchronously so a concurrent Start fails fast with ErrRunActive.
func (o *Orchestrator) Start(universe string) (uuid.UUID, error) {
	if _, ok := o.crawlers[universe]; !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	if !o.running.CompareAndSwap(false, true) {
		return uuid.Nil, ErrRunActive
	}
	runID := uuid.New()
	go func() {
		defer o.running.Store(false)
		if err := o.run(context.Background(), runID, universe); err != nil {
			o.logger.Error("prefetch run failed",
				zap.String("run_id", runID.String()),
				zap.String("universe", universe),
				zap.Error(err))
		}
	}()
	return runID, nil
}

// Run executes a run synchronously, for CLI use.
func (o *Orchestrator) Run(ctx context.Context, universe string) error {
	if _, ok := o.crawlers[universe]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunActive
	}
	defer o.running.Store(false)
	return o.run(ctx, uuid.New(), universe)
}

func (o *Orchestrator) run(ctx context.Context, runID uuid.UUID, universe string) error {
	start := time.Now()
	crawler := o.crawlers[universe]

	var opID int64
	if o.store != nil {
		id, err := o.store.CreateOperationLog(ctx, store.OperationLog{
			Universe:      universe,
			OperationType: "prefetch",
		})
		if err != nil {
			// The run proceeds without an audit row rather than aborting.
			o.logger.Warn("operation log create failed", zap.Error(err))
		} else {
			opID = id
		}
	}

	o.tracker.Emit(progress.Event{RunID: runID, Universe: universe, Stage: progress.StageFetching})

	crawled, err := crawler.Crawl(ctx)
	if err != nil {
		// Existing cache tiers are left untouched on a failed run.
		return o.fail(ctx, runID, universe, opID, start, err)
	}
	total := crawled.Buckets.Total()

	o.tracker.Emit(progress.Event{
		RunID: runID, Universe: universe, Stage: progress.StageWriting,
		ArticlesFound: total,
	})

	if err := o.snapshots.Save(universe, o.depth, crawled.Buckets.Titles()); err != nil {
		return o.fail(ctx, runID, universe, opID, start, err)
	}

	var upsert store.UpsertResult
	if o.store != nil {
		upsert, err = o.store.UpsertArticles(ctx, crawled.Articles)
		if err != nil {
			return o.fail(ctx, runID, universe, opID, start, err)
		}
		if err := o.store.RefreshCategoryCounts(ctx, universe); err != nil {
			o.logger.Warn("category count refresh failed", zap.Error(err))
		}
	}

	o.tracker.Emit(progress.Event{
		RunID: runID, Universe: universe, Stage: progress.StageImages,
		ArticlesWritten: len(crawled.Articles),
	})

	var imgStats images.BatchStats
	if o.images != nil && len(crawled.Images) > 0 {
		imgStats = o.images.FetchBatch(ctx, crawled.Images)
	}

	done := progress.Event{
		RunID: runID, Universe: universe, Stage: progress.StageComplete,
		ArticlesFound:    total,
		ArticlesWritten:  len(crawled.Articles),
		ImagesDownloaded: imgStats.Downloaded,
		ImagesCached:     imgStats.Cached,
		ImagesFailed:     imgStats.Failed,
	}
	if imgStats.Failed > 0 {
		// Images are best effort: recorded, never fatal.
		done.Error = fmt.Sprintf("%d of %d images failed", imgStats.Failed, imgStats.Total)
	}
	o.tracker.Emit(done)

	if o.store != nil && opID != 0 {
		err := o.store.CompleteOperationLog(ctx, opID, store.OperationLog{
			Status:            store.StatusCompleted,
			ArticlesProcessed: total,
			ArticlesCreated:   upsert.Created,
			ArticlesUpdated:   upsert.Updated,
			ImagesDownloaded:  imgStats.Downloaded,
			ImagesCached:      imgStats.Cached,
			ImagesFailed:      imgStats.Failed,
			ErrorsCount:       crawled.Errors + imgStats.Failed,
			DurationSeconds:   int(time.Since(start).Seconds()),
		})
		if err != nil {
			o.logger.Warn("operation log complete failed", zap.Error(err))
		}
	}

	o.logger.Info("prefetch run complete",
		zap.String("run_id", runID.String()),
		zap.String("universe", universe),
		zap.Int("articles", total),
		zap.Duration("took", time.Since(start)))
	return nil
}

// fail records the single terminal failure update and returns the cause.
func (o *Orchestrator) fail(ctx context.Context, runID uuid.UUID, universe string, opID int64, start time.Time, cause error) error {
	o.tracker.Emit(progress.Event{
		RunID: runID, Universe: universe, Stage: progress.StageFailed,
		Error: cause.Error(),
	})
	if o.store != nil && opID != 0 {
		err := o.store.CompleteOperationLog(ctx, opID, store.OperationLog{
			Status:          store.StatusFailed,
			ErrorMessage:    cause.Error(),
			ErrorsCount:     1,
			DurationSeconds: int(time.Since(start).Seconds()),
		})
		if err != nil {
			o.logger.Warn("operation log complete failed", zap.Error(err))
		}
	}
	return cause
}
