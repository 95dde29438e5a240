package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/cache"
	"github.com/sagastream/canon-crawler/internal/config"
	"github.com/sagastream/canon-crawler/internal/images"
	"github.com/sagastream/canon-crawler/internal/logging"
	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/prefetch"
	"github.com/sagastream/canon-crawler/internal/progress"
	"github.com/sagastream/canon-crawler/internal/progress/sinks"
	"github.com/sagastream/canon-crawler/internal/ratelimit"
	"github.com/sagastream/canon-crawler/internal/service"
	"github.com/sagastream/canon-crawler/internal/store"
	"github.com/sagastream/canon-crawler/internal/store/postgres"
	"github.com/sagastream/canon-crawler/internal/store/sqlite"
	"github.com/sagastream/canon-crawler/internal/wiki"
	"github.com/sagastream/canon-crawler/internal/wikihttp"
)

// App holds every wired service for the lifetime of one command.
type App struct {
	Cfg          config.Config
	Logger       *zap.Logger
	Store        store.Store // nil when store.provider is none
	Images       *images.Fetcher
	Tracker      *progress.Tracker
	Orchestrator *prefetch.Orchestrator
	Service      *service.Service
}

// NewApp loads configuration and builds the full service graph: limiter,
// wiki clients per universe, cache tiers, store backend, image fetcher,
// prefetch orchestrator and the read facade.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	snapshots, err := cache.NewSnapshot(cfg.Cache.Dir, time.Duration(cfg.Cache.SnapshotTTLDays)*24*time.Hour, logger)
	if err != nil {
		return nil, err
	}
	keyed, err := cache.NewKeyed(filepath.Join(cfg.Cache.Dir, "categories"), time.Duration(cfg.Cache.KeyedTTLHours)*time.Hour, logger)
	if err != nil {
		return nil, err
	}

	fetcher, err := images.New(images.Config{
		Dir:        cfg.Images.Dir,
		Workers:    cfg.Images.Workers,
		Timeout:    time.Duration(cfg.Images.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Images.MaxRetries,
		UserAgent:  cfg.Crawler.UserAgent,
	}, st, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		Calls:  cfg.RateLimit.Calls,
		Period: cfg.RateLimitPeriod(),
	})
	httpc := wikihttp.New(wikihttp.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	}, limiter, logger)

	classifier := wiki.NewClassifier()
	crawlers := make(map[string]prefetch.Crawler, len(cfg.Universes))
	universes := make([]string, 0, len(cfg.Universes))
	for key, u := range cfg.Universes {
		client := wiki.NewClient(httpc, key, u.BaseURL, logger)
		walker := wiki.NewWalker(client, wiki.WalkerConfig{
			MaxDepth:    cfg.Crawler.MaxDepth,
			MaxArticles: cfg.Crawler.MaxArticles,
			PageDelay:   time.Duration(cfg.Crawler.PageDelayMs) * time.Millisecond,
			SkipLegends: cfg.Crawler.SkipLegends,
		}, logger)
		categorizer := wiki.NewCategorizer(client, classifier, wiki.CategorizerConfig{
			BatchSize:        cfg.Crawler.BatchSize,
			BatchConcurrency: cfg.Crawler.BatchConcurrency,
		}, logger)
		crawlers[key] = prefetch.NewUniverseCrawler(client, walker, categorizer, key, u.RootCategory, logger)
		universes = append(universes, key)
	}

	tracker := progress.NewTracker(logger, sinks.NewLogSink(logger), sinks.NewPrometheusSink())
	orchestrator := prefetch.New(crawlers, snapshots, st, fetcher, tracker, cfg.Crawler.MaxDepth, logger)

	svc := service.New(service.Config{
		Memory:    cache.NewMemory(),
		Snapshots: snapshots,
		Keyed:     keyed,
		Store:     st,
		Images:    fetcher,
		Prefetch:  orchestrator,
		Universes: universes,
		Buckets:   append(classifier.Buckets(), wiki.BucketUncategorized),
		Depth:     cfg.Crawler.MaxDepth,
	}, logger)

	return &App{
		Cfg:          cfg,
		Logger:       logger,
		Store:        st,
		Images:       fetcher,
		Tracker:      tracker,
		Orchestrator: orchestrator,
		Service:      svc,
	}, nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	ttl := time.Duration(cfg.Store.TTLDays) * 24 * time.Hour
	switch cfg.Store.Provider {
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.Store.DSN, TTL: ttl}, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, TTL: ttl}, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default: // "none", validated upstream
		return nil, nil
	}
}

// Close releases the store and flushes logs.
func (a *App) Close() {
	if a.Tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Tracker.Close(ctx); err != nil {
			a.Logger.Warn("tracker close failed", zap.Error(err))
		}
		cancel()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("store close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
