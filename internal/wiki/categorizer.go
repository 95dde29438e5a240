package wiki

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sagastream/canon-crawler/internal/metrics"
)

// CategorizerConfig bounds the batch fetch stage.
type CategorizerConfig struct {
	BatchSize        int
	BatchConcurrency int
}

// Categorizer turns a raw article list into a CategorySet by fetching the
// articles' category tags in parallel batches and classifying each one.
type Categorizer struct {
	client     *Client
	classifier *Classifier
	cfg        CategorizerConfig
	logger     *zap.Logger
}

// NewCategorizer constructs a Categorizer.
func NewCategorizer(client *Client, classifier *Classifier, cfg CategorizerConfig, logger *zap.Logger) *Categorizer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > pageIDBatchLimit {
		cfg.BatchSize = pageIDBatchLimit
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Categorizer{client: client, classifier: classifier, cfg: cfg, logger: logger}
}

// CategorizeResult carries the grouped articles plus failure accounting.
type CategorizeResult struct {
	Buckets CategorySet
	// FailedBatches counts batch fetches that errored; their articles were
	// classified with no tags and land in uncategorized.
	FailedBatches int
}

// Categorize fetches category tags for every article and groups them into
// buckets. A failed batch degrades its articles to empty tag lists rather
// than failing the run; only context cancellation aborts.
func (c *Categorizer) Categorize(ctx context.Context, articles []ArticleRef) (CategorizeResult, error) {
	tags := make(map[int64][]string, len(articles))
	var (
		mu     sync.Mutex
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)

	for start := 0; start < len(articles); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(articles) {
			end = len(articles)
		}
		batch := articles[start:end]

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ids := make([]int64, len(batch))
			for i, a := range batch {
				ids[i] = a.PageID
			}
			got, err := c.client.ArticleCategories(gctx, ids)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Degrade, never abort: every article in the failed batch
				// gets an empty tag list.
				failed++
				metrics.ObserveCategoryBatch("error")
				c.logger.Warn("category batch fetch failed",
					zap.Int("batch_size", len(batch)), zap.Error(err))
				for _, id := range ids {
					tags[id] = []string{}
				}
				return nil
			}
			metrics.ObserveCategoryBatch("ok")
			for id, t := range got {
				tags[id] = t
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return CategorizeResult{}, err
	}

	buckets := make(CategorySet)
	for _, a := range articles {
		bucket := c.classifier.Classify(tags[a.PageID])
		metrics.ObserveClassified(bucket)
		buckets[bucket] = append(buckets[bucket], a)
	}

	c.logger.Info("categorization complete",
		zap.Int("articles", len(articles)),
		zap.Int("buckets", len(buckets)),
		zap.Int("failed_batches", failed))
	return CategorizeResult{Buckets: buckets, FailedBatches: failed}, nil
}
