// Package prefetch orchestrates full crawl runs: walk, classify, persist,
// image warmup, with a single-run guard and an audit trail.
package prefetch

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/images"
	"github.com/sagastream/canon-crawler/internal/store"
	"github.com/sagastream/canon-crawler/internal/wiki"
)

// CrawlResult is everything one universe crawl produced.
type CrawlResult struct {
	Buckets wiki.CategorySet
	// Articles are store-ready records derived from Buckets.
	Articles []store.Article
	// Images lists thumbnail URLs to warm, best effort.
	Images []images.BatchItem
	// Errors counts non-fatal sub-failures (walk page errors, failed
	// category batches).
	Errors int
}

// Crawler produces a CrawlResult for one universe.
type Crawler interface {
	Crawl(ctx context.Context) (CrawlResult, error)
}

// UniverseCrawler is the production Crawler: category walk, bulk
// categorization and thumbnail resolution against one wiki.
type UniverseCrawler struct {
	client      *wiki.Client
	walker      *wiki.Walker
	categorizer *wiki.Categorizer
	universe    string
	root        string
	logger      *zap.Logger
}

// NewUniverseCrawler wires the crawl pipeline for one universe rooted at
// the given category.
func NewUniverseCrawler(client *wiki.Client, walker *wiki.Walker, categorizer *wiki.Categorizer, universe, root string, logger *zap.Logger) *UniverseCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UniverseCrawler{
		client:      client,
		walker:      walker,
		categorizer: categorizer,
		universe:    universe,
		root:        root,
		logger:      logger,
	}
}

// Crawl implements Crawler. A walk that yields nothing while reporting
// errors means the root category itself was unreachable, which is fatal;
// partial sub-failures are folded into the error count instead.
func (u *UniverseCrawler) Crawl(ctx context.Context) (CrawlResult, error) {
	walked, err := u.walker.Walk(ctx, u.root)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("walk %s: %w", u.root, err)
	}
	if len(walked.Articles) == 0 && walked.Errors > 0 {
		return CrawlResult{}, fmt.Errorf("root category %s unreachable", u.root)
	}

	categorized, err := u.categorizer.Categorize(ctx, walked.Articles)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("categorize: %w", err)
	}

	thumbs := u.resolveThumbnails(ctx, categorized.Buckets)

	res := CrawlResult{
		Buckets: categorized.Buckets,
		Errors:  walked.Errors + categorized.FailedBatches,
	}

	buckets := make([]string, 0, len(categorized.Buckets))
	for bucket := range categorized.Buckets {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)

	for _, bucket := range buckets {
		for _, ref := range categorized.Buckets[bucket] {
			a := store.Article{
				Title:     ref.Title,
				Universe:  u.universe,
				Bucket:    bucket,
				Content:   map[string]any{"page_id": ref.PageID},
				SourceURL: u.client.PageURL(ref.Title),
			}
			if url, ok := thumbs[ref.PageID]; ok {
				a.ImageURL = url
				res.Images = append(res.Images, images.BatchItem{Name: ref.Title, URL: url})
			}
			res.Articles = append(res.Articles, a)
		}
	}
	return res, nil
}

// resolveThumbnails looks up lead images for classified articles in
// batches. Failures degrade to "no thumbnail" for that batch.
func (u *UniverseCrawler) resolveThumbnails(ctx context.Context, buckets wiki.CategorySet) map[int64]string {
	var ids []int64
	for bucket, refs := range buckets {
		if bucket == wiki.BucketUncategorized {
			continue
		}
		for _, ref := range refs {
			ids = append(ids, ref.PageID)
		}
	}

	out := make(map[int64]string)
	const batch = 50
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		got, err := u.client.PageImages(ctx, ids[start:end])
		if err != nil {
			u.logger.Warn("thumbnail batch failed",
				zap.Int("batch_size", end-start), zap.Error(err))
			continue
		}
		for id, url := range got {
			out[id] = url
		}
	}
	return out
}

var _ Crawler = (*UniverseCrawler)(nil)
