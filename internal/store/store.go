// Package store defines the structured persistence tier for classified
// articles, image registry entries and operation audit logs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row. Callers treat it as
// a valid empty result, never as a failure.
var ErrNotFound = errors.New("store: not found")

// Operation log statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Article is one persisted classified article, unique per (title, universe).
type Article struct {
	ID           int64
	Title        string
	Universe     string
	Bucket       string
	Content      map[string]any
	ImageURL     string
	ImageCached  bool
	ImagePath    string
	SourceURL    string
	ScrapedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
	AccessCount  int
}

// ImageEntry records a downloaded image, unique per URL hash. The binary
// itself lives on the filesystem; this is metadata only.
type ImageEntry struct {
	ID           int64
	URL          string
	URLHash      string
	LocalPath    string
	SizeBytes    int64
	Format       string
	Valid        bool
	ErrorMessage string
	CachedAt     time.Time
	LastAccessed time.Time
}

// OperationLog is one audit row for a crawl or prefetch operation.
type OperationLog struct {
	ID                int64
	Universe          string
	OperationType     string
	ArticlesProcessed int
	ArticlesCreated   int
	ArticlesUpdated   int
	ImagesDownloaded  int
	ImagesCached      int
	ImagesFailed      int
	ErrorsCount       int
	DurationSeconds   int
	Status            string
	ErrorMessage      string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// CategoryCount is one row of the materialized per-bucket statistics.
type CategoryCount struct {
	Universe    string
	Bucket      string
	Articles    int
	WithImages  int
	LastUpdated time.Time
}

// UpsertResult reports what a bulk article write did.
type UpsertResult struct {
	Created           int
	Updated           int
	DuplicatesDropped int
}

// Store is the L3 persistence contract. Implementations must make
// UpsertArticles safe under concurrent writers via a native atomic upsert
// keyed on (title, universe).
type Store interface {
	// UpsertArticles deduplicates the input by (title, universe), keeping
	// the first occurrence, then inserts or updates each remaining record.
	UpsertArticles(ctx context.Context, articles []Article) (UpsertResult, error)

	// ArticleByTitle returns one unexpired article or ErrNotFound. A hit
	// bumps access_count and last_accessed.
	ArticleByTitle(ctx context.Context, universe, title string) (Article, error)

	// ArticlesByBucket lists unexpired articles in a bucket with paging and
	// an optional case-insensitive title substring filter.
	ArticlesByBucket(ctx context.Context, universe, bucket string, limit, offset int, search string) ([]Article, error)

	// Search finds unexpired articles whose title contains query, across
	// all buckets or within one.
	Search(ctx context.Context, universe, query, bucket string, limit int) ([]Article, error)

	// BucketTitles returns every unexpired title grouped by bucket, the
	// read path behind the categorized-data lookup.
	BucketTitles(ctx context.Context, universe string) (map[string][]string, error)

	// CategoryCounts reads the materialized per-bucket statistics.
	CategoryCounts(ctx context.Context, universe string) ([]CategoryCount, error)

	// RefreshCategoryCounts recomputes the statistics from the article
	// table, called after bulk writes.
	RefreshCategoryCounts(ctx context.Context, universe string) error

	// CleanupExpired deletes article and image rows whose expiry has
	// passed and reports how many were removed.
	CleanupExpired(ctx context.Context) (int64, error)

	// UpsertImage inserts or updates an image registry entry by URL hash.
	UpsertImage(ctx context.Context, entry ImageEntry) error

	// ImageByHash returns an image entry or ErrNotFound.
	ImageByHash(ctx context.Context, urlHash string) (ImageEntry, error)

	// CreateOperationLog inserts a running audit row and returns its id.
	CreateOperationLog(ctx context.Context, log OperationLog) (int64, error)

	// CompleteOperationLog writes the single terminal update for a run.
	CompleteOperationLog(ctx context.Context, id int64, log OperationLog) error

	// RecentOperationLogs lists audit rows, newest first.
	RecentOperationLogs(ctx context.Context, universe string, limit int) ([]OperationLog, error)

	Close() error
}

// DedupeArticles drops later duplicates by (title, universe), preserving
// input order, and reports how many were dropped.
func DedupeArticles(articles []Article) ([]Article, int) {
	type key struct{ title, universe string }
	seen := make(map[key]struct{}, len(articles))
	out := articles[:0:0]
	dropped := 0
	for _, a := range articles {
		k := key{a.Title, a.Universe}
		if _, dup := seen[k]; dup {
			dropped++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out, dropped
}
