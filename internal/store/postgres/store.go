// Package postgres provides the pgx-backed implementation of the article
// store for shared deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS wiki_articles (
	id            BIGSERIAL PRIMARY KEY,
	title         TEXT NOT NULL,
	universe      TEXT NOT NULL,
	bucket        TEXT NOT NULL,
	content       JSONB NOT NULL DEFAULT '{}',
	image_url     TEXT NOT NULL DEFAULT '',
	image_cached  BOOLEAN NOT NULL DEFAULT FALSE,
	image_path    TEXT NOT NULL DEFAULT '',
	source_url    TEXT NOT NULL DEFAULT '',
	scraped_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (title, universe)
);
CREATE INDEX IF NOT EXISTS idx_articles_universe_bucket ON wiki_articles (universe, bucket);
CREATE INDEX IF NOT EXISTS idx_articles_expires_at ON wiki_articles (expires_at);

CREATE TABLE IF NOT EXISTS image_cache (
	id            BIGSERIAL PRIMARY KEY,
	url           TEXT NOT NULL,
	url_hash      VARCHAR(32) NOT NULL UNIQUE,
	local_path    TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	format        VARCHAR(10) NOT NULL DEFAULT '',
	is_valid      BOOLEAN NOT NULL DEFAULT TRUE,
	error_message TEXT NOT NULL DEFAULT '',
	cached_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scraping_logs (
	id                 BIGSERIAL PRIMARY KEY,
	universe           TEXT NOT NULL,
	operation_type     TEXT NOT NULL,
	articles_processed INTEGER NOT NULL DEFAULT 0,
	articles_created   INTEGER NOT NULL DEFAULT 0,
	articles_updated   INTEGER NOT NULL DEFAULT 0,
	images_downloaded  INTEGER NOT NULL DEFAULT 0,
	images_cached      INTEGER NOT NULL DEFAULT 0,
	images_failed      INTEGER NOT NULL DEFAULT 0,
	errors_count       INTEGER NOT NULL DEFAULT 0,
	duration_seconds   INTEGER NOT NULL DEFAULT 0,
	status             VARCHAR(20) NOT NULL,
	error_message      TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_logs_universe ON scraping_logs (universe, started_at);

CREATE TABLE IF NOT EXISTS category_cache (
	universe             TEXT NOT NULL,
	bucket               TEXT NOT NULL,
	article_count        INTEGER NOT NULL DEFAULT 0,
	articles_with_images INTEGER NOT NULL DEFAULT 0,
	last_updated         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (universe, bucket)
);
`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TTL             time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is the pgx-backed implementation of store.Store.
type Store struct {
	pool   pool
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.TTL, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool, primarily for
// testing. The schema is not applied.
func NewWithPool(p pool, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, ttl: ttl, logger: logger}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertArticles implements store.Store. Each record goes through the
// native ON CONFLICT upsert, so concurrent writers converge without
// application-level locking.
func (s *Store) UpsertArticles(ctx context.Context, articles []store.Article) (store.UpsertResult, error) {
	deduped, dropped := store.DedupeArticles(articles)
	res := store.UpsertResult{DuplicatesDropped: dropped}

	now := time.Now()
	for _, a := range deduped {
		content, err := json.Marshal(contentOrEmpty(a.Content))
		if err != nil {
			return res, fmt.Errorf("encode content for %q: %w", a.Title, err)
		}
		scraped := a.ScrapedAt
		if scraped.IsZero() {
			scraped = now
		}
		expires := a.ExpiresAt
		if expires.IsZero() {
			expires = now.Add(s.ttl)
		}

		// xmax = 0 only on freshly inserted rows.
		var inserted bool
		err = s.pool.QueryRow(ctx, `
INSERT INTO wiki_articles (
	title, universe, bucket, content, image_url, image_cached, image_path,
	source_url, scraped_at, expires_at, last_accessed
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (title, universe) DO UPDATE SET
	bucket = excluded.bucket,
	content = excluded.content,
	image_url = excluded.image_url,
	image_cached = excluded.image_cached,
	image_path = excluded.image_path,
	source_url = excluded.source_url,
	scraped_at = excluded.scraped_at,
	expires_at = excluded.expires_at,
	last_accessed = excluded.last_accessed
RETURNING (xmax = 0)`,
			a.Title, a.Universe, a.Bucket, content, a.ImageURL,
			a.ImageCached, a.ImagePath, a.SourceURL,
			scraped, expires, now).Scan(&inserted)
		if err != nil {
			return res, fmt.Errorf("upsert article %q: %w", a.Title, err)
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}

	metrics.ObserveUpserts(res.Created, res.Updated, res.DuplicatesDropped)
	s.logger.Info("bulk upsert complete",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("duplicates_dropped", res.DuplicatesDropped))
	return res, nil
}

func contentOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

const articleColumns = `id, title, universe, bucket, content, image_url,
	image_cached, image_path, source_url, scraped_at, expires_at,
	last_accessed, access_count`

func scanArticle(row pgx.Row) (store.Article, error) {
	var (
		a       store.Article
		content []byte
	)
	err := row.Scan(&a.ID, &a.Title, &a.Universe, &a.Bucket, &content,
		&a.ImageURL, &a.ImageCached, &a.ImagePath, &a.SourceURL,
		&a.ScrapedAt, &a.ExpiresAt, &a.LastAccessed, &a.AccessCount)
	if err != nil {
		return store.Article{}, err
	}
	if err := json.Unmarshal(content, &a.Content); err != nil {
		a.Content = map[string]any{}
	}
	return a, nil
}

// ArticleByTitle implements store.Store.
func (s *Store) ArticleByTitle(ctx context.Context, universe, title string) (store.Article, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+articleColumns+` FROM wiki_articles
WHERE universe = $1 AND title = $2 AND expires_at > now()`, universe, title)

	a, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Article{}, store.ErrNotFound
	}
	if err != nil {
		return store.Article{}, fmt.Errorf("query article %q: %w", title, err)
	}

	if _, err := s.pool.Exec(ctx, `
UPDATE wiki_articles SET access_count = access_count + 1, last_accessed = now()
WHERE id = $1`, a.ID); err != nil {
		return store.Article{}, fmt.Errorf("touch article %q: %w", title, err)
	}
	a.AccessCount++
	return a, nil
}

func (s *Store) queryArticles(ctx context.Context, query string, args ...any) ([]store.Article, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []store.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArticlesByBucket implements store.Store.
func (s *Store) ArticlesByBucket(ctx context.Context, universe, bucket string, limit, offset int, search string) ([]store.Article, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT ` + articleColumns + ` FROM wiki_articles
WHERE universe = $1 AND bucket = $2 AND expires_at > now()`
	args := []any{universe, bucket}
	if search != "" {
		query += fmt.Sprintf(` AND title ILIKE $%d`, len(args)+1)
		args = append(args, "%"+search+"%")
	}
	query += fmt.Sprintf(` ORDER BY title LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	return s.queryArticles(ctx, query, args...)
}

// Search implements store.Store.
func (s *Store) Search(ctx context.Context, universe, query, bucket string, limit int) ([]store.Article, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
SELECT ` + articleColumns + ` FROM wiki_articles
WHERE universe = $1 AND expires_at > now() AND title ILIKE $2`
	args := []any{universe, "%" + query + "%"}
	if bucket != "" {
		q += fmt.Sprintf(` AND bucket = $%d`, len(args)+1)
		args = append(args, bucket)
	}
	q += fmt.Sprintf(` ORDER BY title LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return s.queryArticles(ctx, q, args...)
}

// BucketTitles implements store.Store.
func (s *Store) BucketTitles(ctx context.Context, universe string) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT bucket, title FROM wiki_articles
WHERE universe = $1 AND expires_at > now()
ORDER BY bucket, title`, universe)
	if err != nil {
		return nil, fmt.Errorf("query bucket titles: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var bucket, title string
		if err := rows.Scan(&bucket, &title); err != nil {
			return nil, fmt.Errorf("scan bucket title: %w", err)
		}
		out[bucket] = append(out[bucket], title)
	}
	return out, rows.Err()
}

// CategoryCounts implements store.Store.
func (s *Store) CategoryCounts(ctx context.Context, universe string) ([]store.CategoryCount, error) {
	rows, err := s.pool.Query(ctx, `
SELECT universe, bucket, article_count, articles_with_images, last_updated
FROM category_cache WHERE universe = $1 ORDER BY bucket`, universe)
	if err != nil {
		return nil, fmt.Errorf("query category counts: %w", err)
	}
	defer rows.Close()

	var out []store.CategoryCount
	for rows.Next() {
		var c store.CategoryCount
		if err := rows.Scan(&c.Universe, &c.Bucket, &c.Articles, &c.WithImages, &c.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RefreshCategoryCounts implements store.Store.
func (s *Store) RefreshCategoryCounts(ctx context.Context, universe string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM category_cache WHERE universe = $1`, universe); err != nil {
		return fmt.Errorf("clear category counts: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO category_cache (universe, bucket, article_count, articles_with_images, last_updated)
SELECT universe, bucket, COUNT(*), COUNT(*) FILTER (WHERE image_cached), now()
FROM wiki_articles
WHERE universe = $1 AND expires_at > now()
GROUP BY universe, bucket`, universe); err != nil {
		return fmt.Errorf("recompute category counts: %w", err)
	}
	return nil
}

// CleanupExpired implements store.Store.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	var removed int64

	tag, err := s.pool.Exec(ctx, `DELETE FROM wiki_articles WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired articles: %w", err)
	}
	removed += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM image_cache WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return removed, fmt.Errorf("delete expired images: %w", err)
	}
	removed += tag.RowsAffected()

	if removed > 0 {
		s.logger.Info("expired rows removed", zap.Int64("rows", removed))
	}
	return removed, nil
}

// UpsertImage implements store.Store.
func (s *Store) UpsertImage(ctx context.Context, entry store.ImageEntry) error {
	if entry.URLHash == "" {
		return fmt.Errorf("image url_hash is required")
	}
	cached := entry.CachedAt
	if cached.IsZero() {
		cached = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO image_cache (
	url, url_hash, local_path, size_bytes, format, is_valid, error_message,
	cached_at, last_accessed
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
ON CONFLICT (url_hash) DO UPDATE SET
	url = excluded.url,
	local_path = excluded.local_path,
	size_bytes = excluded.size_bytes,
	format = excluded.format,
	is_valid = excluded.is_valid,
	error_message = excluded.error_message,
	last_accessed = excluded.last_accessed`,
		entry.URL, entry.URLHash, entry.LocalPath, entry.SizeBytes,
		entry.Format, entry.Valid, entry.ErrorMessage, cached)
	if err != nil {
		return fmt.Errorf("upsert image %s: %w", entry.URLHash, err)
	}
	return nil
}

// ImageByHash implements store.Store.
func (s *Store) ImageByHash(ctx context.Context, urlHash string) (store.ImageEntry, error) {
	var entry store.ImageEntry
	err := s.pool.QueryRow(ctx, `
SELECT id, url, url_hash, local_path, size_bytes, format, is_valid,
	error_message, cached_at, last_accessed
FROM image_cache WHERE url_hash = $1`, urlHash).Scan(
		&entry.ID, &entry.URL, &entry.URLHash, &entry.LocalPath,
		&entry.SizeBytes, &entry.Format, &entry.Valid, &entry.ErrorMessage,
		&entry.CachedAt, &entry.LastAccessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ImageEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.ImageEntry{}, fmt.Errorf("query image %s: %w", urlHash, err)
	}
	return entry, nil
}

// CreateOperationLog implements store.Store.
func (s *Store) CreateOperationLog(ctx context.Context, log store.OperationLog) (int64, error) {
	started := log.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	status := log.Status
	if status == "" {
		status = store.StatusRunning
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO scraping_logs (universe, operation_type, status, started_at)
VALUES ($1,$2,$3,$4) RETURNING id`,
		log.Universe, log.OperationType, status, started).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert operation log: %w", err)
	}
	return id, nil
}

// CompleteOperationLog implements store.Store.
func (s *Store) CompleteOperationLog(ctx context.Context, id int64, log store.OperationLog) error {
	completed := time.Now()
	if log.CompletedAt != nil {
		completed = *log.CompletedAt
	}
	_, err := s.pool.Exec(ctx, `
UPDATE scraping_logs SET
	articles_processed = $1,
	articles_created = $2,
	articles_updated = $3,
	images_downloaded = $4,
	images_cached = $5,
	images_failed = $6,
	errors_count = $7,
	duration_seconds = $8,
	status = $9,
	error_message = $10,
	completed_at = $11
WHERE id = $12`,
		log.ArticlesProcessed, log.ArticlesCreated, log.ArticlesUpdated,
		log.ImagesDownloaded, log.ImagesCached, log.ImagesFailed,
		log.ErrorsCount, log.DurationSeconds, log.Status, log.ErrorMessage,
		completed, id)
	if err != nil {
		return fmt.Errorf("complete operation log %d: %w", id, err)
	}
	return nil
}

// RecentOperationLogs implements store.Store.
func (s *Store) RecentOperationLogs(ctx context.Context, universe string, limit int) ([]store.OperationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT id, universe, operation_type, articles_processed, articles_created,
	articles_updated, images_downloaded, images_cached, images_failed,
	errors_count, duration_seconds, status, error_message, started_at,
	completed_at
FROM scraping_logs`
	var args []any
	if universe != "" {
		query += ` WHERE universe = $1`
		args = append(args, universe)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operation logs: %w", err)
	}
	defer rows.Close()

	var out []store.OperationLog
	for rows.Next() {
		var l store.OperationLog
		err := rows.Scan(&l.ID, &l.Universe, &l.OperationType,
			&l.ArticlesProcessed, &l.ArticlesCreated, &l.ArticlesUpdated,
			&l.ImagesDownloaded, &l.ImagesCached, &l.ImagesFailed,
			&l.ErrorsCount, &l.DurationSeconds, &l.Status, &l.ErrorMessage,
			&l.StartedAt, &l.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan operation log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
