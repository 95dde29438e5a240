// Package sqlite provides the embedded, CGO-free implementation of the
// article store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS wiki_articles (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	title         TEXT NOT NULL,
	universe      TEXT NOT NULL,
	bucket        TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '{}',
	image_url     TEXT NOT NULL DEFAULT '',
	image_cached  INTEGER NOT NULL DEFAULT 0,
	image_path    TEXT NOT NULL DEFAULT '',
	source_url    TEXT NOT NULL DEFAULT '',
	scraped_at    TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (title, universe)
);
CREATE INDEX IF NOT EXISTS idx_articles_universe_bucket ON wiki_articles (universe, bucket);
CREATE INDEX IF NOT EXISTS idx_articles_expires_at ON wiki_articles (expires_at);

CREATE TABLE IF NOT EXISTS image_cache (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	url           TEXT NOT NULL,
	url_hash      TEXT NOT NULL UNIQUE,
	local_path    TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	format        TEXT NOT NULL DEFAULT '',
	is_valid      INTEGER NOT NULL DEFAULT 1,
	error_message TEXT NOT NULL DEFAULT '',
	cached_at     TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	expires_at    TEXT
);

CREATE TABLE IF NOT EXISTS scraping_logs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
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
	status             TEXT NOT NULL,
	error_message      TEXT NOT NULL DEFAULT '',
	started_at         TEXT NOT NULL,
	completed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_universe ON scraping_logs (universe, started_at);

CREATE TABLE IF NOT EXISTS category_cache (
	universe            TEXT NOT NULL,
	bucket              TEXT NOT NULL,
	article_count       INTEGER NOT NULL DEFAULT 0,
	articles_with_images INTEGER NOT NULL DEFAULT 0,
	last_updated        TEXT NOT NULL,
	PRIMARY KEY (universe, bucket)
);
`

// Store is a file-backed sqlite implementation of store.Store. Timestamps
// are stored as RFC3339 UTC strings, which compare correctly as text.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger

	now func() time.Time
}

// Config controls the sqlite store.
type Config struct {
	Path string
	TTL  time.Duration
}

// New opens (creating if needed) the database at cfg.Path and applies the
// schema. WAL mode keeps readers unblocked during bulk writes.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, ttl: cfg.TTL, logger: logger, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTS(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339, raw)
	return t
}

// UpsertArticles implements store.Store.
func (s *Store) UpsertArticles(ctx context.Context, articles []store.Article) (store.UpsertResult, error) {
	deduped, dropped := store.DedupeArticles(articles)
	res := store.UpsertResult{DuplicatesDropped: dropped}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, a := range deduped {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wiki_articles WHERE title = ? AND universe = ?)`,
			a.Title, a.Universe).Scan(&exists)
		if err != nil {
			return res, fmt.Errorf("check article %q: %w", a.Title, err)
		}

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

		_, err = tx.ExecContext(ctx, `
INSERT INTO wiki_articles (
	title, universe, bucket, content, image_url, image_cached, image_path,
	source_url, scraped_at, expires_at, last_accessed, access_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (title, universe) DO UPDATE SET
	bucket = excluded.bucket,
	content = excluded.content,
	image_url = excluded.image_url,
	image_cached = excluded.image_cached,
	image_path = excluded.image_path,
	source_url = excluded.source_url,
	scraped_at = excluded.scraped_at,
	expires_at = excluded.expires_at,
	last_accessed = excluded.last_accessed`,
			a.Title, a.Universe, a.Bucket, string(content), a.ImageURL,
			boolInt(a.ImageCached), a.ImagePath, a.SourceURL,
			s.ts(scraped), s.ts(expires), s.ts(now))
		if err != nil {
			return res, fmt.Errorf("upsert article %q: %w", a.Title, err)
		}
		if exists {
			res.Updated++
		} else {
			res.Created++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit upsert: %w", err)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const articleColumns = `id, title, universe, bucket, content, image_url,
	image_cached, image_path, source_url, scraped_at, expires_at,
	last_accessed, access_count`

func scanArticle(row interface{ Scan(...any) error }) (store.Article, error) {
	var (
		a               store.Article
		content         string
		imageCached     int
		scraped, expiry string
		accessed        string
	)
	err := row.Scan(&a.ID, &a.Title, &a.Universe, &a.Bucket, &content,
		&a.ImageURL, &imageCached, &a.ImagePath, &a.SourceURL,
		&scraped, &expiry, &accessed, &a.AccessCount)
	if err != nil {
		return store.Article{}, err
	}
	a.ImageCached = imageCached != 0
	a.ScrapedAt = parseTS(scraped)
	a.ExpiresAt = parseTS(expiry)
	a.LastAccessed = parseTS(accessed)
	if err := json.Unmarshal([]byte(content), &a.Content); err != nil {
		a.Content = map[string]any{}
	}
	return a, nil
}

// ArticleByTitle implements store.Store.
func (s *Store) ArticleByTitle(ctx context.Context, universe, title string) (store.Article, error) {
	now := s.ts(s.now())
	row := s.db.QueryRowContext(ctx, `
SELECT `+articleColumns+` FROM wiki_articles
WHERE universe = ? AND title = ? AND expires_at > ?`, universe, title, now)

	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return store.Article{}, store.ErrNotFound
	}
	if err != nil {
		return store.Article{}, fmt.Errorf("query article %q: %w", title, err)
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE wiki_articles SET access_count = access_count + 1, last_accessed = ?
WHERE id = ?`, now, a.ID)
	if err != nil {
		return store.Article{}, fmt.Errorf("touch article %q: %w", title, err)
	}
	a.AccessCount++
	return a, nil
}

func (s *Store) queryArticles(ctx context.Context, query string, args ...any) ([]store.Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
WHERE universe = ? AND bucket = ? AND expires_at > ?`
	args := []any{universe, bucket, s.ts(s.now())}
	if search != "" {
		query += ` AND title LIKE ? COLLATE NOCASE`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY title LIMIT ? OFFSET ?`
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
WHERE universe = ? AND expires_at > ? AND title LIKE ? COLLATE NOCASE`
	args := []any{universe, s.ts(s.now()), "%" + query + "%"}
	if bucket != "" {
		q += ` AND bucket = ?`
		args = append(args, bucket)
	}
	q += ` ORDER BY title LIMIT ?`
	args = append(args, limit)
	return s.queryArticles(ctx, q, args...)
}

// BucketTitles implements store.Store.
func (s *Store) BucketTitles(ctx context.Context, universe string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT bucket, title FROM wiki_articles
WHERE universe = ? AND expires_at > ?
ORDER BY bucket, title`, universe, s.ts(s.now()))
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
	rows, err := s.db.QueryContext(ctx, `
SELECT universe, bucket, article_count, articles_with_images, last_updated
FROM category_cache WHERE universe = ? ORDER BY bucket`, universe)
	if err != nil {
		return nil, fmt.Errorf("query category counts: %w", err)
	}
	defer rows.Close()

	var out []store.CategoryCount
	for rows.Next() {
		var (
			c       store.CategoryCount
			updated string
		)
		if err := rows.Scan(&c.Universe, &c.Bucket, &c.Articles, &c.WithImages, &updated); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		c.LastUpdated = parseTS(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RefreshCategoryCounts implements store.Store.
func (s *Store) RefreshCategoryCounts(ctx context.Context, universe string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM category_cache WHERE universe = ?`, universe); err != nil {
		return fmt.Errorf("clear category counts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO category_cache (universe, bucket, article_count, articles_with_images, last_updated)
SELECT universe, bucket, COUNT(*), SUM(image_cached), ?
FROM wiki_articles
WHERE universe = ? AND expires_at > ?
GROUP BY bucket`, s.ts(s.now()), universe, s.ts(s.now()))
	if err != nil {
		return fmt.Errorf("recompute category counts: %w", err)
	}
	return tx.Commit()
}

// CleanupExpired implements store.Store.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.ts(s.now())
	var removed int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM wiki_articles WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired articles: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM image_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return removed, fmt.Errorf("delete expired images: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

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
	now := s.now()
	cached := entry.CachedAt
	if cached.IsZero() {
		cached = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO image_cache (
	url, url_hash, local_path, size_bytes, format, is_valid, error_message,
	cached_at, last_accessed
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url_hash) DO UPDATE SET
	url = excluded.url,
	local_path = excluded.local_path,
	size_bytes = excluded.size_bytes,
	format = excluded.format,
	is_valid = excluded.is_valid,
	error_message = excluded.error_message,
	last_accessed = excluded.last_accessed`,
		entry.URL, entry.URLHash, entry.LocalPath, entry.SizeBytes,
		entry.Format, boolInt(entry.Valid), entry.ErrorMessage,
		s.ts(cached), s.ts(now))
	if err != nil {
		return fmt.Errorf("upsert image %s: %w", entry.URLHash, err)
	}
	return nil
}

// ImageByHash implements store.Store.
func (s *Store) ImageByHash(ctx context.Context, urlHash string) (store.ImageEntry, error) {
	var (
		valid            int
		cached, accessed string
		entry            store.ImageEntry
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, url, url_hash, local_path, size_bytes, format, is_valid,
	error_message, cached_at, last_accessed
FROM image_cache WHERE url_hash = ?`, urlHash).Scan(
		&entry.ID, &entry.URL, &entry.URLHash, &entry.LocalPath,
		&entry.SizeBytes, &entry.Format, &valid, &entry.ErrorMessage,
		&cached, &accessed)
	if err == sql.ErrNoRows {
		return store.ImageEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.ImageEntry{}, fmt.Errorf("query image %s: %w", urlHash, err)
	}
	entry.Valid = valid != 0
	entry.CachedAt = parseTS(cached)
	entry.LastAccessed = parseTS(accessed)
	return entry, nil
}

// CreateOperationLog implements store.Store.
func (s *Store) CreateOperationLog(ctx context.Context, log store.OperationLog) (int64, error) {
	started := log.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	status := log.Status
	if status == "" {
		status = store.StatusRunning
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scraping_logs (universe, operation_type, status, started_at)
VALUES (?, ?, ?, ?)`, log.Universe, log.OperationType, status, s.ts(started))
	if err != nil {
		return 0, fmt.Errorf("insert operation log: %w", err)
	}
	return res.LastInsertId()
}

// CompleteOperationLog implements store.Store.
func (s *Store) CompleteOperationLog(ctx context.Context, id int64, log store.OperationLog) error {
	completed := s.now()
	if log.CompletedAt != nil {
		completed = *log.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE scraping_logs SET
	articles_processed = ?,
	articles_created = ?,
	articles_updated = ?,
	images_downloaded = ?,
	images_cached = ?,
	images_failed = ?,
	errors_count = ?,
	duration_seconds = ?,
	status = ?,
	error_message = ?,
	completed_at = ?
WHERE id = ?`,
		log.ArticlesProcessed, log.ArticlesCreated, log.ArticlesUpdated,
		log.ImagesDownloaded, log.ImagesCached, log.ImagesFailed,
		log.ErrorsCount, log.DurationSeconds, log.Status, log.ErrorMessage,
		s.ts(completed), id)
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
		query += ` WHERE universe = ?`
		args = append(args, universe)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operation logs: %w", err)
	}
	defer rows.Close()

	var out []store.OperationLog
	for rows.Next() {
		var (
			l         store.OperationLog
			started   string
			completed sql.NullString
		)
		err := rows.Scan(&l.ID, &l.Universe, &l.OperationType,
			&l.ArticlesProcessed, &l.ArticlesCreated, &l.ArticlesUpdated,
			&l.ImagesDownloaded, &l.ImagesCached, &l.ImagesFailed,
			&l.ErrorsCount, &l.DurationSeconds, &l.Status, &l.ErrorMessage,
			&started, &completed)
		if err != nil {
			return nil, fmt.Errorf("scan operation log: %w", err)
		}
		l.StartedAt = parseTS(started)
		if completed.Valid {
			t := parseTS(completed.String)
			l.CompletedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
