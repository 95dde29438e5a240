// Package images downloads and caches article images on the local
// filesystem, keyed by URL hash, with an optional store-backed registry.
package images

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/store"
	"github.com/sagastream/canon-crawler/internal/wikihttp"
)

// cacheSuffix is appended to every cached file regardless of image format.
const cacheSuffix = ".img"

// Config controls the fetcher.
type Config struct {
	Dir        string
	Workers    int
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
}

// Fetcher downloads images into a flat directory of <md5(url)>.img files.
// If a store is attached, successful fetches are also registered in its
// image table; registry failures are logged, never fatal.
type Fetcher struct {
	cfg    Config
	http   *wikihttp.Client
	store  store.Store
	logger *zap.Logger
}

// New constructs a Fetcher. The store may be nil.
func New(cfg Config, st store.Store, logger *zap.Logger) (*Fetcher, error) {
	if cfg.Dir == "" {
		cfg.Dir = "image_cache"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "canon-crawler/1.0"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache dir %s: %w", cfg.Dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:    cfg,
		http:   wikihttp.New(wikihttp.Config{UserAgent: cfg.UserAgent, Timeout: cfg.Timeout}, nil, logger),
		store:  st,
		logger: logger,
	}, nil
}

// ValidateURL rejects empty strings, non-http schemes and the corrupted
// quote-prefix pattern seen in upstream data. Invalid URLs fail fast with
// no network call.
func ValidateURL(url string) bool {
	if url == "" {
		return false
	}
	if !strings.HasPrefix(url, "http") {
		return false
	}
	if strings.HasPrefix(url, "'d") || strings.HasPrefix(url, `"d`) {
		return false
	}
	return true
}

// CacheKey returns the md5 hex digest of the URL string. Same URL, same
// local path, regardless of the image bytes behind it.
func CacheKey(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// CachePath returns the local file path for a URL.
func (f *Fetcher) CachePath(url string) string {
	return filepath.Join(f.cfg.Dir, CacheKey(url)+cacheSuffix)
}

// IsCached reports whether the URL's file already exists.
func (f *Fetcher) IsCached(url string) bool {
	_, err := os.Stat(f.CachePath(url))
	return err == nil
}

// Result is the outcome of one image fetch.
type Result struct {
	Content   []byte
	WasCached bool
	Path      string
}

// Fetch returns the image for url, from cache when present, downloading
// otherwise. Downloads retry up to MaxRetries extra attempts on timeout
// only; HTTP status failures fail immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Result, error) {
	if !ValidateURL(url) {
		metrics.ObserveImageFetch("failed")
		return Result{}, fmt.Errorf("invalid image url %q", truncate(url, 50))
	}
	path := f.CachePath(url)

	if content, err := os.ReadFile(path); err == nil {
		metrics.ObserveImageFetch("cached")
		return Result{Content: content, WasCached: true, Path: path}, nil
	}

	var (
		content []byte
		err     error
	)
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		content, err = f.http.Get(ctx, url, nil)
		if err == nil {
			break
		}
		if !wikihttp.IsTimeout(err) {
			break
		}
		f.logger.Warn("image fetch timed out",
			zap.String("url", truncate(url, 80)),
			zap.Int("attempt", attempt+1))
	}
	if err != nil {
		metrics.ObserveImageFetch("failed")
		return Result{}, fmt.Errorf("fetch image: %w", err)
	}

	if werr := os.WriteFile(path, content, 0o644); werr != nil {
		// The bytes are still good; serving beats caching.
		f.logger.Error("image cache write failed",
			zap.String("path", path), zap.Error(werr))
	}
	f.register(ctx, url, path, len(content))
	metrics.ObserveImageFetch("downloaded")
	return Result{Content: content, WasCached: false, Path: path}, nil
}

// register records the fetch in the store's image table when attached.
func (f *Fetcher) register(ctx context.Context, url, path string, size int) {
	if f.store == nil {
		return
	}
	entry := store.ImageEntry{
		URL:       url,
		URLHash:   CacheKey(url),
		LocalPath: path,
		SizeBytes: int64(size),
		Format:    formatFromURL(url),
		Valid:     true,
	}
	if err := f.store.UpsertImage(ctx, entry); err != nil {
		f.logger.Warn("image registry write failed",
			zap.String("url_hash", entry.URLHash), zap.Error(err))
	}
}

func formatFromURL(url string) string {
	base := url
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(base)), ".")
	switch ext {
	case "png", "jpg", "jpeg", "webp", "gif":
		return ext
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BatchItem names one image to prefetch.
type BatchItem struct {
	Name string
	URL  string
}

// BatchStats aggregates a parallel prefetch.
type BatchStats struct {
	Downloaded int
	Cached     int
	Failed     int
	Total      int
}

// FetchBatch downloads the items with a bounded worker pool. An empty URL
// counts as failed without a request. Individual failures never abort the
// batch; only context cancellation does.
func (f *Fetcher) FetchBatch(ctx context.Context, items []BatchItem) BatchStats {
	stats := BatchStats{Total: len(items)}
	if len(items) == 0 {
		return stats
	}

	results := make([]int, len(items)) // 0 failed, 1 cached, 2 downloaded
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)

	for i, item := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if item.URL == "" {
				return nil
			}
			res, err := f.Fetch(gctx, item.URL)
			if err != nil {
				f.logger.Debug("image prefetch failed",
					zap.String("name", item.Name), zap.Error(err))
				return nil
			}
			if res.WasCached {
				results[i] = 1
			} else {
				results[i] = 2
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r {
		case 1:
			stats.Cached++
		case 2:
			stats.Downloaded++
		default:
			stats.Failed++
		}
	}
	f.logger.Info("image batch complete",
		zap.Int("downloaded", stats.Downloaded),
		zap.Int("cached", stats.Cached),
		zap.Int("failed", stats.Failed))
	return stats
}

// Evict deletes cached files older than maxAge; a zero maxAge deletes
// everything. Returns the number of files removed.
func (f *Fetcher) Evict(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("read image cache dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), cacheSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.cfg.Dir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	f.logger.Info("image cache evicted", zap.Int("removed", removed))
	return removed, nil
}

// CacheStats describes the on-disk cache.
type CacheStats struct {
	Files      int
	TotalBytes int64
	Dir        string
}

// Stats reports file count and total size of the cache directory.
func (f *Fetcher) Stats() (CacheStats, error) {
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		return CacheStats{}, fmt.Errorf("read image cache dir: %w", err)
	}
	stats := CacheStats{Dir: f.cfg.Dir}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), cacheSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Files++
		stats.TotalBytes += info.Size()
	}
	return stats, nil
}
