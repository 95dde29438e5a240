// Package service is the read/refresh facade collaborators talk to. It
// layers the cache tiers over the structured store and prefers serving
// stale data over returning an error.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/cache"
	"github.com/sagastream/canon-crawler/internal/images"
	"github.com/sagastream/canon-crawler/internal/progress"
	"github.com/sagastream/canon-crawler/internal/store"
)

// ErrUnknownUniverse is returned for universes absent from the config.
var ErrUnknownUniverse = errors.New("service: unknown universe")

// ErrUnknownBucket is returned for buckets outside the classifier's set.
var ErrUnknownBucket = errors.New("service: unknown bucket")

// ErrUnavailable means every tier missed: no store rows, no snapshot, not
// even a stale one. The caller should trigger a prefetch.
var ErrUnavailable = errors.New("service: categorized data unavailable")

const defaultPageLimit = 50

// ImageProvider is the image dependency, satisfied by images.Fetcher.
type ImageProvider interface {
	Fetch(ctx context.Context, url string) (images.Result, error)
	Stats() (images.CacheStats, error)
}

// Prefetcher is the orchestrator surface the facade exposes.
type Prefetcher interface {
	Start(universe string) (uuid.UUID, error)
	Running() bool
	Progress() progress.Snapshot
}

// Service reads through L1 memory, then the structured store, then the
// snapshot tier. Writes happen only through prefetch runs; ForceRefresh
// just drops caches.
type Service struct {
	mem       *cache.Memory
	snapshots *cache.Snapshot
	keyed     *cache.Keyed
	store     store.Store // nil when no structured store is configured
	images    ImageProvider
	prefetch  Prefetcher
	universes map[string]struct{}
	buckets   map[string]struct{}
	depth     int
	logger    *zap.Logger
}

// Config wires the facade. Store, Images, Keyed and Prefetch may be nil.
type Config struct {
	Memory    *cache.Memory
	Snapshots *cache.Snapshot
	Keyed     *cache.Keyed
	Store     store.Store
	Images    ImageProvider
	Prefetch  Prefetcher
	Universes []string
	Buckets   []string
	Depth     int
}

// New constructs the facade.
func New(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Memory == nil {
		cfg.Memory = cache.NewMemory()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 2
	}
	universes := make(map[string]struct{}, len(cfg.Universes))
	for _, u := range cfg.Universes {
		universes[u] = struct{}{}
	}
	buckets := make(map[string]struct{}, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		buckets[b] = struct{}{}
	}
	return &Service{
		mem:       cfg.Memory,
		snapshots: cfg.Snapshots,
		keyed:     cfg.Keyed,
		store:     cfg.Store,
		images:    cfg.Images,
		prefetch:  cfg.Prefetch,
		universes: universes,
		buckets:   buckets,
		depth:     cfg.Depth,
		logger:    logger,
	}
}

// Universes lists the configured universes, sorted.
func (s *Service) Universes() []string {
	out := make([]string, 0, len(s.universes))
	for u := range s.universes {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *Service) knows(universe string) bool {
	_, ok := s.universes[universe]
	return ok
}

func (s *Service) knowsBucket(bucket string) bool {
	if len(s.buckets) == 0 {
		return true
	}
	_, ok := s.buckets[bucket]
	return ok
}

func canonKey(universe string, depth int) string {
	return fmt.Sprintf("canon:%s:depth%d", universe, depth)
}

func categoryKey(universe, bucket string) string {
	return fmt.Sprintf("%s_%s", universe, bucket)
}

// CategorizedData returns bucket -> titles for a universe. Read order is
// L1, store, fresh snapshot, stale snapshot; forceRefresh skips the warm
// tiers so the freshest backing data wins. A stale snapshot beats a store
// error; only a fully cold miss is an error.
func (s *Service) CategorizedData(ctx context.Context, universe string, depth int, forceRefresh bool) (map[string][]string, error) {
	if !s.knows(universe) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	if depth <= 0 {
		depth = s.depth
	}
	key := canonKey(universe, depth)

	if !forceRefresh {
		if v, ok := s.mem.Get(key); ok {
			if data, ok := v.(map[string][]string); ok {
				return data, nil
			}
		}
	}

	var storeErr error
	if s.store != nil {
		data, err := s.store.BucketTitles(ctx, universe)
		switch {
		case err != nil:
			storeErr = err
			s.logger.Warn("store read failed, falling back to snapshot",
				zap.String("universe", universe), zap.Error(err))
		case len(data) > 0:
			s.mem.Set(key, data)
			return data, nil
		}
	}

	if s.snapshots != nil {
		if !forceRefresh {
			if data, ok := s.snapshots.Load(universe, depth); ok {
				s.mem.Set(key, data)
				return data, nil
			}
		}
		if data, ok := s.snapshots.LoadStale(universe, depth); ok {
			s.logger.Warn("serving stale snapshot",
				zap.String("universe", universe), zap.Int("depth", depth))
			return data, nil
		}
	}

	if storeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, storeErr)
	}
	return nil, ErrUnavailable
}

// Category lists articles in one bucket with paging and an optional title
// substring filter. The store is authoritative; snapshot titles back it up
// when the store is absent or failing.
func (s *Service) Category(ctx context.Context, universe, bucket string, limit, offset int, search string) ([]store.Article, error) {
	if !s.knows(universe) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	if !s.knowsBucket(bucket) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	if s.store != nil {
		rows, err := s.store.ArticlesByBucket(ctx, universe, bucket, limit, offset, search)
		if err == nil {
			if s.keyed != nil && search == "" && offset == 0 {
				titles := make([]string, len(rows))
				for i, a := range rows {
					titles[i] = a.Title
				}
				if err := s.keyed.Set(categoryKey(universe, bucket), titles); err != nil {
					s.logger.Warn("category cache write failed", zap.Error(err))
				}
			}
			return rows, nil
		}
		s.logger.Warn("store read failed, falling back to cached titles",
			zap.String("universe", universe), zap.String("bucket", bucket), zap.Error(err))
	}

	titles, ok := s.cachedTitles(universe, bucket)
	if !ok {
		return nil, ErrUnavailable
	}
	return page(stubArticles(universe, bucket, titles), limit, offset, search), nil
}

// cachedTitles reads the keyed tier first, then any snapshot, stale
// included.
func (s *Service) cachedTitles(universe, bucket string) ([]string, bool) {
	if s.keyed != nil {
		if titles, ok := s.keyed.Get(categoryKey(universe, bucket)); ok {
			return titles, true
		}
	}
	if s.snapshots == nil {
		return nil, false
	}
	data, ok := s.snapshots.Load(universe, s.depth)
	if !ok {
		data, ok = s.snapshots.LoadStale(universe, s.depth)
	}
	if !ok {
		return nil, false
	}
	titles, ok := data[bucket]
	return titles, ok
}

func stubArticles(universe, bucket string, titles []string) []store.Article {
	out := make([]store.Article, len(titles))
	for i, title := range titles {
		out[i] = store.Article{Title: title, Universe: universe, Bucket: bucket}
	}
	return out
}

func page(rows []store.Article, limit, offset int, search string) []store.Article {
	if search != "" {
		needle := strings.ToLower(search)
		filtered := rows[:0:0]
		for _, a := range rows {
			if strings.Contains(strings.ToLower(a.Title), needle) {
				filtered = append(filtered, a)
			}
		}
		rows = filtered
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// Search finds articles whose title contains query, optionally limited to
// one bucket.
func (s *Service) Search(ctx context.Context, universe, query, bucket string, limit int) ([]store.Article, error) {
	if !s.knows(universe) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	if bucket != "" && !s.knowsBucket(bucket) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	if s.store != nil {
		rows, err := s.store.Search(ctx, universe, query, bucket, limit)
		if err == nil {
			return rows, nil
		}
		s.logger.Warn("store search failed, falling back to snapshot",
			zap.String("universe", universe), zap.Error(err))
	}

	if s.snapshots == nil {
		return nil, ErrUnavailable
	}
	data, ok := s.snapshots.Load(universe, s.depth)
	if !ok {
		data, ok = s.snapshots.LoadStale(universe, s.depth)
	}
	if !ok {
		return nil, ErrUnavailable
	}

	needle := strings.ToLower(query)
	buckets := make([]string, 0, len(data))
	for b := range data {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	var out []store.Article
	for _, b := range buckets {
		if bucket != "" && b != bucket {
			continue
		}
		for _, title := range data[b] {
			if !strings.Contains(strings.ToLower(title), needle) {
				continue
			}
			out = append(out, store.Article{Title: title, Universe: universe, Bucket: b})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Image returns the image bytes for a URL, downloading on a cache miss.
func (s *Service) Image(ctx context.Context, url string) (images.Result, error) {
	if s.images == nil {
		return images.Result{}, errors.New("service: image fetching not configured")
	}
	return s.images.Fetch(ctx, url)
}

// Progress returns the state of the most recent prefetch run.
func (s *Service) Progress() progress.Snapshot {
	if s.prefetch == nil {
		return progress.Snapshot{Stage: progress.StageIdle}
	}
	return s.prefetch.Progress()
}

// StartPrefetch launches a background run for the universe.
func (s *Service) StartPrefetch(universe string) (uuid.UUID, error) {
	if s.prefetch == nil {
		return uuid.Nil, errors.New("service: prefetch not configured")
	}
	return s.prefetch.Start(universe)
}

// ForceRefresh drops the L1, snapshot and keyed tiers for a universe. It
// never re-fetches synchronously; the next read or prefetch repopulates.
func (s *Service) ForceRefresh(ctx context.Context, universe string) error {
	if !s.knows(universe) {
		return fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	_ = ctx

	s.mem.Clear()
	if s.snapshots != nil {
		if err := s.snapshots.Invalidate(universe, s.depth); err != nil {
			return fmt.Errorf("invalidate snapshot: %w", err)
		}
	}
	if s.keyed != nil {
		if err := s.keyed.Clear(universe + "_"); err != nil {
			return fmt.Errorf("clear keyed cache: %w", err)
		}
	}
	s.logger.Info("caches invalidated", zap.String("universe", universe))
	return nil
}

// Summary is the per-universe category breakdown.
type Summary struct {
	Universe      string                `json:"universe"`
	TotalArticles int                   `json:"total_articles"`
	Buckets       []store.CategoryCount `json:"buckets"`
	Source        string                `json:"source"`
}

// Summary reads the materialized category counts, falling back to counting
// snapshot titles when no store rows exist.
func (s *Service) Summary(ctx context.Context, universe string) (Summary, error) {
	if !s.knows(universe) {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	out := Summary{Universe: universe}

	if s.store != nil {
		counts, err := s.store.CategoryCounts(ctx, universe)
		if err != nil {
			s.logger.Warn("category counts read failed",
				zap.String("universe", universe), zap.Error(err))
		} else if len(counts) > 0 {
			out.Buckets = counts
			out.Source = "store"
			for _, c := range counts {
				out.TotalArticles += c.Articles
			}
			return out, nil
		}
	}

	if s.snapshots == nil {
		return Summary{}, ErrUnavailable
	}
	data, ok := s.snapshots.Load(universe, s.depth)
	if !ok {
		data, ok = s.snapshots.LoadStale(universe, s.depth)
	}
	if !ok {
		return Summary{}, ErrUnavailable
	}

	meta, _ := s.snapshots.Stats(universe, s.depth)
	buckets := make([]string, 0, len(data))
	for b := range data {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	for _, b := range buckets {
		out.Buckets = append(out.Buckets, store.CategoryCount{
			Universe:    universe,
			Bucket:      b,
			Articles:    len(data[b]),
			LastUpdated: meta.CreatedAt,
		})
		out.TotalArticles += len(data[b])
	}
	out.Source = "snapshot"
	return out, nil
}

// Stats is the operational view of the cache tiers for one universe.
type Stats struct {
	Universe      string              `json:"universe"`
	Snapshot      *cache.SnapshotMeta `json:"snapshot,omitempty"`
	Images        images.CacheStats   `json:"images"`
	MemoryEntries int                 `json:"memory_entries"`
	Prefetch      progress.Snapshot   `json:"prefetch"`
}

// Stats reports snapshot metadata, image cache usage and the in-process
// tier size.
func (s *Service) Stats(ctx context.Context, universe string) (Stats, error) {
	if !s.knows(universe) {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	_ = ctx

	out := Stats{
		Universe:      universe,
		MemoryEntries: s.mem.Len(),
		Prefetch:      s.Progress(),
	}
	if s.snapshots != nil {
		if meta, ok := s.snapshots.Stats(universe, s.depth); ok {
			out.Snapshot = &meta
		}
	}
	if s.images != nil {
		imgStats, err := s.images.Stats()
		if err != nil {
			s.logger.Warn("image cache stats failed", zap.Error(err))
		} else {
			out.Images = imgStats
		}
	}
	return out, nil
}
