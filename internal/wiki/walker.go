package wiki

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/metrics"
)

// WalkerConfig bounds a category traversal.
type WalkerConfig struct {
	MaxDepth    int
	MaxArticles int
	PageDelay   time.Duration
	SkipLegends bool
}

// Walker performs depth-bounded recursive traversal of a wiki's category
// graph. The Walker itself is stateless between walks; each Walk call
// carries its own visited set, so one Walker is safe for concurrent use.
type Walker struct {
	client *Client
	cfg    WalkerConfig
	logger *zap.Logger
}

// NewWalker constructs a Walker over the given API client.
func NewWalker(client *Client, cfg WalkerConfig, logger *zap.Logger) *Walker {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = 100000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{client: client, cfg: cfg, logger: logger}
}

// walkState is the per-walk mutable state: the visited set guarding cyclic
// category graphs, the accumulated articles and pageid dedup.
type walkState struct {
	visited map[string]struct{}
	seen    map[int64]struct{}
	out     []ArticleRef
	errors  int
}

func (s *walkState) remaining(limit int) int { return limit - len(s.out) }

// WalkResult is the outcome of one traversal.
type WalkResult struct {
	Articles []ArticleRef
	// Errors counts page sequences cut short by transport or API failures.
	Errors int
}

// Walk collects namespace-0 articles under the root category, following
// subcategories up to the configured depth. The result is deduplicated by
// pageid, order-stable in discovery order and truncated to MaxArticles.
func (w *Walker) Walk(ctx context.Context, root string) (WalkResult, error) {
	state := &walkState{
		visited: make(map[string]struct{}),
		seen:    make(map[int64]struct{}),
	}
	if err := w.walk(ctx, root, 0, state); err != nil {
		return WalkResult{}, err
	}
	metrics.AddArticlesWalked(w.client.Universe(), len(state.out))
	w.logger.Info("category walk complete",
		zap.String("root", root),
		zap.Int("articles", len(state.out)),
		zap.Int("errors", state.errors))
	return WalkResult{Articles: state.out, Errors: state.errors}, nil
}

// normalizeCategory keys the visited set. Wiki category names treat spaces
// and underscores as the same title.
func normalizeCategory(name string) string {
	name = strings.TrimPrefix(name, "Category:")
	name = strings.ReplaceAll(name, " ", "_")
	return strings.ToLower(name)
}

func (w *Walker) walk(ctx context.Context, category string, depth int, state *walkState) error {
	key := normalizeCategory(category)
	if _, ok := state.visited[key]; ok {
		return nil
	}
	state.visited[key] = struct{}{}

	w.logger.Debug("walking category",
		zap.String("category", category), zap.Int("depth", depth))

	var subcats []string
	cont := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := w.client.CategoryMembers(ctx, category, cont)
		if err != nil {
			// A failed page ends this category's listing but not the walk.
			state.errors++
			w.logger.Warn("category page fetch failed",
				zap.String("category", category), zap.Error(err))
			break
		}
		if len(page.Members) == 0 {
			break
		}
		for _, m := range page.Members {
			switch m.Namespace {
			case NamespaceCategory:
				subcats = append(subcats, strings.TrimPrefix(m.Title, "Category:"))
			case NamespaceArticle:
				if IsMetaTitle(m.Title) {
					continue
				}
				if w.cfg.SkipLegends && IsLegendsTitle(m.Title) {
					continue
				}
				if _, dup := state.seen[m.PageID]; dup {
					continue
				}
				state.seen[m.PageID] = struct{}{}
				state.out = append(state.out, m)
				if state.remaining(w.cfg.MaxArticles) <= 0 {
					return nil
				}
			}
		}
		if page.Continue == "" {
			break
		}
		cont = page.Continue
		if w.cfg.PageDelay > 0 {
			// Politeness margin between continuation fetches, on top of
			// the token bucket.
			select {
			case <-time.After(w.cfg.PageDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if depth >= w.cfg.MaxDepth {
		return nil
	}
	for _, sub := range subcats {
		if state.remaining(w.cfg.MaxArticles) <= 0 {
			return nil
		}
		if err := w.walk(ctx, sub, depth+1, state); err != nil {
			return err
		}
	}
	return nil
}
