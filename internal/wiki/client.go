package wiki

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/metrics"
)

// pageIDBatchLimit is the MediaWiki cap on pageids per query request.
const pageIDBatchLimit = 50

// Getter is the transport dependency of the API client.
type Getter interface {
	GetJSON(ctx context.Context, rawURL string, params url.Values, out any) error
}

// Client speaks the MediaWiki action API of one wiki host.
type Client struct {
	http     Getter
	universe string
	apiURL   string
	baseURL  string
	logger   *zap.Logger
}

// NewClient builds a client for the wiki rooted at baseURL, e.g.
// https://starwars.fandom.com. The action API endpoint is derived as
// <base>/api.php. universe labels metrics and logs.
func NewClient(http Getter, universe, baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmed := strings.TrimSuffix(baseURL, "/")
	return &Client{
		http:     http,
		universe: universe,
		apiURL:   trimmed + "/api.php",
		baseURL:  trimmed,
		logger:   logger,
	}
}

// Universe returns the universe key this client crawls.
func (c *Client) Universe() string { return c.universe }

// PageURL returns the canonical article URL for a title.
func (c *Client) PageURL(title string) string {
	return c.baseURL + "/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}

// MemberPage is one page of category members plus the continuation token
// for the next page, empty when the listing is exhausted.
type MemberPage struct {
	Members  []ArticleRef
	Continue string
}

type categoryMembersResponse struct {
	Continue struct {
		CmContinue string `json:"cmcontinue"`
	} `json:"continue"`
	Query struct {
		CategoryMembers []struct {
			PageID int64  `json:"pageid"`
			NS     int    `json:"ns"`
			Title  string `json:"title"`
		} `json:"categorymembers"`
	} `json:"query"`
}

// CategoryMembers fetches one page of article and subcategory members of
// the named category. The category name is given without the Category:
// prefix. cont carries the continuation token from the prior page.
func (c *Client) CategoryMembers(ctx context.Context, category, cont string) (MemberPage, error) {
	params := url.Values{
		"action":      {"query"},
		"list":        {"categorymembers"},
		"cmtitle":     {"Category:" + strings.TrimPrefix(category, "Category:")},
		"cmlimit":     {"500"},
		"cmnamespace": {fmt.Sprintf("%d|%d", NamespaceArticle, NamespaceCategory)},
		"format":      {"json"},
	}
	if cont != "" {
		params.Set("cmcontinue", cont)
	}

	var resp categoryMembersResponse
	start := time.Now()
	if err := c.http.GetJSON(ctx, c.apiURL, params, &resp); err != nil {
		metrics.ObserveWikiRequest(c.universe, "error", time.Since(start))
		return MemberPage{}, err
	}
	metrics.ObserveWikiRequest(c.universe, "ok", time.Since(start))

	page := MemberPage{Continue: resp.Continue.CmContinue}
	for _, m := range resp.Query.CategoryMembers {
		page.Members = append(page.Members, ArticleRef{
			PageID:    m.PageID,
			Title:     m.Title,
			Namespace: m.NS,
		})
	}
	return page, nil
}

type categoriesResponse struct {
	Query struct {
		Pages map[string]struct {
			PageID     int64  `json:"pageid"`
			Title      string `json:"title"`
			Categories []struct {
				Title string `json:"title"`
			} `json:"categories"`
		} `json:"pages"`
	} `json:"query"`
}

// ArticleCategories resolves the category tags of up to 50 pages in one
// request. Hidden maintenance categories are excluded. Pages without
// categories map to an empty slice so callers can tell "fetched, none"
// from "never fetched".
func (c *Client) ArticleCategories(ctx context.Context, pageIDs []int64) (map[int64][]string, error) {
	if len(pageIDs) == 0 {
		return map[int64][]string{}, nil
	}
	if len(pageIDs) > pageIDBatchLimit {
		return nil, fmt.Errorf("at most %d page ids per batch, got %d", pageIDBatchLimit, len(pageIDs))
	}

	ids := make([]string, len(pageIDs))
	for i, id := range pageIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{
		"action":  {"query"},
		"prop":    {"categories"},
		"pageids": {strings.Join(ids, "|")},
		"cllimit": {"500"},
		"clshow":  {"!hidden"},
		"format":  {"json"},
	}

	var resp categoriesResponse
	start := time.Now()
	if err := c.http.GetJSON(ctx, c.apiURL, params, &resp); err != nil {
		metrics.ObserveWikiRequest(c.universe, "error", time.Since(start))
		return nil, err
	}
	metrics.ObserveWikiRequest(c.universe, "ok", time.Since(start))

	out := make(map[int64][]string, len(pageIDs))
	for _, id := range pageIDs {
		out[id] = []string{}
	}
	for _, page := range resp.Query.Pages {
		if page.PageID == 0 {
			continue
		}
		tags := make([]string, 0, len(page.Categories))
		for _, cat := range page.Categories {
			tags = append(tags, CleanTag(cat.Title))
		}
		out[page.PageID] = tags
	}
	return out, nil
}

type pageImagesResponse struct {
	Query struct {
		Pages map[string]struct {
			PageID    int64 `json:"pageid"`
			Thumbnail struct {
				Source string `json:"source"`
			} `json:"thumbnail"`
		} `json:"pages"`
	} `json:"query"`
}

// PageImages resolves thumbnail URLs for up to 50 pages in one request.
// Pages without a lead image are absent from the result.
func (c *Client) PageImages(ctx context.Context, pageIDs []int64) (map[int64]string, error) {
	if len(pageIDs) == 0 {
		return map[int64]string{}, nil
	}
	if len(pageIDs) > pageIDBatchLimit {
		return nil, fmt.Errorf("at most %d page ids per batch, got %d", pageIDBatchLimit, len(pageIDs))
	}

	ids := make([]string, len(pageIDs))
	for i, id := range pageIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{
		"action":      {"query"},
		"prop":        {"pageimages"},
		"pageids":     {strings.Join(ids, "|")},
		"piprop":      {"thumbnail"},
		"pithumbsize": {"500"},
		"format":      {"json"},
	}

	var resp pageImagesResponse
	start := time.Now()
	if err := c.http.GetJSON(ctx, c.apiURL, params, &resp); err != nil {
		metrics.ObserveWikiRequest(c.universe, "error", time.Since(start))
		return nil, err
	}
	metrics.ObserveWikiRequest(c.universe, "ok", time.Since(start))

	out := make(map[int64]string)
	for _, page := range resp.Query.Pages {
		if page.PageID != 0 && page.Thumbnail.Source != "" {
			out[page.PageID] = page.Thumbnail.Source
		}
	}
	return out, nil
}

// CleanTag normalizes a raw wiki category title for classification by
// dropping the namespace prefix and the canon marker.
func CleanTag(raw string) string {
	tag := strings.TrimPrefix(raw, "Category:")
	tag = strings.TrimPrefix(tag, "Canon_")
	tag = strings.TrimPrefix(tag, "Canon ")
	return tag
}

// IsLegendsTitle reports whether a title belongs to an alternate-continuity
// Legends page rather than the canon article.
func IsLegendsTitle(title string) bool {
	return strings.HasSuffix(title, "/Legends")
}

// skipTitleMarkers flags meta pages that slip into article namespaces.
var skipTitleMarkers = []string{
	"List of", "Timeline of", "Category:",
	"Wookieepedia:", "Template:", "User:",
}

// IsMetaTitle reports whether a namespace-0 title is a list, timeline or
// project page that should not be treated as a canon article.
func IsMetaTitle(title string) bool {
	for _, marker := range skipTitleMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}
