package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagastream/canon-crawler/internal/cache"
	"github.com/sagastream/canon-crawler/internal/images"
	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/prefetch"
	"github.com/sagastream/canon-crawler/internal/progress"
	"github.com/sagastream/canon-crawler/internal/service"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type stubPrefetch struct {
	startErr error
	started  []string
	snap     progress.Snapshot
}

func (p *stubPrefetch) Start(universe string) (uuid.UUID, error) {
	if p.startErr != nil {
		return uuid.Nil, p.startErr
	}
	p.started = append(p.started, universe)
	return uuid.New(), nil
}

func (p *stubPrefetch) Running() bool { return false }

func (p *stubPrefetch) Progress() progress.Snapshot { return p.snap }

type stubImages struct {
	content []byte
	err     error
}

func (s *stubImages) Fetch(context.Context, string) (images.Result, error) {
	if s.err != nil {
		return images.Result{}, s.err
	}
	return images.Result{Content: s.content, WasCached: true}, nil
}

func (s *stubImages) Stats() (images.CacheStats, error) {
	return images.CacheStats{Files: 1, TotalBytes: int64(len(s.content))}, nil
}

type fixture struct {
	srv      *Server
	prefetch *stubPrefetch
	images   *stubImages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snaps, err := cache.NewSnapshot(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, snaps.Save("star_wars", 2, map[string][]string{
		"characters": {"Luke Skywalker", "Leia Organa"},
		"planets":    {"Tatooine", "Hoth", "Dagobah"},
	}))

	pf := &stubPrefetch{snap: progress.Snapshot{Stage: progress.StageIdle}}
	img := &stubImages{content: []byte("\x89PNG\r\n\x1a\nfakebytes")}
	svc := service.New(service.Config{
		Snapshots: snaps,
		Images:    img,
		Prefetch:  pf,
		Universes: []string{"star_wars"},
		Buckets:   []string{"characters", "planets", "uncategorized"},
		Depth:     2,
	}, nil)
	return &fixture{srv: NewServer(svc, nil), prefetch: pf, images: img}
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCanon(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/canon", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "star_wars", body["universe"])
	assert.Equal(t, float64(5), body["total_articles"])
	cats := body["categories"].(map[string]any)
	assert.Len(t, cats["planets"], 3)
}

func TestCanonUnknownUniverse(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/discworld/canon", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCanonInvalidDepth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/canon?depth=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCanonUnavailable(t *testing.T) {
	snaps, err := cache.NewSnapshot(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	svc := service.New(service.Config{
		Snapshots: snaps,
		Universes: []string{"star_wars"},
		Depth:     2,
	}, nil)
	srv := NewServer(svc, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wiki/star_wars/canon", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCategoryPaging(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/category/planets?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	articles := body["articles"].([]any)
	first := articles[0].(map[string]any)
	assert.Equal(t, "Hoth", first["title"])
	assert.Equal(t, "planets", first["bucket"])
}

func TestCategoryUnknownBucket(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/category/starships", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCategoryInvalidLimit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/category/planets?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/search?q=oth&bucket=planets", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestSearchRequiresQuery(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(5), body["total_articles"])
	assert.Equal(t, "snapshot", body["source"])
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/star_wars/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	snap := body["snapshot"].(map[string]any)
	assert.Equal(t, float64(5), snap["total_articles"])
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/wiki/star_wars/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The snapshot is gone, so the next read has nothing to serve.
	rec = f.do(t, http.MethodGet, "/v1/wiki/star_wars/canon", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestImageProxy(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/wiki/image?url=https://img.example/luke.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.images.content, rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age")
}

func TestImageProxyFailure(t *testing.T) {
	f := newFixture(t)
	f.images.err = errors.New("no such image")
	rec := f.do(t, http.MethodGet, "/v1/wiki/image?url=https://img.example/missing.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/wiki/image", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrefetchStart(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/prefetch/start", `{"universe":"star_wars"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, []string{"star_wars"}, f.prefetch.started)
}

func TestPrefetchStartConflict(t *testing.T) {
	f := newFixture(t)
	f.prefetch.startErr = prefetch.ErrRunActive
	rec := f.do(t, http.MethodPost, "/v1/prefetch/start", `{"universe":"star_wars"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPrefetchStartValidation(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/prefetch/start", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/prefetch/start", `not json`).Code)
}

func TestPrefetchProgress(t *testing.T) {
	f := newFixture(t)
	f.prefetch.snap = progress.Snapshot{Stage: progress.StageImages, ArticlesFound: 42}
	rec := f.do(t, http.MethodGet, "/v1/prefetch/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, string(progress.StageImages), body["stage"])
	assert.Equal(t, float64(42), body["articles_found"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
