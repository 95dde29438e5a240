package prefetch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagastream/canon-crawler/internal/cache"
	"github.com/sagastream/canon-crawler/internal/images"
	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/progress"
	"github.com/sagastream/canon-crawler/internal/store"
	"github.com/sagastream/canon-crawler/internal/store/sqlite"
	"github.com/sagastream/canon-crawler/internal/wiki"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type stubCrawler struct {
	result  CrawlResult
	err     error
	block   chan struct{} // when set, Crawl waits until closed
	crawled int
}

func (s *stubCrawler) Crawl(ctx context.Context) (CrawlResult, error) {
	s.crawled++
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return CrawlResult{}, ctx.Err()
		}
	}
	return s.result, s.err
}

type stubImages struct {
	stats images.BatchStats
	items []images.BatchItem
}

func (s *stubImages) FetchBatch(_ context.Context, items []images.BatchItem) images.BatchStats {
	s.items = items
	return s.stats
}

func canonResult() CrawlResult {
	return CrawlResult{
		Buckets: wiki.CategorySet{
			"characters":    {{PageID: 1, Title: "Luke Skywalker"}},
			"planets":       {{PageID: 2, Title: "Tatooine"}},
			"uncategorized": {{PageID: 3, Title: "Mystery page"}},
		},
		Articles: []store.Article{
			{Title: "Luke Skywalker", Universe: "star_wars", Bucket: "characters", ImageURL: "https://img.example/luke.png"},
			{Title: "Tatooine", Universe: "star_wars", Bucket: "planets"},
			{Title: "Mystery page", Universe: "star_wars", Bucket: "uncategorized"},
		},
		Images: []images.BatchItem{{Name: "Luke Skywalker", URL: "https://img.example/luke.png"}},
	}
}

func newFixture(t *testing.T, crawler Crawler, img ImageFetcher) (*Orchestrator, store.Store, *cache.Snapshot) {
	t.Helper()
	snaps, err := cache.NewSnapshot(t.TempDir(), 7*24*time.Hour, nil)
	require.NoError(t, err)
	st, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "canon.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tracker := progress.NewTracker(nil)
	o := New(map[string]Crawler{"star_wars": crawler}, snaps, st, img, tracker, 2, nil)
	return o, st, snaps
}

func TestRunEndToEnd(t *testing.T) {
	img := &stubImages{stats: images.BatchStats{Downloaded: 1, Total: 1}}
	o, st, snaps := newFixture(t, &stubCrawler{result: canonResult()}, img)

	require.NoError(t, o.Run(context.Background(), "star_wars"))

	// Progress reached the terminal stage with full counts.
	snap := o.Progress()
	assert.Equal(t, progress.StageComplete, snap.Stage)
	assert.Equal(t, 3, snap.ArticlesFound)
	assert.Equal(t, 3, snap.ArticlesWritten)
	assert.Equal(t, 1, snap.ImagesDownloaded)
	assert.Empty(t, snap.Errors)

	// L2 snapshot was written alongside the store.
	data, ok := snaps.Load("star_wars", 2)
	require.True(t, ok)
	assert.Equal(t, []string{"Luke Skywalker"}, data["characters"])
	assert.Equal(t, []string{"Mystery page"}, data["uncategorized"])

	// L3 has the rows.
	titles, err := st.BucketTitles(context.Background(), "star_wars")
	require.NoError(t, err)
	assert.Equal(t, []string{"Tatooine"}, titles["planets"])

	// Exactly one audit row, terminal and aggregated.
	logs, err := st.RecentOperationLogs(context.Background(), "star_wars", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.StatusCompleted, logs[0].Status)
	assert.Equal(t, 3, logs[0].ArticlesProcessed)
	assert.Equal(t, 3, logs[0].ArticlesCreated)
	assert.Equal(t, 1, logs[0].ImagesDownloaded)
	assert.NotNil(t, logs[0].CompletedAt)

	// The image stage got the crawl's items.
	require.Len(t, img.items, 1)
	assert.Equal(t, "Luke Skywalker", img.items[0].Name)
}

func TestRunFailureLeavesCacheUntouched(t *testing.T) {
	o, st, snaps := newFixture(t, &stubCrawler{err: errors.New("wiki host down")}, nil)

	err := o.Run(context.Background(), "star_wars")
	require.Error(t, err)

	snap := o.Progress()
	assert.Equal(t, progress.StageFailed, snap.Stage)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "wiki host down")

	_, ok := snaps.Load("star_wars", 2)
	assert.False(t, ok, "failed run must not write a snapshot")

	logs, err := st.RecentOperationLogs(context.Background(), "star_wars", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.StatusFailed, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "wiki host down")
}

func TestImageFailuresAreNonFatal(t *testing.T) {
	img := &stubImages{stats: images.BatchStats{Failed: 1, Total: 1}}
	o, st, _ := newFixture(t, &stubCrawler{result: canonResult()}, img)

	require.NoError(t, o.Run(context.Background(), "star_wars"))

	snap := o.Progress()
	assert.Equal(t, progress.StageComplete, snap.Stage)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "images failed")

	logs, err := st.RecentOperationLogs(context.Background(), "star_wars", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.StatusCompleted, logs[0].Status)
	assert.Equal(t, 1, logs[0].ImagesFailed)
}

func TestConcurrentStartIsRejected(t *testing.T) {
	block := make(chan struct{})
	crawler := &stubCrawler{result: canonResult(), block: block}
	o, _, _ := newFixture(t, crawler, nil)

	runID, err := o.Start("star_wars")
	require.NoError(t, err)
	require.NotEqual(t, runID.String(), "00000000-0000-0000-0000-000000000000")

	_, err = o.Start("star_wars")
	assert.ErrorIs(t, err, ErrRunActive)
	assert.ErrorIs(t, o.Run(context.Background(), "star_wars"), ErrRunActive)

	close(block)
	require.Eventually(t, func() bool { return !o.Running() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, crawler.crawled)
}

func TestUnknownUniverse(t *testing.T) {
	o, _, _ := newFixture(t, &stubCrawler{result: canonResult()}, nil)

	_, err := o.Start("discworld")
	assert.ErrorIs(t, err, ErrUnknownUniverse)
	assert.ErrorIs(t, o.Run(context.Background(), "discworld"), ErrUnknownUniverse)
}
