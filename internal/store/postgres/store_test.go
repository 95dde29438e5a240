package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/store"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// anyArgs builds n AnyArg matchers for expectations where the argument
// values are not the subject of the test.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, 7*24*time.Hour, nil)
	require.NoError(t, err)
	return s, mock
}

func TestUpsertArticlesCountsCreatedAndUpdated(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO wiki_articles").
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO wiki_articles").
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	res, err := s.UpsertArticles(context.Background(), []store.Article{
		{Title: "Tatooine", Universe: "star_wars", Bucket: "planets"},
		{Title: "Hoth", Universe: "star_wars", Bucket: "planets"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.DuplicatesDropped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertArticlesDeduplicatesBeforeWriting(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	// Three inputs, one duplicate pair: only two rows hit the database.
	mock.ExpectQuery("INSERT INTO wiki_articles").
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO wiki_articles").
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	res, err := s.UpsertArticles(context.Background(), []store.Article{
		{Title: "Tatooine", Universe: "star_wars", Bucket: "planets"},
		{Title: "Hoth", Universe: "star_wars", Bucket: "planets"},
		{Title: "Tatooine", Universe: "star_wars", Bucket: "uncategorized"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.DuplicatesDropped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func articleRows() *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows([]string{
		"id", "title", "universe", "bucket", "content", "image_url",
		"image_cached", "image_path", "source_url", "scraped_at",
		"expires_at", "last_accessed", "access_count",
	}).AddRow(
		int64(1), "Tatooine", "star_wars", "planets", []byte(`{"description":"desert"}`),
		"", false, "", "https://starwars.fandom.com/wiki/Tatooine",
		now, now.Add(time.Hour), now, 3,
	)
}

func TestArticleByTitleTouchesAccess(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM wiki_articles").
		WithArgs("star_wars", "Tatooine").
		WillReturnRows(articleRows())
	mock.ExpectExec("UPDATE wiki_articles SET access_count").
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	a, err := s.ArticleByTitle(context.Background(), "star_wars", "Tatooine")
	require.NoError(t, err)
	assert.Equal(t, "planets", a.Bucket)
	assert.Equal(t, "desert", a.Content["description"])
	assert.Equal(t, 4, a.AccessCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArticleByTitleNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM wiki_articles").
		WithArgs("star_wars", "Nope").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.ArticleByTitle(context.Background(), "star_wars", "Nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchWithBucketFilter(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM wiki_articles").
		WithArgs("star_wars", "%tato%", "planets", 5).
		WillReturnRows(articleRows())

	hits, err := s.Search(context.Background(), "star_wars", "tato", "planets", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Tatooine", hits[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredSumsRows(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM wiki_articles").
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec("DELETE FROM image_cache").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	removed, err := s.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 9, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationLogLifecycle(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO scraping_logs").
		WithArgs(anyArgs(4)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("UPDATE scraping_logs SET").
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	id, err := s.CreateOperationLog(context.Background(), store.OperationLog{
		Universe:      "star_wars",
		OperationType: "prefetch",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 11, id)

	require.NoError(t, s.CompleteOperationLog(context.Background(), id, store.OperationLog{
		Status:            store.StatusCompleted,
		ArticlesProcessed: 10,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshCategoryCounts(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM category_cache").
		WithArgs("star_wars").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO category_cache").
		WithArgs("star_wars").
		WillReturnResult(pgxmock.NewResult("INSERT", 3))

	require.NoError(t, s.RefreshCategoryCounts(context.Background(), "star_wars"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertImageRequiresHash(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)
	err := s.UpsertImage(context.Background(), store.ImageEntry{URL: "https://img.example/a.png"})
	require.Error(t, err)
}
