package wiki

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorizeGroupsIntoBuckets(t *testing.T) {
	f := newFakeWiki(t)
	f.categories[1] = []string{"Category:Individuals", "Category:Jedi"}
	f.categories[2] = []string{"Category:Planets"}
	f.categories[3] = []string{"Category:Unrelated"}

	c := NewCategorizer(f.client(), NewClassifier(), CategorizerConfig{}, nil)
	res, err := c.Categorize(context.Background(), []ArticleRef{
		article(1, "Luke Skywalker"),
		article(2, "Tatooine"),
		article(3, "Mystery page"),
	})
	require.NoError(t, err)
	assert.Zero(t, res.FailedBatches)

	got := res.Buckets.Titles()
	assert.Equal(t, []string{"Luke Skywalker"}, got["characters"])
	assert.Equal(t, []string{"Tatooine"}, got["planets"])
	assert.Equal(t, []string{"Mystery page"}, got[BucketUncategorized])
	assert.Equal(t, 3, res.Buckets.Total())
}

func TestCategorizePartialBatchFailure(t *testing.T) {
	f := newFakeWiki(t)
	f.categories[1] = []string{"Category:Individuals"}
	f.categories[3] = []string{"Category:Planets"}
	f.failPageIDs[2] = true

	// Batch size 1 isolates the failure to article 2's batch.
	c := NewCategorizer(f.client(), NewClassifier(), CategorizerConfig{BatchSize: 1}, nil)
	res, err := c.Categorize(context.Background(), []ArticleRef{
		article(1, "Luke Skywalker"),
		article(2, "Doomed page"),
		article(3, "Tatooine"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedBatches)

	got := res.Buckets.Titles()
	assert.Equal(t, []string{"Luke Skywalker"}, got["characters"])
	assert.Equal(t, []string{"Tatooine"}, got["planets"])
	assert.Equal(t, []string{"Doomed page"}, got[BucketUncategorized])
}

func TestCategorizeStripsCanonPrefix(t *testing.T) {
	f := newFakeWiki(t)
	f.categories[1] = []string{"Category:Canon_Individuals"}

	c := NewCategorizer(f.client(), NewClassifier(), CategorizerConfig{}, nil)
	res, err := c.Categorize(context.Background(), []ArticleRef{article(1, "Han Solo")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Han Solo"}, res.Buckets.Titles()["characters"])
}

func TestCategorizeEmptyInput(t *testing.T) {
	f := newFakeWiki(t)
	c := NewCategorizer(f.client(), NewClassifier(), CategorizerConfig{}, nil)
	res, err := c.Categorize(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Buckets.Total())
}

func TestCleanTag(t *testing.T) {
	assert.Equal(t, "Individuals", CleanTag("Category:Individuals"))
	assert.Equal(t, "Individuals", CleanTag("Category:Canon_Individuals"))
	assert.Equal(t, "Individuals", CleanTag("Canon Individuals"))
	assert.Equal(t, "Planets", CleanTag("Planets"))
}
