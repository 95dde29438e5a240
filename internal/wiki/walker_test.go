package wiki

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func titles(refs []ArticleRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Title
	}
	return out
}

func TestWalkCollectsArticlesRecursively(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Canon_articles"] = []ArticleRef{
		article(1, "Luke Skywalker"),
		subcategory(100, "Planets"),
	}
	f.members["Planets"] = []ArticleRef{
		article(2, "Tatooine"),
		article(3, "Hoth"),
	}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 3, MaxArticles: 100}, nil)
	res, err := w.Walk(context.Background(), "Canon_articles")
	require.NoError(t, err)
	assert.Equal(t, []string{"Luke Skywalker", "Tatooine", "Hoth"}, titles(res.Articles))
	assert.Zero(t, res.Errors)
}

func TestWalkDepthBound(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{
		article(1, "At root"),
		subcategory(100, "Level1"),
	}
	f.members["Level1"] = []ArticleRef{
		article(2, "At level one"),
		subcategory(101, "Level2"),
	}
	f.members["Level2"] = []ArticleRef{article(3, "Too deep")}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 1, MaxArticles: 100}, nil)
	res, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	assert.Equal(t, []string{"At root", "At level one"}, titles(res.Articles))
}

func TestWalkCycleTerminates(t *testing.T) {
	f := newFakeWiki(t)
	f.members["A"] = []ArticleRef{
		article(1, "In A"),
		subcategory(100, "B"),
	}
	f.members["B"] = []ArticleRef{
		article(2, "In B"),
		subcategory(101, "A"), // cycle back to root
	}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 10, MaxArticles: 100}, nil)
	res, err := w.Walk(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"In A", "In B"}, titles(res.Articles))
}

func TestWalkVisitedSetIsPerWalk(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{article(1, "Only one")}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 2, MaxArticles: 100}, nil)
	first, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	second, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)

	// A second walk on the same Walker must re-visit everything.
	assert.Equal(t, titles(first.Articles), titles(second.Articles))
	assert.Len(t, second.Articles, 1)
}

func TestWalkDeduplicatesAcrossCategories(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{
		article(1, "Shared"),
		subcategory(100, "Sub"),
	}
	f.members["Sub"] = []ArticleRef{article(1, "Shared")}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 3, MaxArticles: 100}, nil)
	res, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	assert.Equal(t, []string{"Shared"}, titles(res.Articles))
}

func TestWalkLimitTruncates(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{
		article(1, "One"),
		article(2, "Two"),
		article(3, "Three"),
	}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 1, MaxArticles: 2}, nil)
	res, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	assert.Equal(t, []string{"One", "Two"}, titles(res.Articles))
}

func TestWalkFollowsPagination(t *testing.T) {
	f := newFakeWiki(t)
	f.pageSize = 2
	f.members["Root"] = []ArticleRef{
		article(1, "One"),
		article(2, "Two"),
		article(3, "Three"),
		article(4, "Four"),
		article(5, "Five"),
	}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 1, MaxArticles: 100}, nil)
	res, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	assert.Len(t, res.Articles, 5)
}

func TestWalkSkipsLegendsAndMetaTitles(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{
		article(1, "Luke Skywalker"),
		article(2, "Luke Skywalker/Legends"),
		article(3, "List of lightsabers"),
		article(4, "Template:Infobox"),
	}

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 1, MaxArticles: 100, SkipLegends: true}, nil)
	res, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	assert.Equal(t, []string{"Luke Skywalker"}, titles(res.Articles))
}

func TestWalkListingErrorIsNonFatal(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{
		article(1, "Survivor"),
		subcategory(100, "Broken"),
		subcategory(101, "Fine"),
	}
	f.members["Fine"] = []ArticleRef{article(2, "Also here")}
	f.failListings["Broken"] = true

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 3, MaxArticles: 100}, nil)
	res, err := w.Walk(context.Background(), "Root")
	require.NoError(t, err)
	assert.Equal(t, []string{"Survivor", "Also here"}, titles(res.Articles))
	assert.Equal(t, 1, res.Errors)
}

func TestWalkHonorsContext(t *testing.T) {
	f := newFakeWiki(t)
	f.members["Root"] = []ArticleRef{article(1, "One")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWalker(f.client(), WalkerConfig{MaxDepth: 1, MaxArticles: 100}, nil)
	_, err := w.Walk(ctx, "Root")
	require.Error(t, err)
}
