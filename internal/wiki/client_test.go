package wiki

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageURL(t *testing.T) {
	f := newFakeWiki(t)
	c := f.client()
	assert.Equal(t, f.srv.URL+"/wiki/Luke_Skywalker", c.PageURL("Luke Skywalker"))
}

func TestArticleCategoriesFillsMissingPages(t *testing.T) {
	f := newFakeWiki(t)
	f.categories[1] = []string{"Category:Individuals"}

	got, err := f.client().ArticleCategories(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Individuals"}, got[1])
	// Page 2 was fetched but has no categories: present, empty.
	tags, ok := got[2]
	require.True(t, ok)
	assert.Empty(t, tags)
}

func TestArticleCategoriesRejectsOversizedBatch(t *testing.T) {
	f := newFakeWiki(t)
	ids := make([]int64, 51)
	_, err := f.client().ArticleCategories(context.Background(), ids)
	require.Error(t, err)
}

func TestPageImages(t *testing.T) {
	f := newFakeWiki(t)
	f.thumbnails[1] = "https://img.example/luke.png"

	got, err := f.client().PageImages(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/luke.png", got[1])
	_, ok := got[2]
	assert.False(t, ok, "pages without a lead image are absent")
}

func TestIsLegendsTitle(t *testing.T) {
	assert.True(t, IsLegendsTitle("Luke Skywalker/Legends"))
	assert.False(t, IsLegendsTitle("Luke Skywalker"))
}
