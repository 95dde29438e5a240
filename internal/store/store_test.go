package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeArticles(t *testing.T) {
	in := []Article{
		{Title: "Tatooine", Universe: "star_wars"},
		{Title: "Tatooine", Universe: "lotr"}, // same title, other universe
		{Title: "Tatooine", Universe: "star_wars", Bucket: "later duplicate"},
		{Title: "Hoth", Universe: "star_wars"},
		{Title: "Hoth", Universe: "star_wars"},
	}
	out, dropped := DedupeArticles(in)

	assert.Equal(t, 2, dropped)
	assert.Len(t, out, 3)
	// First occurrence wins and input order is preserved.
	assert.Equal(t, "Tatooine", out[0].Title)
	assert.Equal(t, "star_wars", out[0].Universe)
	assert.Empty(t, out[0].Bucket)
	assert.Equal(t, "lotr", out[1].Universe)
	assert.Equal(t, "Hoth", out[2].Title)
}

func TestDedupeArticlesEmpty(t *testing.T) {
	out, dropped := DedupeArticles(nil)
	assert.Empty(t, out)
	assert.Zero(t, dropped)
}
