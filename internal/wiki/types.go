// Package wiki implements the MediaWiki API client, the recursive category
// walker and the keyword-based canon classifier.
package wiki

// Namespace values used by the MediaWiki category-members listing.
const (
	NamespaceArticle  = 0
	NamespaceCategory = 14
)

// ArticleRef identifies one wiki page discovered during category traversal.
type ArticleRef struct {
	PageID    int64  `json:"id"`
	Title     string `json:"title"`
	Namespace int    `json:"ns"`
}

// CategorySet groups classified articles by bucket name. An article appears
// in at most one bucket per categorization run.
type CategorySet map[string][]ArticleRef

// Total returns the number of articles across all buckets.
func (s CategorySet) Total() int {
	n := 0
	for _, refs := range s {
		n += len(refs)
	}
	return n
}

// Titles flattens the set into bucket -> title list, the shape served to
// downstream consumers.
func (s CategorySet) Titles() map[string][]string {
	out := make(map[string][]string, len(s))
	for bucket, refs := range s {
		titles := make([]string, 0, len(refs))
		for _, ref := range refs {
			titles = append(titles, ref.Title)
		}
		out[bucket] = titles
	}
	return out
}
