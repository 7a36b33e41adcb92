// Package search is the discovery surface over the corpus: Meilisearch when
// it is reachable, an in-memory scan of the corpus cache when it is not.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultChapter ResultType = "chapter"
	ResultStory   ResultType = "story"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	Chapter int        `json:"chapter"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ChapterRecord is the data we index for a chapter.
type ChapterRecord struct {
	Chapter     int      `json:"chapter"`
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle"`
	Tags        []string `json:"tags"`
	Han         string   `json:"han"`
	Ko          string   `json:"ko"`
	KeySentence string   `json:"keySentence"`
	Analysis    string   `json:"analysis"`
}

// StoryRecord is the data we index for a chapter story.
type StoryRecord struct {
	Chapter int    `json:"chapter"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}
