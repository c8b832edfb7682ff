package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultQuote ResultType = "quote"
	ResultUser  ResultType = "user"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	AuthorID string     `json:"authorId,omitempty"`
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexQuote(q QuoteRecord) error
	IndexUser(u UserRecord) error
	DeleteQuote(id string) error
	DeleteUser(id string) error
}

// QuoteRecord is the data we index for a quote.
type QuoteRecord struct {
	ID      string `json:"id"`
	Body    string `json:"body"`
	Emotion string `json:"emotion"`
	Author  string `json:"author"`
}

// UserRecord is the data we index for a user.
type UserRecord struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}
