package store

import "time"

type User struct {
	ID           string
	Seq          int64
	Username     string
	FirstName    string
	LastName     string
	Email        string
	DisplayImage string
	IsAdmin      bool
	PasswordHash string
	Following    []string
	Followers    []string
	Saved        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Quote struct {
	ID        string
	Seq       int64
	AuthorID  string
	Text      string
	Tags      []string
	Emotion   string
	Likes     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is an embedded entity: it exists only inside its quote's comment
// list and has no persistence lifecycle independent of the parent.
type Comment struct {
	ID        string
	QuoteID   string
	Seq       int64
	AuthorID  string
	Text      string
	Likes     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OpSummary reports the outcome of a bulk operation.
type OpSummary struct {
	Success      bool  `json:"success"`
	DeletedCount int64 `json:"deletedCount"`
}

type QuoteFilter struct {
	AuthorID string
	Emotion  string
	Tag      string
}
