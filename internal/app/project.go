package app

import (
	"time"

	"witverse/api/internal/store"
	"witverse/api/internal/util"
)

// Views are shaped relative to the viewer: every flag (isMe, isFollowed,
// isLiked, isSaved, isOwned) is computed against the account making the
// request, by id value.

type UserView struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FirstName    string    `json:"firstname"`
	LastName     string    `json:"lastname"`
	DisplayImage string    `json:"displayImage"`
	Following    []string  `json:"following"`
	Followers    []string  `json:"followers"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	IsFollowed   bool      `json:"isFollowed"`
	IsMe         bool      `json:"isMe"`
}

type QuoteView struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Tags      []string      `json:"tags"`
	Emotion   string        `json:"emotion"`
	Author    UserView      `json:"author"`
	Likes     []string      `json:"likes"`
	Comments  []CommentView `json:"comments"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	IsLiked   bool          `json:"isLiked"`
	IsSaved   bool          `json:"isSaved"`
	IsOwned   bool          `json:"isOwned"`
}

type CommentView struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    UserView  `json:"author"`
	Likes     []string  `json:"likes"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsLiked   bool      `json:"isLiked"`
	IsOwned   bool      `json:"isOwned"`
}

func projectUser(u store.User, viewer store.User) UserView {
	return UserView{
		ID:           u.ID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		DisplayImage: u.DisplayImage,
		Following:    nonNilIDs(u.Following),
		Followers:    nonNilIDs(u.Followers),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		IsFollowed:   containsID(viewer.Following, u.ID),
		IsMe:         util.SameID(u.ID, viewer.ID),
	}
}

func projectQuote(q store.Quote, author store.User, comments []store.Comment, authors map[string]store.User, viewer store.User) QuoteView {
	commentViews := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		commentViews = append(commentViews, projectComment(c, authors[c.AuthorID], viewer))
	}
	return QuoteView{
		ID:        q.ID,
		Text:      q.Text,
		Tags:      nonNilIDs(q.Tags),
		Emotion:   q.Emotion,
		Author:    projectUser(author, viewer),
		Likes:     nonNilIDs(q.Likes),
		Comments:  commentViews,
		CreatedAt: q.CreatedAt,
		UpdatedAt: q.UpdatedAt,
		IsLiked:   containsID(q.Likes, viewer.ID),
		IsSaved:   containsID(viewer.Saved, q.ID),
		IsOwned:   util.SameID(q.AuthorID, viewer.ID),
	}
}

func projectComment(c store.Comment, author store.User, viewer store.User) CommentView {
	return CommentView{
		ID:        c.ID,
		Text:      c.Text,
		Author:    projectUser(author, viewer),
		Likes:     nonNilIDs(c.Likes),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		IsLiked:   containsID(c.Likes, viewer.ID),
		IsOwned:   util.SameID(c.AuthorID, viewer.ID),
	}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if util.SameID(candidate, id) {
			return true
		}
	}
	return false
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
