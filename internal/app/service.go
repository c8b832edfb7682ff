package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"witverse/api/internal/auth"
	"witverse/api/internal/authpw"
	"witverse/api/internal/config"
	"witverse/api/internal/email"
	"witverse/api/internal/media"
	"witverse/api/internal/search"
	"witverse/api/internal/store"
	"witverse/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

type RegisterInput struct {
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Email     string `json:"email"`
}

type UpdateProfileInput struct {
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
}

type QuoteInput struct {
	Text    string   `json:"text"`
	Tags    []string `json:"tags"`
	Emotion string   `json:"emotion"`
}

type CommentInput struct {
	Text string `json:"text"`
}

// FeedPage is one page of the quote feed plus the cursor for the next page.
// NextCursor is zero when the feed is exhausted.
type FeedPage struct {
	Quotes     []QuoteView `json:"quotes"`
	NextCursor int64       `json:"nextCursor"`
}

// UserPage is one page of the user discovery feed.
type UserPage struct {
	Users      []UserView `json:"users"`
	NextCursor int64      `json:"nextCursor"`
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	UsernameTaken(context.Context, string, string) (bool, error)
	UpdateUserProfile(context.Context, string, string, string, string) error
	UpdateUserImage(context.Context, string, string) error
	UpdateUserPassword(context.Context, string, string) error
	DeleteUser(context.Context, string) (bool, error)
	DeleteAllUsers(context.Context) (int64, error)
	ListUsersPage(context.Context, int64, int) ([]store.User, error)
	ListUsersByIDs(context.Context, []string) ([]store.User, error)
	SuggestUsers(context.Context, []string, int) ([]store.User, error)
	EstablishFollow(context.Context, string, string) error
	RemoveFollow(context.Context, string, string) error
	CreateQuote(context.Context, store.Quote) error
	GetQuote(context.Context, string) (store.Quote, error)
	UpdateQuote(context.Context, string, string, []string, string) error
	DeleteQuote(context.Context, string) (bool, error)
	DeleteAllQuotes(context.Context) (int64, error)
	ListQuotes(context.Context, store.QuoteFilter) ([]store.Quote, error)
	FeedPage(context.Context, string, int64, int) ([]store.Quote, error)
	SavedQuotes(context.Context, string) ([]store.Quote, error)
	AddQuoteLike(context.Context, string, string) error
	RemoveQuoteLike(context.Context, string, string) error
	AddCommentLike(context.Context, string, string) error
	RemoveCommentLike(context.Context, string, string) error
	SaveQuote(context.Context, string, string) error
	UnsaveQuote(context.Context, string, string) error
	ClearSaved(context.Context, string) (int64, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ListCommentsForQuotes(context.Context, []string) (map[string][]store.Comment, error)
	UpdateComment(context.Context, string, string, string) (bool, error)
	DeleteComment(context.Context, string, string) (bool, error)
	ClearComments(context.Context, string) (int64, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Redis when configured, otherwise the
// primary database.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type credentialService interface {
	Register(context.Context, authpw.RegisterRequest) (*authpw.RegisterResult, error)
	SignIn(context.Context, string, string) (store.User, error)
	ChangePassword(context.Context, string, string, string) error
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexQuote(search.QuoteRecord)
	IndexUser(search.UserRecord)
	DeleteQuote(string)
	DeleteUser(string)
}

type mailer interface {
	IsConfigured() bool
	SendWelcomeEmail(string, string, string) error
}

type mediaStore interface {
	UploadDisplayImage(context.Context, []byte, string) (string, error)
	RemoveDisplayImage(context.Context, string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	creds    credentialService
	mail     mailer
	search   searchIndex
	media    mediaStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, mail *email.Service, searchSvc *search.Service, mediaStore *media.Store) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		creds:    authpw.NewService(dataStore),
	}
	if sessions != nil {
		s.sessions = sessions
	}
	if mail != nil {
		s.mail = mail
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if mediaStore != nil {
		s.media = mediaStore
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Identity

// Register creates an account with a generated temporary password and mails
// it to the new user. The temp password is returned only when no mailer is
// configured, so local setups can still sign in.
func (s *Service) Register(ctx context.Context, input RegisterInput) (UserView, string, error) {
	result, err := s.creds.Register(ctx, authpw.RegisterRequest{
		Username:  input.Username,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Email:     input.Email,
	})
	if errors.Is(err, authpw.ErrUsernameTaken) {
		return UserView{}, "", conflict("username already exists")
	}
	if errors.Is(err, authpw.ErrMissingFields) {
		return UserView{}, "", validationError(err.Error())
	}
	if err != nil {
		return UserView{}, "", err
	}

	user := result.User
	devPassword := ""
	if s.mail != nil && s.mail.IsConfigured() {
		if err := s.mail.SendWelcomeEmail(user.Email, user.Username, result.TempPassword); err != nil {
			log.Printf("app: welcome mail for %s failed: %v", user.ID, err)
			devPassword = result.TempPassword
		}
	} else {
		devPassword = result.TempPassword
	}

	if s.search != nil {
		s.search.IndexUser(search.UserRecord{
			ID:        user.ID,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
		})
	}

	return projectUser(user, user), devPassword, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.creds.SignIn(ctx, username, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	sessionUser, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, sessionUser.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, user.IsAdmin, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		Username:  claims.Username,
		IsAdmin:   claims.Admin,
		JTI:       claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	err := s.creds.ChangePassword(ctx, session.Username, current, next)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password", nil)
	}
	if errors.Is(err, authpw.ErrWeakPassword) {
		return validationError(err.Error())
	}
	return err
}

// Users

func (s *Service) GetUser(ctx context.Context, viewerID, userID string) (UserView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return UserView{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserView{}, notFound("user not found")
	}
	if err != nil {
		return UserView{}, err
	}
	return projectUser(user, viewer), nil
}

// UserFeed pages through all users in ascending registration order.
func (s *Service) UserFeed(ctx context.Context, viewerID string, cursor int64, limit int) (UserPage, error) {
	limit = clampLimit(limit)
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return UserPage{}, err
	}
	users, err := s.store.ListUsersPage(ctx, cursor, limit)
	if err != nil {
		return UserPage{}, err
	}

	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, projectUser(user, viewer))
	}

	page := UserPage{Users: views}
	if len(users) == limit {
		page.NextCursor = users[len(users)-1].Seq
	}
	return page, nil
}

// SuggestUsers returns accounts the viewer does not follow yet.
func (s *Service) SuggestUsers(ctx context.Context, viewerID string, size int) ([]UserView, error) {
	size = clampLimit(size)
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	exclude := append([]string{viewer.ID}, viewer.Following...)
	users, err := s.store.SuggestUsers(ctx, exclude, size)
	if err != nil {
		return nil, err
	}

	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, projectUser(user, viewer))
	}
	return views, nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, userID string, input UpdateProfileInput) (UserView, error) {
	if !util.SameID(userID, session.UserID) && !session.IsAdmin {
		return UserView{}, forbidden()
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserView{}, notFound("user not found")
	}
	if err != nil {
		return UserView{}, err
	}

	username := strings.TrimSpace(input.Username)
	if username == "" {
		username = user.Username
	}
	firstName := strings.TrimSpace(input.FirstName)
	if firstName == "" {
		firstName = user.FirstName
	}
	lastName := strings.TrimSpace(input.LastName)
	if lastName == "" {
		lastName = user.LastName
	}

	if username != user.Username {
		taken, err := s.store.UsernameTaken(ctx, username, userID)
		if err != nil {
			return UserView{}, err
		}
		if taken {
			return UserView{}, conflict("username already exists")
		}
	}

	if err := s.store.UpdateUserProfile(ctx, userID, username, firstName, lastName); err != nil {
		if store.IsDuplicate(err) {
			return UserView{}, conflict("username already exists")
		}
		return UserView{}, err
	}

	if s.search != nil {
		s.search.IndexUser(search.UserRecord{
			ID:        userID,
			Username:  username,
			FirstName: firstName,
			LastName:  lastName,
		})
	}

	return s.GetUser(ctx, session.UserID, userID)
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if !util.SameID(userID, session.UserID) && !session.IsAdmin {
		return forbidden()
	}
	deleted, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return notFound("user not found")
	}
	if s.search != nil {
		s.search.DeleteUser(userID)
	}
	return nil
}

func (s *Service) DeleteAllUsers(ctx context.Context, session Session) (store.OpSummary, error) {
	if !session.IsAdmin {
		return store.OpSummary{}, forbidden()
	}
	count, err := s.store.DeleteAllUsers(ctx)
	if err != nil {
		return store.OpSummary{}, err
	}
	return store.OpSummary{Success: true, DeletedCount: count}, nil
}

// SetDisplayImage uploads a new profile image and swaps the old one out.
func (s *Service) SetDisplayImage(ctx context.Context, session Session, data []byte, contentType string) (UserView, error) {
	if s.media == nil {
		return UserView{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "media storage not configured", nil)
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return UserView{}, err
	}

	path, err := s.media.UploadDisplayImage(ctx, data, contentType)
	if err != nil {
		return UserView{}, validationError(err.Error())
	}
	if err := s.store.UpdateUserImage(ctx, session.UserID, path); err != nil {
		return UserView{}, err
	}
	if err := s.media.RemoveDisplayImage(ctx, user.DisplayImage); err != nil {
		log.Printf("app: remove old display image for %s: %v", session.UserID, err)
	}

	return s.GetUser(ctx, session.UserID, session.UserID)
}

// ClearDisplayImage drops the uploaded image and restores the default.
func (s *Service) ClearDisplayImage(ctx context.Context, session Session) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return UserView{}, err
	}
	if err := s.store.UpdateUserImage(ctx, session.UserID, media.DefaultDisplayImage); err != nil {
		return UserView{}, err
	}
	if s.media != nil {
		if err := s.media.RemoveDisplayImage(ctx, user.DisplayImage); err != nil {
			log.Printf("app: remove display image for %s: %v", session.UserID, err)
		}
	}
	return s.GetUser(ctx, session.UserID, session.UserID)
}

// Social graph

func (s *Service) Follow(ctx context.Context, viewerID, targetID string) (UserView, error) {
	if util.SameID(viewerID, targetID) {
		return UserView{}, validationError("cannot follow yourself")
	}
	if _, err := s.store.GetUserByID(ctx, targetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserView{}, notFound("user not found")
		}
		return UserView{}, err
	}
	if err := s.store.EstablishFollow(ctx, viewerID, targetID); err != nil {
		return UserView{}, err
	}
	return s.GetUser(ctx, viewerID, targetID)
}

func (s *Service) Unfollow(ctx context.Context, viewerID, targetID string) (UserView, error) {
	if util.SameID(viewerID, targetID) {
		return UserView{}, validationError("cannot unfollow yourself")
	}
	if _, err := s.store.GetUserByID(ctx, targetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserView{}, notFound("user not found")
		}
		return UserView{}, err
	}
	if err := s.store.RemoveFollow(ctx, viewerID, targetID); err != nil {
		return UserView{}, err
	}
	return s.GetUser(ctx, viewerID, targetID)
}

func (s *Service) Followers(ctx context.Context, viewerID, userID string) ([]UserView, error) {
	return s.relatedUsers(ctx, viewerID, userID, false)
}

func (s *Service) Following(ctx context.Context, viewerID, userID string) ([]UserView, error) {
	return s.relatedUsers(ctx, viewerID, userID, true)
}

func (s *Service) relatedUsers(ctx context.Context, viewerID, userID string, following bool) ([]UserView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	user := viewer
	if !util.SameID(userID, viewerID) {
		user, err = s.store.GetUserByID(ctx, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user not found")
		}
		if err != nil {
			return nil, err
		}
	}

	ids := user.Followers
	if following {
		ids = user.Following
	}
	users, err := s.store.ListUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, projectUser(u, viewer))
	}
	return views, nil
}

// Quotes

func (s *Service) CreateQuote(ctx context.Context, viewerID string, input QuoteInput) (QuoteView, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return QuoteView{}, validationError("text is required")
	}

	quote := store.Quote{
		ID:       util.NewID("qte"),
		AuthorID: viewerID,
		Text:     text,
		Tags:     normalizeTags(input.Tags),
		Emotion:  strings.TrimSpace(input.Emotion),
	}
	if err := s.store.CreateQuote(ctx, quote); err != nil {
		return QuoteView{}, err
	}

	if s.search != nil {
		s.search.IndexQuote(search.QuoteRecord{
			ID:      quote.ID,
			Body:    quote.Text,
			Emotion: quote.Emotion,
			Author:  quote.AuthorID,
		})
	}

	return s.GetQuote(ctx, viewerID, quote.ID)
}

const guestPageLimit = 10

// GuestQuotes serves the unauthenticated preview: the newest quotes, capped
// at a small page, projected with no viewer so every relative flag is false.
func (s *Service) GuestQuotes(ctx context.Context, limit int) ([]QuoteView, error) {
	if limit <= 0 || limit > guestPageLimit {
		limit = guestPageLimit
	}
	quotes, err := s.store.ListQuotes(ctx, store.QuoteFilter{})
	if err != nil {
		return nil, err
	}
	if len(quotes) > limit {
		quotes = quotes[:limit]
	}
	return s.projectQuotes(ctx, store.User{}, quotes)
}

func (s *Service) GetQuote(ctx context.Context, viewerID, quoteID string) (QuoteView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return QuoteView{}, err
	}
	quote, err := s.store.GetQuote(ctx, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return QuoteView{}, notFound("quote not found")
	}
	if err != nil {
		return QuoteView{}, err
	}

	views, err := s.projectQuotes(ctx, viewer, []store.Quote{quote})
	if err != nil {
		return QuoteView{}, err
	}
	return views[0], nil
}

func (s *Service) ListQuotes(ctx context.Context, viewerID string, filter store.QuoteFilter) ([]QuoteView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	quotes, err := s.store.ListQuotes(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.projectQuotes(ctx, viewer, quotes)
}

func (s *Service) UpdateQuote(ctx context.Context, session Session, quoteID string, input QuoteInput) (QuoteView, error) {
	quote, err := s.store.GetQuote(ctx, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return QuoteView{}, notFound("quote not found")
	}
	if err != nil {
		return QuoteView{}, err
	}
	if !util.SameID(quote.AuthorID, session.UserID) {
		return QuoteView{}, forbidden()
	}

	// partial update: omitted fields keep their stored value
	text := strings.TrimSpace(input.Text)
	if text == "" {
		text = quote.Text
	}
	emotion := strings.TrimSpace(input.Emotion)
	if emotion == "" {
		emotion = quote.Emotion
	}
	tags := input.Tags
	if tags == nil {
		tags = quote.Tags
	}

	if err := s.store.UpdateQuote(ctx, quoteID, text, normalizeTags(tags), emotion); err != nil {
		return QuoteView{}, err
	}

	if s.search != nil {
		s.search.IndexQuote(search.QuoteRecord{
			ID:      quoteID,
			Body:    text,
			Emotion: emotion,
			Author:  quote.AuthorID,
		})
	}

	return s.GetQuote(ctx, session.UserID, quoteID)
}

func (s *Service) DeleteQuote(ctx context.Context, session Session, quoteID string) error {
	quote, err := s.store.GetQuote(ctx, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("quote not found")
	}
	if err != nil {
		return err
	}
	if !util.SameID(quote.AuthorID, session.UserID) && !session.IsAdmin {
		return forbidden()
	}
	if _, err := s.store.DeleteQuote(ctx, quoteID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteQuote(quoteID)
	}
	return nil
}

func (s *Service) DeleteAllQuotes(ctx context.Context, session Session) (store.OpSummary, error) {
	if !session.IsAdmin {
		return store.OpSummary{}, forbidden()
	}
	count, err := s.store.DeleteAllQuotes(ctx)
	if err != nil {
		return store.OpSummary{}, err
	}
	return store.OpSummary{Success: true, DeletedCount: count}, nil
}

func (s *Service) SavedQuotes(ctx context.Context, viewerID string) ([]QuoteView, error) {
	return s.SavedByUser(ctx, viewerID, viewerID)
}

// SavedByUser lists the quotes another user has saved, projected for the
// viewer.
func (s *Service) SavedByUser(ctx context.Context, viewerID, userID string) ([]QuoteView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if !util.SameID(userID, viewerID) {
		if _, err := s.store.GetUserByID(ctx, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, notFound("user not found")
			}
			return nil, err
		}
	}
	quotes, err := s.store.SavedQuotes(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.projectQuotes(ctx, viewer, quotes)
}

// QuoteLikers lists the accounts that liked a quote.
func (s *Service) QuoteLikers(ctx context.Context, viewerID, quoteID string) ([]UserView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	quote, err := s.store.GetQuote(ctx, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("quote not found")
	}
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsersByIDs(ctx, quote.Likes)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, projectUser(u, viewer))
	}
	return views, nil
}

// Comments

func (s *Service) AddComment(ctx context.Context, viewerID, quoteID string, input CommentInput) (CommentView, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return CommentView{}, validationError("text is required")
	}
	if _, err := s.store.GetQuote(ctx, quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, notFound("quote not found")
		}
		return CommentView{}, err
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		QuoteID:  quoteID,
		AuthorID: viewerID,
		Text:     text,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return CommentView{}, err
	}
	return s.getCommentView(ctx, viewerID, quoteID, comment.ID)
}

func (s *Service) ListComments(ctx context.Context, viewerID, quoteID string) ([]CommentView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetQuote(ctx, quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("quote not found")
		}
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	authors, err := s.usersByID(ctx, commentAuthorIDs(comments))
	if err != nil {
		return nil, err
	}

	views := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, projectComment(c, authors[c.AuthorID], viewer))
	}
	return views, nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, quoteID, commentID, text string) (CommentView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return CommentView{}, validationError("text is required")
	}
	comment, err := s.store.GetComment(ctx, quoteID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return CommentView{}, notFound("comment not found")
	}
	if err != nil {
		return CommentView{}, err
	}
	if !util.SameID(comment.AuthorID, session.UserID) {
		return CommentView{}, forbidden()
	}
	if _, err := s.store.UpdateComment(ctx, quoteID, commentID, text); err != nil {
		return CommentView{}, err
	}
	return s.getCommentView(ctx, session.UserID, quoteID, commentID)
}

func (s *Service) DeleteComment(ctx context.Context, session Session, quoteID, commentID string) error {
	comment, err := s.store.GetComment(ctx, quoteID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("comment not found")
	}
	if err != nil {
		return err
	}
	if !util.SameID(comment.AuthorID, session.UserID) && !session.IsAdmin {
		return forbidden()
	}
	if _, err := s.store.DeleteComment(ctx, quoteID, commentID); err != nil {
		return err
	}
	return nil
}

// ClearComments deletes every comment under a quote. Only the quote's
// author or an admin may do this.
// ClearComments wipes every comment on a quote. Administrative only; quote
// authors moderate individual comments through DeleteComment.
func (s *Service) ClearComments(ctx context.Context, session Session, quoteID string) (store.OpSummary, error) {
	if !session.IsAdmin {
		return store.OpSummary{}, forbidden()
	}
	if _, err := s.store.GetQuote(ctx, quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.OpSummary{}, notFound("quote not found")
		}
		return store.OpSummary{}, err
	}
	count, err := s.store.ClearComments(ctx, quoteID)
	if err != nil {
		return store.OpSummary{}, err
	}
	return store.OpSummary{Success: true, DeletedCount: count}, nil
}

// Engagement

func (s *Service) LikeQuote(ctx context.Context, viewerID, quoteID string) (QuoteView, error) {
	if err := s.ensureQuote(ctx, quoteID); err != nil {
		return QuoteView{}, err
	}
	if err := s.store.AddQuoteLike(ctx, quoteID, viewerID); err != nil {
		return QuoteView{}, err
	}
	return s.GetQuote(ctx, viewerID, quoteID)
}

func (s *Service) UnlikeQuote(ctx context.Context, viewerID, quoteID string) (QuoteView, error) {
	if err := s.ensureQuote(ctx, quoteID); err != nil {
		return QuoteView{}, err
	}
	if err := s.store.RemoveQuoteLike(ctx, quoteID, viewerID); err != nil {
		return QuoteView{}, err
	}
	return s.GetQuote(ctx, viewerID, quoteID)
}

func (s *Service) LikeComment(ctx context.Context, viewerID, quoteID, commentID string) (CommentView, error) {
	if _, err := s.store.GetComment(ctx, quoteID, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, notFound("comment not found")
		}
		return CommentView{}, err
	}
	if err := s.store.AddCommentLike(ctx, commentID, viewerID); err != nil {
		return CommentView{}, err
	}
	return s.getCommentView(ctx, viewerID, quoteID, commentID)
}

func (s *Service) UnlikeComment(ctx context.Context, viewerID, quoteID, commentID string) (CommentView, error) {
	if _, err := s.store.GetComment(ctx, quoteID, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, notFound("comment not found")
		}
		return CommentView{}, err
	}
	if err := s.store.RemoveCommentLike(ctx, commentID, viewerID); err != nil {
		return CommentView{}, err
	}
	return s.getCommentView(ctx, viewerID, quoteID, commentID)
}

func (s *Service) Save(ctx context.Context, viewerID, quoteID string) (QuoteView, error) {
	if err := s.ensureQuote(ctx, quoteID); err != nil {
		return QuoteView{}, err
	}
	if err := s.store.SaveQuote(ctx, viewerID, quoteID); err != nil {
		return QuoteView{}, err
	}
	return s.GetQuote(ctx, viewerID, quoteID)
}

func (s *Service) Unsave(ctx context.Context, viewerID, quoteID string) (QuoteView, error) {
	if err := s.ensureQuote(ctx, quoteID); err != nil {
		return QuoteView{}, err
	}
	if err := s.store.UnsaveQuote(ctx, viewerID, quoteID); err != nil {
		return QuoteView{}, err
	}
	return s.GetQuote(ctx, viewerID, quoteID)
}

func (s *Service) ClearSaved(ctx context.Context, viewerID string) (store.OpSummary, error) {
	count, err := s.store.ClearSaved(ctx, viewerID)
	if err != nil {
		return store.OpSummary{}, err
	}
	return store.OpSummary{Success: true, DeletedCount: count}, nil
}

// Feed

// Feed returns one page of quotes by the viewer and everyone they follow,
// newest first. A zero cursor means the first page; a cursor that has aged
// out just yields the page after the remaining quotes.
func (s *Service) Feed(ctx context.Context, viewerID string, cursor int64, limit int) (FeedPage, error) {
	limit = clampLimit(limit)
	if cursor < 0 {
		return FeedPage{}, validationError("cursor must not be negative")
	}
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return FeedPage{}, err
	}
	quotes, err := s.store.FeedPage(ctx, viewerID, cursor, limit)
	if err != nil {
		return FeedPage{}, err
	}

	views, err := s.projectQuotes(ctx, viewer, quotes)
	if err != nil {
		return FeedPage{}, err
	}

	page := FeedPage{Quotes: views}
	if len(quotes) == limit {
		page.NextCursor = quotes[len(quotes)-1].Seq
	}
	return page, nil
}

// Search

func (s *Service) Search(ctx context.Context, viewerID, text string, filterType search.ResultType, limit, offset int) (search.Response, error) {
	if _, err := s.store.GetUserByID(ctx, viewerID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: filterType,
		Limit:      clampLimit(limit),
		Offset:     offset,
	}), nil
}

// helpers

func (s *Service) ensureQuote(ctx context.Context, quoteID string) error {
	if _, err := s.store.GetQuote(ctx, quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("quote not found")
		}
		return err
	}
	return nil
}

func (s *Service) getCommentView(ctx context.Context, viewerID, quoteID, commentID string) (CommentView, error) {
	viewer, err := s.store.GetUserByID(ctx, viewerID)
	if err != nil {
		return CommentView{}, err
	}
	comment, err := s.store.GetComment(ctx, quoteID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return CommentView{}, notFound("comment not found")
	}
	if err != nil {
		return CommentView{}, err
	}
	author, err := s.store.GetUserByID(ctx, comment.AuthorID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CommentView{}, err
	}
	return projectComment(comment, author, viewer), nil
}

// projectQuotes shapes a batch of quotes with their comments and authors
// preloaded, so a page costs a fixed number of queries.
func (s *Service) projectQuotes(ctx context.Context, viewer store.User, quotes []store.Quote) ([]QuoteView, error) {
	quoteIDs := make([]string, 0, len(quotes))
	for _, q := range quotes {
		quoteIDs = append(quoteIDs, q.ID)
	}

	commentsByQuote := map[string][]store.Comment{}
	if len(quoteIDs) > 0 {
		var err error
		commentsByQuote, err = s.store.ListCommentsForQuotes(ctx, quoteIDs)
		if err != nil {
			return nil, err
		}
	}

	authorIDs := make([]string, 0, len(quotes))
	for _, q := range quotes {
		authorIDs = append(authorIDs, q.AuthorID)
	}
	for _, comments := range commentsByQuote {
		authorIDs = append(authorIDs, commentAuthorIDs(comments)...)
	}

	authors, err := s.usersByID(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	views := make([]QuoteView, 0, len(quotes))
	for _, q := range quotes {
		views = append(views, projectQuote(q, authors[q.AuthorID], commentsByQuote[q.ID], authors, viewer))
	}
	return views, nil
}

func (s *Service) usersByID(ctx context.Context, ids []string) (map[string]store.User, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	byID := make(map[string]store.User, len(unique))
	if len(unique) == 0 {
		return byID, nil
	}
	users, err := s.store.ListUsersByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}

func commentAuthorIDs(comments []store.Comment) []string {
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		ids = append(ids, c.AuthorID)
	}
	return ids
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
