package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"witverse/api/internal/authpw"
	"witverse/api/internal/config"
	"witverse/api/internal/store"
)

// fakeStore is an in-memory dataStore. Relations live in edge sets the same
// way the SQL schema keeps them, so derived id lists cannot diverge.
type fakeStore struct {
	seq          int64
	users        map[string]store.User
	follows      map[[2]string]bool
	quotes       map[string]store.Quote
	quoteLikes   map[string]map[string]bool
	comments     map[string]store.Comment
	commentLikes map[string]map[string]bool
	saved        map[[2]string]bool
	sessions     map[string]string // token hash -> user id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]store.User),
		follows:      make(map[[2]string]bool),
		quotes:       make(map[string]store.Quote),
		quoteLikes:   make(map[string]map[string]bool),
		comments:     make(map[string]store.Comment),
		commentLikes: make(map[string]map[string]bool),
		saved:        make(map[[2]string]bool),
		sessions:     make(map[string]string),
	}
}

func (f *fakeStore) nextSeq() int64 {
	f.seq++
	return f.seq
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	for _, existing := range f.users {
		if existing.Username == user.Username {
			return &pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"}
		}
	}
	user.Seq = f.nextSeq()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) hydrateUser(user store.User) store.User {
	user.Following = nil
	user.Followers = nil
	user.Saved = nil
	for edge := range f.follows {
		if edge[0] == user.ID {
			user.Following = append(user.Following, edge[1])
		}
		if edge[1] == user.ID {
			user.Followers = append(user.Followers, edge[0])
		}
	}
	for key := range f.saved {
		if key[0] == user.ID {
			user.Saved = append(user.Saved, key[1])
		}
	}
	sort.Strings(user.Following)
	sort.Strings(user.Followers)
	sort.Strings(user.Saved)
	return user
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.hydrateUser(user), nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	for _, user := range f.users {
		if user.Username == username {
			return f.hydrateUser(user), nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UsernameTaken(_ context.Context, username, excludeUserID string) (bool, error) {
	for _, user := range f.users {
		if user.Username == username && user.ID != excludeUserID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateUserProfile(_ context.Context, userID, username, firstName, lastName string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Username = username
	user.FirstName = firstName
	user.LastName = lastName
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateUserImage(_ context.Context, userID, imagePath string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.DisplayImage = imagePath
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, userID string) (bool, error) {
	if _, ok := f.users[userID]; !ok {
		return false, nil
	}
	delete(f.users, userID)
	for edge := range f.follows {
		if edge[0] == userID || edge[1] == userID {
			delete(f.follows, edge)
		}
	}
	return true, nil
}

func (f *fakeStore) DeleteAllUsers(_ context.Context) (int64, error) {
	var count int64
	for id, user := range f.users {
		if user.IsAdmin {
			continue
		}
		delete(f.users, id)
		count++
	}
	return count, nil
}

func (f *fakeStore) sortedUsers() []store.User {
	users := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		users = append(users, f.hydrateUser(user))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Seq < users[j].Seq })
	return users
}

func (f *fakeStore) ListUsersPage(_ context.Context, cursor int64, limit int) ([]store.User, error) {
	var page []store.User
	for _, user := range f.sortedUsers() {
		if user.Seq <= cursor {
			continue
		}
		page = append(page, user)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeStore) ListUsersByIDs(_ context.Context, userIDs []string) ([]store.User, error) {
	var users []store.User
	for _, id := range userIDs {
		if user, ok := f.users[id]; ok {
			users = append(users, f.hydrateUser(user))
		}
	}
	return users, nil
}

func (f *fakeStore) SuggestUsers(_ context.Context, excludeIDs []string, size int) ([]store.User, error) {
	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}
	var users []store.User
	for _, user := range f.sortedUsers() {
		if excluded[user.ID] {
			continue
		}
		users = append(users, user)
		if len(users) == size {
			break
		}
	}
	return users, nil
}

func (f *fakeStore) EstablishFollow(_ context.Context, followerID, followeeID string) error {
	f.follows[[2]string{followerID, followeeID}] = true
	return nil
}

func (f *fakeStore) RemoveFollow(_ context.Context, followerID, followeeID string) error {
	delete(f.follows, [2]string{followerID, followeeID})
	return nil
}

func (f *fakeStore) CreateQuote(_ context.Context, quote store.Quote) error {
	quote.Seq = f.nextSeq()
	if quote.Emotion == "" {
		quote.Emotion = "neutral"
	}
	f.quotes[quote.ID] = quote
	return nil
}

func (f *fakeStore) hydrateQuote(quote store.Quote) store.Quote {
	quote.Likes = nil
	for userID := range f.quoteLikes[quote.ID] {
		quote.Likes = append(quote.Likes, userID)
	}
	sort.Strings(quote.Likes)
	return quote
}

func (f *fakeStore) GetQuote(_ context.Context, quoteID string) (store.Quote, error) {
	quote, ok := f.quotes[quoteID]
	if !ok {
		return store.Quote{}, sql.ErrNoRows
	}
	return f.hydrateQuote(quote), nil
}

func (f *fakeStore) UpdateQuote(_ context.Context, quoteID, text string, tags []string, emotion string) error {
	quote, ok := f.quotes[quoteID]
	if !ok {
		return sql.ErrNoRows
	}
	quote.Text = text
	quote.Tags = tags
	quote.Emotion = emotion
	f.quotes[quoteID] = quote
	return nil
}

func (f *fakeStore) DeleteQuote(_ context.Context, quoteID string) (bool, error) {
	if _, ok := f.quotes[quoteID]; !ok {
		return false, nil
	}
	delete(f.quotes, quoteID)
	delete(f.quoteLikes, quoteID)
	for id, comment := range f.comments {
		if comment.QuoteID == quoteID {
			delete(f.comments, id)
		}
	}
	for key := range f.saved {
		if key[1] == quoteID {
			delete(f.saved, key)
		}
	}
	return true, nil
}

func (f *fakeStore) DeleteAllQuotes(_ context.Context) (int64, error) {
	count := int64(len(f.quotes))
	f.quotes = make(map[string]store.Quote)
	return count, nil
}

func (f *fakeStore) sortedQuotesDesc() []store.Quote {
	quotes := make([]store.Quote, 0, len(f.quotes))
	for _, quote := range f.quotes {
		quotes = append(quotes, f.hydrateQuote(quote))
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Seq > quotes[j].Seq })
	return quotes
}

func (f *fakeStore) ListQuotes(_ context.Context, filter store.QuoteFilter) ([]store.Quote, error) {
	var quotes []store.Quote
	for _, quote := range f.sortedQuotesDesc() {
		if filter.AuthorID != "" && quote.AuthorID != filter.AuthorID {
			continue
		}
		if filter.Emotion != "" && quote.Emotion != filter.Emotion {
			continue
		}
		quotes = append(quotes, quote)
	}
	return quotes, nil
}

func (f *fakeStore) FeedPage(_ context.Context, viewerID string, cursor int64, limit int) ([]store.Quote, error) {
	var page []store.Quote
	for _, quote := range f.sortedQuotesDesc() {
		if cursor != 0 && quote.Seq >= cursor {
			continue
		}
		if quote.AuthorID != viewerID && !f.follows[[2]string{viewerID, quote.AuthorID}] {
			continue
		}
		page = append(page, quote)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeStore) SavedQuotes(_ context.Context, userID string) ([]store.Quote, error) {
	var quotes []store.Quote
	for _, quote := range f.sortedQuotesDesc() {
		if f.saved[[2]string{userID, quote.ID}] {
			quotes = append(quotes, quote)
		}
	}
	return quotes, nil
}

func (f *fakeStore) AddQuoteLike(_ context.Context, quoteID, userID string) error {
	if f.quoteLikes[quoteID] == nil {
		f.quoteLikes[quoteID] = make(map[string]bool)
	}
	f.quoteLikes[quoteID][userID] = true
	return nil
}

func (f *fakeStore) RemoveQuoteLike(_ context.Context, quoteID, userID string) error {
	delete(f.quoteLikes[quoteID], userID)
	return nil
}

func (f *fakeStore) AddCommentLike(_ context.Context, commentID, userID string) error {
	if f.commentLikes[commentID] == nil {
		f.commentLikes[commentID] = make(map[string]bool)
	}
	f.commentLikes[commentID][userID] = true
	return nil
}

func (f *fakeStore) RemoveCommentLike(_ context.Context, commentID, userID string) error {
	delete(f.commentLikes[commentID], userID)
	return nil
}

func (f *fakeStore) SaveQuote(_ context.Context, userID, quoteID string) error {
	f.saved[[2]string{userID, quoteID}] = true
	return nil
}

func (f *fakeStore) UnsaveQuote(_ context.Context, userID, quoteID string) error {
	delete(f.saved, [2]string{userID, quoteID})
	return nil
}

func (f *fakeStore) ClearSaved(_ context.Context, userID string) (int64, error) {
	var count int64
	for key := range f.saved {
		if key[0] == userID {
			delete(f.saved, key)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) InsertComment(_ context.Context, comment store.Comment) error {
	comment.Seq = f.nextSeq()
	f.comments[comment.ID] = comment
	return nil
}

func (f *fakeStore) hydrateComment(comment store.Comment) store.Comment {
	comment.Likes = nil
	for userID := range f.commentLikes[comment.ID] {
		comment.Likes = append(comment.Likes, userID)
	}
	sort.Strings(comment.Likes)
	return comment
}

func (f *fakeStore) GetComment(_ context.Context, quoteID, commentID string) (store.Comment, error) {
	comment, ok := f.comments[commentID]
	if !ok || comment.QuoteID != quoteID {
		return store.Comment{}, sql.ErrNoRows
	}
	return f.hydrateComment(comment), nil
}

func (f *fakeStore) ListComments(_ context.Context, quoteID string) ([]store.Comment, error) {
	var comments []store.Comment
	for _, comment := range f.comments {
		if comment.QuoteID == quoteID {
			comments = append(comments, f.hydrateComment(comment))
		}
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].Seq < comments[j].Seq })
	return comments, nil
}

func (f *fakeStore) ListCommentsForQuotes(ctx context.Context, quoteIDs []string) (map[string][]store.Comment, error) {
	byQuote := make(map[string][]store.Comment)
	for _, quoteID := range quoteIDs {
		comments, _ := f.ListComments(ctx, quoteID)
		if len(comments) > 0 {
			byQuote[quoteID] = comments
		}
	}
	return byQuote, nil
}

func (f *fakeStore) UpdateComment(_ context.Context, quoteID, commentID, text string) (bool, error) {
	comment, ok := f.comments[commentID]
	if !ok || comment.QuoteID != quoteID {
		return false, nil
	}
	comment.Text = text
	f.comments[commentID] = comment
	return true, nil
}

func (f *fakeStore) DeleteComment(_ context.Context, quoteID, commentID string) (bool, error) {
	comment, ok := f.comments[commentID]
	if !ok || comment.QuoteID != quoteID {
		return false, nil
	}
	delete(f.comments, commentID)
	delete(f.commentLikes, commentID)
	return true, nil
}

func (f *fakeStore) ClearComments(_ context.Context, quoteID string) (int64, error) {
	var count int64
	for id, comment := range f.comments {
		if comment.QuoteID == quoteID {
			delete(f.comments, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.sessions[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func newTestService(fake *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fake,
		sessions: fake,
		creds:    authpw.NewService(fake),
	}
}

func seedUser(t *testing.T, fake *fakeStore, id, username string, admin bool) {
	t.Helper()
	err := fake.CreateUser(context.Background(), store.User{
		ID:       id,
		Username: username,
		IsAdmin:  admin,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

func seedQuote(t *testing.T, fake *fakeStore, id, authorID, text string) {
	t.Helper()
	if err := fake.CreateQuote(context.Background(), store.Quote{ID: id, AuthorID: authorID, Text: text}); err != nil {
		t.Fatalf("seed quote %s: %v", id, err)
	}
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()

	view, tempPassword, err := svc.Register(ctx, RegisterInput{
		Username:  "ada",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if tempPassword == "" {
		t.Fatal("expected temp password without a configured mailer")
	}
	if !view.IsMe {
		t.Error("registered user should see themselves as me")
	}

	session, err := svc.Login(ctx, "ada", tempPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	parsed, err := svc.SessionFromToken(session.Token)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if parsed.UserID != view.ID || parsed.Username != "ada" {
		t.Errorf("unexpected session %+v", parsed)
	}

	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.UserID != view.ID {
		t.Errorf("refresh returned wrong user %s", refreshed.UserID)
	}
	// refresh tokens are single use
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Error("expected reused refresh token to be rejected")
	}

	if _, err := svc.Login(ctx, "ada", "wrong-password"); err == nil {
		t.Error("expected login failure with wrong password")
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	seedUser(t, fake, "usr_1", "ada", false)

	_, _, err := svc.Register(context.Background(), RegisterInput{
		Username: "ada", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestFollowSymmetryAndIdempotence(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)

	view, err := svc.Follow(ctx, "usr_a", "usr_b")
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if !view.IsFollowed {
		t.Error("target should report isFollowed after follow")
	}

	// repeat follow must not create a second edge
	if _, err := svc.Follow(ctx, "usr_a", "usr_b"); err != nil {
		t.Fatalf("repeat follow: %v", err)
	}

	ada, _ := fake.GetUserByID(ctx, "usr_a")
	brian, _ := fake.GetUserByID(ctx, "usr_b")
	if len(ada.Following) != 1 || ada.Following[0] != "usr_b" {
		t.Errorf("ada.following = %v", ada.Following)
	}
	if len(brian.Followers) != 1 || brian.Followers[0] != "usr_a" {
		t.Errorf("brian.followers = %v", brian.Followers)
	}

	// both directional views derive from the same edge
	if _, err := svc.Unfollow(ctx, "usr_a", "usr_b"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	ada, _ = fake.GetUserByID(ctx, "usr_a")
	brian, _ = fake.GetUserByID(ctx, "usr_b")
	if len(ada.Following) != 0 || len(brian.Followers) != 0 {
		t.Errorf("edge not fully removed: %v / %v", ada.Following, brian.Followers)
	}

	// unfollow when not following is a no-op
	if _, err := svc.Unfollow(ctx, "usr_a", "usr_b"); err != nil {
		t.Fatalf("repeat unfollow: %v", err)
	}
}

func TestSelfFollowRejected(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	seedUser(t, fake, "usr_a", "ada", false)

	_, err := svc.Follow(context.Background(), "usr_a", "usr_a")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestFollowUnknownUser(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	seedUser(t, fake, "usr_a", "ada", false)

	_, err := svc.Follow(context.Background(), "usr_a", "usr_ghost")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestLikeIsIdempotentSetMembership(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_b", "first quote")

	for i := 0; i < 3; i++ {
		view, err := svc.LikeQuote(ctx, "usr_a", "qte_1")
		if err != nil {
			t.Fatalf("like %d: %v", i, err)
		}
		if len(view.Likes) != 1 {
			t.Fatalf("like %d: likes = %v", i, view.Likes)
		}
		if !view.IsLiked {
			t.Fatalf("like %d: isLiked false", i)
		}
	}

	view, err := svc.UnlikeQuote(ctx, "usr_a", "qte_1")
	if err != nil {
		t.Fatalf("unlike: %v", err)
	}
	if len(view.Likes) != 0 || view.IsLiked {
		t.Errorf("unlike left likes = %v", view.Likes)
	}

	// unliking again is a no-op
	if _, err := svc.UnlikeQuote(ctx, "usr_a", "qte_1"); err != nil {
		t.Fatalf("repeat unlike: %v", err)
	}
}

func TestQuoteOwnership(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedUser(t, fake, "usr_adm", "root", true)
	seedQuote(t, fake, "qte_1", "usr_a", "original")

	_, err := svc.UpdateQuote(ctx, Session{UserID: "usr_b"}, "qte_1", QuoteInput{Text: "hijacked"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if domainErr.Message != "not authorized to perform this operation" {
		t.Errorf("forbidden message leaks detail: %q", domainErr.Message)
	}

	if err := svc.DeleteQuote(ctx, Session{UserID: "usr_b"}, "qte_1"); err == nil {
		t.Fatal("expected delete by non-author to fail")
	}

	// admins may delete any quote
	if err := svc.DeleteQuote(ctx, Session{UserID: "usr_adm", IsAdmin: true}, "qte_1"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestUpdateQuoteKeepsOmittedFields(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedQuote(t, fake, "qte_1", "usr_a", "original text")

	// only the emotion changes; text and tags keep their stored values
	view, err := svc.UpdateQuote(ctx, Session{UserID: "usr_a"}, "qte_1", QuoteInput{Emotion: "joy"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if view.Text != "original text" {
		t.Errorf("text = %q, want original text", view.Text)
	}
	if view.Emotion != "joy" {
		t.Errorf("emotion = %q, want joy", view.Emotion)
	}

	view, err = svc.UpdateQuote(ctx, Session{UserID: "usr_a"}, "qte_1", QuoteInput{Text: "  revised  "})
	if err != nil {
		t.Fatalf("update text: %v", err)
	}
	if view.Text != "revised" {
		t.Errorf("text = %q, want revised", view.Text)
	}
	if view.Emotion != "joy" {
		t.Errorf("emotion = %q, want joy retained", view.Emotion)
	}
}

func TestClearCommentsIsAdminOnly(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_adm", "root", true)
	seedQuote(t, fake, "qte_1", "usr_a", "quote")

	if _, err := svc.AddComment(ctx, "usr_a", "qte_1", CommentInput{Text: "first"}); err != nil {
		t.Fatalf("comment: %v", err)
	}

	// even the quote author cannot wipe the thread
	_, err := svc.ClearComments(ctx, Session{UserID: "usr_a"}, "qte_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	summary, err := svc.ClearComments(ctx, Session{UserID: "usr_adm", IsAdmin: true}, "qte_1")
	if err != nil {
		t.Fatalf("admin clear: %v", err)
	}
	if summary.DeletedCount != 1 {
		t.Errorf("unexpected count %d", summary.DeletedCount)
	}
}

func TestChangePasswordRejectsWeakPassword(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()

	_, tempPassword, err := svc.Register(ctx, RegisterInput{
		Username: "ada", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	err = svc.ChangePassword(ctx, Session{Username: "ada"}, tempPassword, "short")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCommentOwnership(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_a", "quote")

	comment, err := svc.AddComment(ctx, "usr_b", "qte_1", CommentInput{Text: "nice one"})
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if !comment.IsOwned {
		t.Error("author should own their comment")
	}

	// quote author is not the comment author
	err = svc.DeleteComment(ctx, Session{UserID: "usr_a"}, "qte_1", comment.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	_, err = svc.UpdateComment(ctx, Session{UserID: "usr_a"}, "qte_1", comment.ID, "edited")
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN on update, got %v", err)
	}

	if err := svc.DeleteComment(ctx, Session{UserID: "usr_b"}, "qte_1", comment.ID); err != nil {
		t.Fatalf("author delete: %v", err)
	}
}

func TestCommentLike(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_a", "quote")

	comment, err := svc.AddComment(ctx, "usr_a", "qte_1", CommentInput{Text: "self reply"})
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}

	view, err := svc.LikeComment(ctx, "usr_b", "qte_1", comment.ID)
	if err != nil {
		t.Fatalf("like comment: %v", err)
	}
	if !view.IsLiked || len(view.Likes) != 1 {
		t.Errorf("unexpected like state %+v", view)
	}

	view, err = svc.UnlikeComment(ctx, "usr_b", "qte_1", comment.ID)
	if err != nil {
		t.Fatalf("unlike comment: %v", err)
	}
	if view.IsLiked || len(view.Likes) != 0 {
		t.Errorf("unexpected unlike state %+v", view)
	}
}

func TestSaveUnsaveAndClear(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_b", "one")
	seedQuote(t, fake, "qte_2", "usr_b", "two")

	if _, err := svc.Save(ctx, "usr_a", "qte_1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	view, err := svc.Save(ctx, "usr_a", "qte_2")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !view.IsSaved {
		t.Error("expected isSaved after save")
	}

	saved, err := svc.SavedQuotes(ctx, "usr_a")
	if err != nil {
		t.Fatalf("saved quotes: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved quotes, got %d", len(saved))
	}

	summary, err := svc.ClearSaved(ctx, "usr_a")
	if err != nil {
		t.Fatalf("clear saved: %v", err)
	}
	if !summary.Success || summary.DeletedCount != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}

	saved, _ = svc.SavedQuotes(ctx, "usr_a")
	if len(saved) != 0 {
		t.Errorf("expected empty saved list, got %d", len(saved))
	}
}

func TestQuoteLikers(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_a", "quote")

	if _, err := svc.LikeQuote(ctx, "usr_b", "qte_1"); err != nil {
		t.Fatalf("like: %v", err)
	}

	likers, err := svc.QuoteLikers(ctx, "usr_a", "qte_1")
	if err != nil {
		t.Fatalf("likers: %v", err)
	}
	if len(likers) != 1 || likers[0].Username != "brian" {
		t.Errorf("unexpected likers %+v", likers)
	}
}

func TestSavedByUser(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_a", "quote")

	if _, err := svc.Save(ctx, "usr_b", "qte_1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	quotes, err := svc.SavedByUser(ctx, "usr_a", "usr_b")
	if err != nil {
		t.Fatalf("saved by user: %v", err)
	}
	if len(quotes) != 1 || quotes[0].ID != "qte_1" {
		t.Fatalf("unexpected saved list %+v", quotes)
	}
	// projected for the viewer, not the saver
	if quotes[0].IsSaved {
		t.Error("viewer has not saved this quote themselves")
	}
	if !quotes[0].IsOwned {
		t.Error("viewer authored this quote")
	}

	var domainErr *DomainError
	_, err = svc.SavedByUser(ctx, "usr_a", "usr_ghost")
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown user, got %v", err)
	}
}

func TestFeedPagination(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedUser(t, fake, "usr_c", "carol", false)

	if _, err := svc.Follow(ctx, "usr_a", "usr_b"); err != nil {
		t.Fatalf("follow: %v", err)
	}

	// carol is not followed, her quotes must not appear
	seedQuote(t, fake, "qte_x", "usr_c", "hidden")
	for _, id := range []string{"qte_1", "qte_2", "qte_3", "qte_4", "qte_5"} {
		seedQuote(t, fake, id, "usr_b", "quote "+id)
	}

	var got []string
	cursor := int64(0)
	for {
		page, err := svc.Feed(ctx, "usr_a", cursor, 2)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		for _, quote := range page.Quotes {
			got = append(got, quote.ID)
		}
		if page.NextCursor == 0 {
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"qte_5", "qte_4", "qte_3", "qte_2", "qte_1"}
	if len(got) != len(want) {
		t.Fatalf("feed ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("feed ids = %v, want %v", got, want)
		}
	}
}

func TestFeedStaleCursorDegradesGracefully(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedQuote(t, fake, "qte_1", "usr_a", "one")
	seedQuote(t, fake, "qte_2", "usr_a", "two")

	first, err := svc.Feed(ctx, "usr_a", 0, 1)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	cursor := first.NextCursor

	// the quote at the cursor disappears before the next page is fetched
	if _, err := fake.DeleteQuote(ctx, "qte_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	page, err := svc.Feed(ctx, "usr_a", cursor, 1)
	if err != nil {
		t.Fatalf("feed with stale cursor: %v", err)
	}
	if len(page.Quotes) != 0 {
		t.Errorf("expected no quotes past stale cursor, got %d", len(page.Quotes))
	}
}

func TestFeedRejectsNegativeCursor(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	seedUser(t, fake, "usr_a", "ada", false)

	_, err := svc.Feed(context.Background(), "usr_a", -5, 10)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestUserFeedPagination(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedUser(t, fake, "usr_c", "carol", false)

	page, err := svc.UserFeed(ctx, "usr_a", 0, 2)
	if err != nil {
		t.Fatalf("user feed: %v", err)
	}
	if len(page.Users) != 2 || page.NextCursor == 0 {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Users[0].Username != "ada" || page.Users[1].Username != "brian" {
		t.Errorf("unexpected order %v", page.Users)
	}

	second, err := svc.UserFeed(ctx, "usr_a", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("user feed page 2: %v", err)
	}
	if len(second.Users) != 1 || second.Users[0].Username != "carol" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, defaultPageLimit},
		{-3, defaultPageLimit},
		{1, 1},
		{50, 50},
		{100, 100},
		{101, maxPageLimit},
		{100000, maxPageLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAdminBulkOperations(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_adm", "root", true)
	seedQuote(t, fake, "qte_1", "usr_a", "one")

	if _, err := svc.DeleteAllQuotes(ctx, Session{UserID: "usr_a"}); err == nil {
		t.Fatal("expected non-admin bulk delete to fail")
	}

	summary, err := svc.DeleteAllQuotes(ctx, Session{UserID: "usr_adm", IsAdmin: true})
	if err != nil {
		t.Fatalf("admin bulk delete: %v", err)
	}
	if summary.DeletedCount != 1 {
		t.Errorf("unexpected count %d", summary.DeletedCount)
	}

	users, err := svc.DeleteAllUsers(ctx, Session{UserID: "usr_adm", IsAdmin: true})
	if err != nil {
		t.Fatalf("admin delete users: %v", err)
	}
	// admin accounts survive the purge
	if users.DeletedCount != 1 {
		t.Errorf("unexpected count %d", users.DeletedCount)
	}
}

func TestUpdateProfileConflicts(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)

	_, err := svc.UpdateProfile(ctx, Session{UserID: "usr_a"}, "usr_a", UpdateProfileInput{Username: "brian"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	// someone else's profile is off limits
	_, err = svc.UpdateProfile(ctx, Session{UserID: "usr_a"}, "usr_b", UpdateProfileInput{FirstName: "X"})
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	view, err := svc.UpdateProfile(ctx, Session{UserID: "usr_a"}, "usr_a", UpdateProfileInput{FirstName: "Ada"})
	if err != nil {
		t.Fatalf("update own profile: %v", err)
	}
	if view.FirstName != "Ada" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestSuggestUsersExcludesFollowed(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedUser(t, fake, "usr_c", "carol", false)

	if _, err := svc.Follow(ctx, "usr_a", "usr_b"); err != nil {
		t.Fatalf("follow: %v", err)
	}

	views, err := svc.SuggestUsers(ctx, "usr_a", 10)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(views) != 1 || views[0].ID != "usr_c" {
		t.Errorf("unexpected suggestions %+v", views)
	}
}

func TestQuoteViewIncludesComments(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)
	seedUser(t, fake, "usr_b", "brian", false)
	seedQuote(t, fake, "qte_1", "usr_a", "quote")

	if _, err := svc.AddComment(ctx, "usr_b", "qte_1", CommentInput{Text: "first"}); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := svc.AddComment(ctx, "usr_a", "qte_1", CommentInput{Text: "second"}); err != nil {
		t.Fatalf("comment: %v", err)
	}

	view, err := svc.GetQuote(ctx, "usr_a", "qte_1")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if len(view.Comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(view.Comments))
	}
	if view.Comments[0].Text != "first" || view.Comments[1].Text != "second" {
		t.Errorf("comments out of order: %+v", view.Comments)
	}
	if view.Comments[0].Author.Username != "brian" {
		t.Errorf("comment author not resolved: %+v", view.Comments[0].Author)
	}
	if !view.IsOwned {
		t.Error("author should own the quote")
	}
}

func TestCreateQuoteValidatesAndNormalizes(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	seedUser(t, fake, "usr_a", "ada", false)

	_, err := svc.CreateQuote(ctx, "usr_a", QuoteInput{Text: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	view, err := svc.CreateQuote(ctx, "usr_a", QuoteInput{
		Text: "  stay curious  ",
		Tags: []string{" Wisdom", "wisdom", "", "LIFE"},
	})
	if err != nil {
		t.Fatalf("create quote: %v", err)
	}
	if view.Text != "stay curious" {
		t.Errorf("text not trimmed: %q", view.Text)
	}
	if len(view.Tags) != 2 || view.Tags[0] != "wisdom" || view.Tags[1] != "life" {
		t.Errorf("tags not normalized: %v", view.Tags)
	}
	if view.Emotion != "neutral" {
		t.Errorf("expected default emotion, got %q", view.Emotion)
	}
}
