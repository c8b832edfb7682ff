package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// One canonical user projection: the follower/following/saved id sets ride
// along as jsonb aggregates so callers never fan out per-user lookups.
const userSelect = `
	SELECT u.id, u.seq, u.username, u.first_name, u.last_name, u.email, u.display_image,
		u.is_admin, u.password_hash, u.created_at, u.updated_at,
		COALESCE(fw.ids, '[]'), COALESCE(fr.ids, '[]'), COALESCE(sv.ids, '[]')
	FROM users u
	LEFT JOIN (SELECT follower_id, jsonb_agg(followee_id ORDER BY created_at) AS ids FROM follows GROUP BY follower_id) fw ON fw.follower_id = u.id
	LEFT JOIN (SELECT followee_id, jsonb_agg(follower_id ORDER BY created_at) AS ids FROM follows GROUP BY followee_id) fr ON fr.followee_id = u.id
	LEFT JOIN (SELECT user_id, jsonb_agg(quote_id ORDER BY created_at) AS ids FROM saved_quotes GROUP BY user_id) sv ON sv.user_id = u.id
`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var following, followers, saved []byte
	err := row.Scan(
		&user.ID,
		&user.Seq,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.Email,
		&user.DisplayImage,
		&user.IsAdmin,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
		&following,
		&followers,
		&saved,
	)
	if err != nil {
		return User{}, err
	}
	user.Following = decodeIDList(following)
	user.Followers = decodeIDList(followers)
	user.Saved = decodeIDList(saved)
	return user, nil
}

func decodeIDList(raw []byte) []string {
	ids := []string{}
	_ = json.Unmarshal(raw, &ids)
	return ids
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, first_name, last_name, email, is_admin, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Username, user.FirstName, user.LastName, user.Email, user.IsAdmin, user.PasswordHash)
	if err != nil {
		if IsDuplicate(err) {
			return err
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+`WHERE u.id=$1`, userID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+`WHERE u.username=$1`, username))
}

func (s *PostgresStore) UsernameTaken(ctx context.Context, username, excludeUserID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE username=$1 AND id <> $2)
	`, username, excludeUserID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, username, firstName, lastName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET username=$2, first_name=$3, last_name=$4, updated_at=NOW()
		WHERE id=$1
	`, userID, username, firstName, lastName)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserImage(ctx context.Context, userID, imagePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_image=$2, updated_at=NOW() WHERE id=$1
	`, userID, imagePath)
	if err != nil {
		return fmt.Errorf("update user image: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteAllUsers(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE is_admin = FALSE`)
	if err != nil {
		return 0, fmt.Errorf("delete all users: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all users rows: %w", err)
	}
	return affected, nil
}

// ListUsersPage returns users strictly after cursor in creation order. A
// cursor of 0 starts from the beginning; a stale cursor is harmless since
// the comparison is purely positional.
func (s *PostgresStore) ListUsersPage(ctx context.Context, cursor int64, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+`
		WHERE u.seq > $1
		ORDER BY u.seq ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list users page: %w", err)
	}
	return collectUsers(rows)
}

func (s *PostgresStore) ListUsersByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	if len(userIDs) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, userSelect+`
		WHERE u.id = ANY($1)
		ORDER BY u.seq ASC
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list users by ids: %w", err)
	}
	return collectUsers(rows)
}

// SuggestUsers samples random users not in the excluded set, used for
// friend suggestions.
func (s *PostgresStore) SuggestUsers(ctx context.Context, excludeIDs []string, size int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+`
		WHERE NOT (u.id = ANY($1))
		ORDER BY random()
		LIMIT $2
	`, excludeIDs, size)
	if err != nil {
		return nil, fmt.Errorf("suggest users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// EstablishFollow writes the follow edge as a single row, so the follower
// and followee views of the relation can never disagree. Idempotent.
func (s *PostgresStore) EstablishFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follows (follower_id, followee_id)
		VALUES ($1, $2)
		ON CONFLICT (follower_id, followee_id) DO NOTHING
	`, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("establish follow: %w", err)
	}
	return nil
}

// RemoveFollow removes the edge; removing an absent edge is a no-op.
func (s *PostgresStore) RemoveFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM follows WHERE follower_id=$1 AND followee_id=$2
	`, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("remove follow: %w", err)
	}
	return nil
}

const quoteSelect = `
	SELECT q.id, q.seq, q.author_id, q.body, COALESCE(q.tags::text, '[]'), q.emotion,
		COALESCE(l.ids, '[]'), q.created_at, q.updated_at
	FROM quotes q
	LEFT JOIN (SELECT quote_id, jsonb_agg(user_id ORDER BY created_at) AS ids FROM quote_likes GROUP BY quote_id) l ON l.quote_id = q.id
`

func scanQuote(row interface{ Scan(...any) error }) (Quote, error) {
	var quote Quote
	var tags, likes []byte
	err := row.Scan(
		&quote.ID,
		&quote.Seq,
		&quote.AuthorID,
		&quote.Text,
		&tags,
		&quote.Emotion,
		&likes,
		&quote.CreatedAt,
		&quote.UpdatedAt,
	)
	if err != nil {
		return Quote{}, err
	}
	quote.Tags = decodeIDList(tags)
	quote.Likes = decodeIDList(likes)
	return quote, nil
}

func (s *PostgresStore) CreateQuote(ctx context.Context, quote Quote) error {
	tags := quote.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal quote tags: %w", err)
	}
	emotion := quote.Emotion
	if emotion == "" {
		emotion = "neutral"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (id, author_id, body, tags, emotion)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, quote.ID, quote.AuthorID, quote.Text, string(encodedTags), emotion)
	if err != nil {
		return fmt.Errorf("create quote: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	return scanQuote(s.db.QueryRowContext(ctx, quoteSelect+`WHERE q.id=$1`, quoteID))
}

func (s *PostgresStore) UpdateQuote(ctx context.Context, quoteID, text string, tags []string, emotion string) error {
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal quote tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE quotes
		SET body=$2, tags=$3::jsonb, emotion=$4, updated_at=NOW()
		WHERE id=$1
	`, quoteID, text, string(encodedTags), emotion)
	if err != nil {
		return fmt.Errorf("update quote: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteQuote(ctx context.Context, quoteID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM quotes WHERE id=$1`, quoteID)
	if err != nil {
		return false, fmt.Errorf("delete quote: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete quote rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteAllQuotes(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM quotes`)
	if err != nil {
		return 0, fmt.Errorf("delete all quotes: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all quotes rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) ListQuotes(ctx context.Context, filter QuoteFilter) ([]Quote, error) {
	rows, err := s.db.QueryContext(ctx, quoteSelect+`
		WHERE ($1='' OR q.author_id=$1)
		  AND ($2='' OR q.emotion=$2)
		  AND ($3='' OR q.tags ? $3)
		ORDER BY q.seq DESC
	`, filter.AuthorID, filter.Emotion, filter.Tag)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	return collectQuotes(rows)
}

// FeedPage walks the viewer's feed: quotes authored by the viewer or by
// anyone the viewer follows, newest first. A cursor of 0 means the first
// page; otherwise only quotes strictly older than the cursor are returned,
// so a cursor whose anchor quote was deleted still pages cleanly.
func (s *PostgresStore) FeedPage(ctx context.Context, viewerID string, cursor int64, limit int) ([]Quote, error) {
	rows, err := s.db.QueryContext(ctx, quoteSelect+`
		WHERE ($2 = 0 OR q.seq < $2)
		  AND (q.author_id = $1 OR q.author_id IN (SELECT followee_id FROM follows WHERE follower_id = $1))
		ORDER BY q.seq DESC
		LIMIT $3
	`, viewerID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("feed page: %w", err)
	}
	return collectQuotes(rows)
}

func (s *PostgresStore) SavedQuotes(ctx context.Context, userID string) ([]Quote, error) {
	rows, err := s.db.QueryContext(ctx, quoteSelect+`
		JOIN saved_quotes sq ON sq.quote_id = q.id
		WHERE sq.user_id = $1
		ORDER BY sq.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("saved quotes: %w", err)
	}
	return collectQuotes(rows)
}

func collectQuotes(rows *sql.Rows) ([]Quote, error) {
	defer rows.Close()
	items := make([]Quote, 0)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		items = append(items, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotes: %w", err)
	}
	return items, nil
}

// AddQuoteLike inserts the like iff absent; repeated likes never duplicate
// the membership row, and concurrent likes by distinct users cannot clobber
// each other because no read-modify-write cycle is involved.
func (s *PostgresStore) AddQuoteLike(ctx context.Context, quoteID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quote_likes (quote_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (quote_id, user_id) DO NOTHING
	`, quoteID, userID)
	if err != nil {
		return fmt.Errorf("add quote like: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveQuoteLike(ctx context.Context, quoteID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM quote_likes WHERE quote_id=$1 AND user_id=$2
	`, quoteID, userID)
	if err != nil {
		return fmt.Errorf("remove quote like: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddCommentLike(ctx context.Context, commentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_likes (comment_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (comment_id, user_id) DO NOTHING
	`, commentID, userID)
	if err != nil {
		return fmt.Errorf("add comment like: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCommentLike(ctx context.Context, commentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM comment_likes WHERE comment_id=$1 AND user_id=$2
	`, commentID, userID)
	if err != nil {
		return fmt.Errorf("remove comment like: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveQuote(ctx context.Context, userID, quoteID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_quotes (user_id, quote_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, quote_id) DO NOTHING
	`, userID, quoteID)
	if err != nil {
		return fmt.Errorf("save quote: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnsaveQuote(ctx context.Context, userID, quoteID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM saved_quotes WHERE user_id=$1 AND quote_id=$2
	`, userID, quoteID)
	if err != nil {
		return fmt.Errorf("unsave quote: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearSaved(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM saved_quotes WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear saved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear saved rows: %w", err)
	}
	return affected, nil
}

const commentSelect = `
	SELECT c.id, c.quote_id, c.seq, c.author_id, c.body,
		COALESCE(l.ids, '[]'), c.created_at, c.updated_at
	FROM comments c
	LEFT JOIN (SELECT comment_id, jsonb_agg(user_id ORDER BY created_at) AS ids FROM comment_likes GROUP BY comment_id) l ON l.comment_id = c.id
`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var comment Comment
	var likes []byte
	err := row.Scan(
		&comment.ID,
		&comment.QuoteID,
		&comment.Seq,
		&comment.AuthorID,
		&comment.Text,
		&likes,
		&comment.CreatedAt,
		&comment.UpdatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	comment.Likes = decodeIDList(likes)
	return comment, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, quote_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.QuoteID, comment.AuthorID, comment.Text)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, quoteID, commentID string) (Comment, error) {
	return scanComment(s.db.QueryRowContext(ctx, commentSelect+`
		WHERE c.quote_id=$1 AND c.id=$2
	`, quoteID, commentID))
}

// ListComments returns a quote's comments in insertion order.
func (s *PostgresStore) ListComments(ctx context.Context, quoteID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, commentSelect+`
		WHERE c.quote_id=$1
		ORDER BY c.seq ASC
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return collectComments(rows)
}

// ListCommentsForQuotes batch-loads the comments for a whole page of quotes
// in one query, keyed by quote id.
func (s *PostgresStore) ListCommentsForQuotes(ctx context.Context, quoteIDs []string) (map[string][]Comment, error) {
	grouped := make(map[string][]Comment)
	if len(quoteIDs) == 0 {
		return grouped, nil
	}
	rows, err := s.db.QueryContext(ctx, commentSelect+`
		WHERE c.quote_id = ANY($1)
		ORDER BY c.seq ASC
	`, quoteIDs)
	if err != nil {
		return nil, fmt.Errorf("list comments for quotes: %w", err)
	}
	items, err := collectComments(rows)
	if err != nil {
		return nil, err
	}
	for _, comment := range items {
		grouped[comment.QuoteID] = append(grouped[comment.QuoteID], comment)
	}
	return grouped, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, quoteID, commentID, text string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET body=$3, updated_at=NOW()
		WHERE quote_id=$1 AND id=$2
	`, quoteID, commentID, text)
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, quoteID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM comments WHERE quote_id=$1 AND id=$2
	`, quoteID, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ClearComments(ctx context.Context, quoteID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE quote_id=$1`, quoteID)
	if err != nil {
		return 0, fmt.Errorf("clear comments: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear comments rows: %w", err)
	}
	return affected, nil
}

func collectComments(rows *sql.Rows) ([]Comment, error) {
	defer rows.Close()
	items := make([]Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.is_admin
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.IsAdmin)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
