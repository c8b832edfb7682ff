package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across quotes and users using
// plainto_tsquery and ts_rank, with ts_headline for quote snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultQuote {
		subQueries = append(subQueries, `
			SELECT 'quote'::text AS type, q.id, q.emotion AS title,
				ts_headline('english', q.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				q.author_id,
				ts_rank(q.fts, plainto_tsquery('english', $1)) AS rank
			FROM quotes q
			WHERE q.fts @@ plainto_tsquery('english', $1)`)
	}

	if q.FilterType == "" || q.FilterType == ResultUser {
		subQueries = append(subQueries, `
			SELECT 'user'::text AS type, u.id, u.username AS title,
				trim(u.first_name || ' ' || u.last_name) AS snippet,
				''::text AS author_id,
				ts_rank(u.fts, plainto_tsquery('simple', $1)) AS rank
			FROM users u
			WHERE u.fts @@ plainto_tsquery('simple', $1)
			   OR u.username ILIKE '%' || $1 || '%'`)
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, author_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.AuthorID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]QuoteRecord, []UserRecord, error) {
	quoteRows, err := p.db.QueryContext(ctx, `
		SELECT id, body, emotion, author_id
		FROM quotes
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load quotes: %w", err)
	}
	defer quoteRows.Close()

	quotes := make([]QuoteRecord, 0)
	for quoteRows.Next() {
		var q QuoteRecord
		if err := quoteRows.Scan(&q.ID, &q.Body, &q.Emotion, &q.Author); err != nil {
			return nil, nil, fmt.Errorf("scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := quoteRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate quotes: %w", err)
	}

	userRows, err := p.db.QueryContext(ctx, `
		SELECT id, username, first_name, last_name
		FROM users
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load users: %w", err)
	}
	defer userRows.Close()

	users := make([]UserRecord, 0)
	for userRows.Next() {
		var u UserRecord
		if err := userRows.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName); err != nil {
			return nil, nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := userRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate users: %w", err)
	}

	return quotes, users, nil
}
