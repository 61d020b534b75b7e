package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using the generated fts column on submissions.
// Only published rows are ever matched.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit, offset := normalizePage(q)

	tsQuery := "plainto_tsquery('english', $1)"
	where := []string{"s.status = 'published'", "s.fts @@ " + tsQuery}
	args := []any{q.Text}
	if q.Region != "" {
		args = append(args, q.Region)
		where = append(where, fmt.Sprintf("s.region = $%d", len(args)))
	}
	if q.Discipline != "" {
		args = append(args, q.Discipline)
		where = append(where, fmt.Sprintf("s.discipline = $%d", len(args)))
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM submissions s WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.id, s.publish_title,
			ts_headline('english', coalesce(s.publish_summary, '') || ' ' || coalesce(s.publish_story, ''), %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			coalesce(s.region, ''), coalesce(s.discipline, ''), s.published_at
		FROM submissions s
		WHERE %s
		ORDER BY ts_rank(s.fts, %s) DESC, s.published_at DESC
		LIMIT %d OFFSET %d`, tsQuery, whereSQL, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var publishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Region, &r.Discipline, &publishedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if publishedAt.Valid {
			at := publishedAt.Time.UTC()
			r.PublishedAt = &at
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// Scan is a Searcher that walks the published feed and matches every query
// term against the anonymised text. It backs the in-memory store.
type Scan struct {
	lister PublishedLister
}

func NewScan(lister PublishedLister) *Scan {
	return &Scan{lister: lister}
}

func (s *Scan) Healthy() bool {
	return true
}

const scanPage = 200

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	limit, offset := normalizePage(q)

	var matched []Result
	for page := 0; ; page++ {
		items, err := s.lister.ListPublished(ctx, scanPage, page*scanPage)
		if err != nil {
			return nil, 0, fmt.Errorf("scan published: %w", err)
		}
		for _, item := range items {
			if q.Region != "" && item.Region != q.Region {
				continue
			}
			if q.Discipline != "" && item.Discipline != q.Discipline {
				continue
			}
			haystack := strings.ToLower(item.PublishTitle + "\n" + item.PublishSummary + "\n" + item.PublishStory)
			if !containsAll(haystack, terms) {
				continue
			}
			matched = append(matched, Result{
				ID:          item.ID,
				Title:       item.PublishTitle,
				Snippet:     item.PublishSummary,
				Region:      item.Region,
				Discipline:  item.Discipline,
				PublishedAt: item.PublishedAt,
			})
		}
		if len(items) < scanPage {
			break
		}
	}

	total := len(matched)
	if offset >= total {
		return []Result{}, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
