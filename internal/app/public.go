package app

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"

	"safetyvoice/api/internal/search"
	"safetyvoice/api/internal/store"
)

const (
	defaultFeedLimit = 20
	maxFeedLimit     = 100
)

// PublicStory is everything the public may see of a published submission.
// Raw narrative, sanitised text and moderation fields have no place here.
type PublicStory struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Story       string     `json:"story"`
	Region      string     `json:"region,omitempty"`
	Discipline  string     `json:"discipline,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

func publicStory(item store.Submission) PublicStory {
	return PublicStory{
		ID:          item.ID,
		Title:       item.PublishTitle,
		Summary:     item.PublishSummary,
		Story:       item.PublishStory,
		Region:      item.Region,
		Discipline:  item.Discipline,
		PublishedAt: item.PublishedAt,
	}
}

type StatsEntry struct {
	Value string `json:"value"`
	Total int    `json:"total"`
}

type PublishedStats struct {
	Total       int          `json:"total"`
	Regions     []StatsEntry `json:"regions"`
	Disciplines []StatsEntry `json:"disciplines"`
}

func clampFeed(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) ListPublished(ctx context.Context, limit, offset int) ([]PublicStory, error) {
	limit, offset = clampFeed(limit, offset)
	items, err := s.store.ListPublished(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return lo.Map(items, func(item store.Submission, _ int) PublicStory { return publicStory(item) }), nil
}

func (s *Service) GetPublished(ctx context.Context, submissionID string) (PublicStory, error) {
	item, err := s.store.GetPublished(ctx, submissionID)
	if err != nil {
		if store.IsNotFound(err) {
			return PublicStory{}, notFound("Story not found")
		}
		return PublicStory{}, err
	}
	return publicStory(item), nil
}

func (s *Service) SearchPublished(ctx context.Context, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	return s.search.Search(ctx, q)
}

// PublishedStats counts published stories per region and discipline.
func (s *Service) PublishedStats(ctx context.Context) (PublishedStats, error) {
	counts, err := s.store.PublishedCounts(ctx)
	if err != nil {
		return PublishedStats{}, err
	}
	stats := PublishedStats{Regions: []StatsEntry{}, Disciplines: []StatsEntry{}}
	for _, count := range counts {
		entry := StatsEntry{Value: count.Value, Total: count.Total}
		switch count.Dimension {
		case "region":
			stats.Regions = append(stats.Regions, entry)
		case "discipline":
			stats.Disciplines = append(stats.Disciplines, entry)
		}
	}

	// Records without a region still count towards the total.
	total := 0
	for offset := 0; ; offset += maxFeedLimit {
		page, err := s.store.ListPublished(ctx, maxFeedLimit, offset)
		if err != nil {
			return PublishedStats{}, err
		}
		total += len(page)
		if len(page) < maxFeedLimit {
			break
		}
	}
	stats.Total = total
	return stats, nil
}
