// Package search finds published stories by their anonymised text.
package search

import (
	"context"
	"time"

	"safetyvoice/api/internal/store"
)

// Result is a single search hit returned to the public feed.
type Result struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	Region      string     `json:"region,omitempty"`
	Discipline  string     `json:"discipline,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// Query describes a search request. Region and Discipline narrow by
// exact metadata match.
type Query struct {
	Text       string
	Region     string
	Discipline string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over published stories.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that also accepts pushed documents.
type Index interface {
	Searcher
	IndexStory(story StoryRecord) error
	IndexStories(stories []StoryRecord) error
	DeleteStory(id string) error
}

// PublishedLister pages through published submissions.
type PublishedLister interface {
	ListPublished(ctx context.Context, limit, offset int) ([]store.Submission, error)
}

// StoryRecord is the data we index for a published story. It carries only
// anonymised draft fields and coarse metadata.
type StoryRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Story       string `json:"story"`
	Region      string `json:"region"`
	Discipline  string `json:"discipline"`
	PublishedAt int64  `json:"publishedAt"`
}

func StoryFromSubmission(item store.Submission) StoryRecord {
	record := StoryRecord{
		ID:         item.ID,
		Title:      item.PublishTitle,
		Summary:    item.PublishSummary,
		Story:      item.PublishStory,
		Region:     item.Region,
		Discipline: item.Discipline,
	}
	if item.PublishedAt != nil {
		record.PublishedAt = item.PublishedAt.Unix()
	}
	return record
}

func normalizePage(q Query) (int, int) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
