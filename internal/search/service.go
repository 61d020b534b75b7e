package search

import (
	"context"
	"log"

	"github.com/samber/lo"

	"safetyvoice/api/internal/store"
)

// Service tries the primary index first and falls back to the database
// searcher when it is absent, unhealthy or failing.
type Service struct {
	primary  Index
	fallback Searcher
}

// NewService creates a search service. primary may be nil when Meilisearch is
// not configured.
func NewService(primary Index, fallback Searcher) *Service {
	return &Service{primary: primary, fallback: fallback}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: primary index error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexStory pushes a newly published story (fire-and-forget).
func (s *Service) IndexStory(story StoryRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexStory(story); err != nil {
			log.Printf("search: index story %s: %v", story.ID, err)
		}
	}()
}

// DeleteStory removes a story from the index (fire-and-forget).
func (s *Service) DeleteStory(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteStory(id); err != nil {
			log.Printf("search: delete story %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes every published story into the primary index. Called
// during bootstrap.
func (s *Service) ReindexAll(ctx context.Context, lister PublishedLister) {
	if !s.primaryReady() || lister == nil {
		return
	}
	for offset := 0; ; offset += scanPage {
		items, err := lister.ListPublished(ctx, scanPage, offset)
		if err != nil {
			log.Printf("search: reindex load failed: %v", err)
			return
		}
		stories := lo.Map(items, func(item store.Submission, _ int) StoryRecord { return StoryFromSubmission(item) })
		if err := s.primary.IndexStories(stories); err != nil {
			log.Printf("search: reindex stories: %v", err)
			return
		}
		if len(items) < scanPage {
			return
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
