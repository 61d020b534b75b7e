package export

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"safetyvoice/api/internal/store"
)

// DataStore is the read access the exporter needs.
type DataStore interface {
	GetSubmission(ctx context.Context, id string) (store.Submission, error)
	ListEvents(ctx context.Context, submissionID string) ([]store.SubmissionEvent, error)
}

type pdfRenderer func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	store DataStore
	pdf   pdfRenderer
	now   func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{store: store, pdf: exportPDF, now: time.Now}
}

// Export builds the review packet for one submission.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	item, err := s.store.GetSubmission(ctx, req.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	events, err := s.store.ListEvents(ctx, req.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	data := TemplateData{
		ID:            item.ID,
		Status:        string(item.Status),
		CreatedAt:     item.CreatedAt,
		Region:        item.Region,
		Discipline:    item.Discipline,
		Role:          item.Role,
		Institution:   item.InstitutionType,
		TimeWindow:    item.TimeWindow,
		Consent:       item.ConsentPublish,
		WhatHappened:  item.WhatHappened,
		Impact:        item.Impact,
		Improvement:   item.Improvement,
		SanitisedText: item.SanitisedText,
		Title:         item.PublishTitle,
		Summary:       item.PublishSummary,
		StoryHTML:     StoryToHTML(item.PublishStory),
		Notes:         item.AnonymisationNotes,
		RiskFlags:     item.RiskFlags,
		Confidence:    item.Confidence,
		AdminNotes:    item.AdminNotes,
		ExportedBy:    req.ExportedBy,
		ExportedAt:    s.now(),
		Events: lo.Map(events, func(e store.SubmissionEvent, _ int) TemplateEvent {
			return TemplateEvent{At: e.CreatedAt, Kind: e.Kind, From: string(e.FromStatus), To: string(e.ToStatus), Actor: e.Actor, Note: e.Note}
		}),
	}
	if item.PublishedAt != nil {
		data.PublishedAt = *item.PublishedAt
	}

	html, err := RenderPacketHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := "review-" + item.ID
	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
