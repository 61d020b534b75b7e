package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"safetyvoice/api/internal/drafting"
	"safetyvoice/api/internal/email"
	"safetyvoice/api/internal/lifecycle"
	"safetyvoice/api/internal/redact"
	"safetyvoice/api/internal/store"
	"safetyvoice/api/internal/util"
)

const (
	minWhatHappened = 10
	minImpact       = 5
	minImprovement  = 5
	maxMetadata     = 120
	maxNarrative    = 10000

	AcknowledgementMessage = "Submission received and securely archived."
	systemActor            = "system"
)

type SubmitInput struct {
	Role            string `json:"role"`
	InstitutionType string `json:"institutionType"`
	Region          string `json:"region"`
	Discipline      string `json:"discipline"`
	TimeWindow      string `json:"timeWindow"`
	WhatHappened    string `json:"whatHappened"`
	Impact          string `json:"impact"`
	Improvement     string `json:"improvement"`
	ConsentPublish  *bool  `json:"consentPublish"`
	Honeypot        string `json:"hp"`
}

type SubmitResult struct {
	ID      string
	Message string
}

func (in SubmitInput) metadata() store.Metadata {
	return store.Metadata{
		Role:            strings.TrimSpace(in.Role),
		InstitutionType: strings.TrimSpace(in.InstitutionType),
		Region:          strings.TrimSpace(in.Region),
		Discipline:      strings.TrimSpace(in.Discipline),
		TimeWindow:      strings.TrimSpace(in.TimeWindow),
	}
}

func (in SubmitInput) validate() *DomainError {
	fields := map[string]string{}
	checkNarrative := func(name, value string, min int) {
		n := utf8.RuneCountInString(strings.TrimSpace(value))
		switch {
		case n < min:
			fields[name] = fmt.Sprintf("must be at least %d characters", min)
		case n > maxNarrative:
			fields[name] = fmt.Sprintf("must be at most %d characters", maxNarrative)
		}
	}
	checkNarrative("whatHappened", in.WhatHappened, minWhatHappened)
	checkNarrative("impact", in.Impact, minImpact)
	checkNarrative("improvement", in.Improvement, minImprovement)

	for name, value := range map[string]string{
		"role":            in.Role,
		"institutionType": in.InstitutionType,
		"region":          in.Region,
		"discipline":      in.Discipline,
		"timeWindow":      in.TimeWindow,
	} {
		if utf8.RuneCountInString(strings.TrimSpace(value)) > maxMetadata {
			fields[name] = fmt.Sprintf("must be at most %d characters", maxMetadata)
		}
	}

	if in.ConsentPublish == nil || !*in.ConsentPublish {
		fields["consentPublish"] = "consent to publish is required"
	}
	if len(fields) > 0 {
		return validationError("Submission is invalid", fields)
	}
	return nil
}

// Submit runs the intake flow for one anonymous submission. clientKey
// identifies the caller for rate limiting and is never stored.
func (s *Service) Submit(ctx context.Context, clientKey string, input SubmitInput) (SubmitResult, error) {
	if strings.TrimSpace(input.Honeypot) != "" {
		log.Printf("app: honeypot triggered, discarding submission")
		return SubmitResult{ID: util.NewID("sub"), Message: AcknowledgementMessage}, nil
	}
	if err := input.validate(); err != nil {
		return SubmitResult{}, err
	}

	allowed, err := s.limiter.Allow(ctx, clientKey)
	if err != nil {
		log.Printf("app: rate limiter unavailable, allowing submission: %v", err)
	} else if !allowed {
		return SubmitResult{}, errRateLimited
	}

	sections, sanitised, counts := redactSections(input.WhatHappened, input.Impact, input.Improvement)

	item := store.Submission{
		ID:             util.NewID("sub"),
		CreatedAt:      time.Now().UTC(),
		Status:         lifecycle.StatusPrivate,
		Metadata:       input.metadata(),
		WhatHappened:   strings.TrimSpace(input.WhatHappened),
		Impact:         strings.TrimSpace(input.Impact),
		Improvement:    strings.TrimSpace(input.Improvement),
		ConsentPublish: true,
		SanitisedText:  sanitised,
	}
	if err := s.store.CreateSubmission(ctx, item); err != nil {
		log.Printf("app: create submission: %v", err)
		return SubmitResult{}, submissionFailed()
	}
	s.recordEvent(ctx, store.SubmissionEvent{
		SubmissionID: item.ID,
		Kind:         store.EventCreated,
		ToStatus:     lifecycle.StatusPrivate,
		Actor:        systemActor,
	})

	draft := s.generator.Generate(ctx, drafting.Request{
		Metadata:      item.Metadata,
		SanitisedText: sanitised,
		Sections:      sections,
	})
	draft.AnonymisationNotes = append(draft.AnonymisationNotes, redactionNotes(counts)...)

	// The record is durable at this point; a retry would only duplicate it.
	// ResumePrivate drafts anything left in private on the next start.
	if err := s.attachDraft(ctx, item.ID, draft); err != nil {
		log.Printf("app: attach draft to %s, left private: %v", item.ID, err)
	}

	return SubmitResult{ID: item.ID, Message: AcknowledgementMessage}, nil
}

func (s *Service) attachDraft(ctx context.Context, submissionID string, draft store.Draft) error {
	ok, err := s.store.AttachDraft(ctx, submissionID, draft)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("submission %s is no longer private", submissionID)
	}
	s.recordEvent(ctx, store.SubmissionEvent{
		SubmissionID: submissionID,
		Kind:         store.EventDraftAttached,
		FromStatus:   lifecycle.StatusPrivate,
		ToStatus:     lifecycle.StatusDraftGenerated,
		Actor:        systemActor,
		Note:         "confidence " + draft.Confidence,
	})
	s.notifyModerators(submissionID, draft)
	return nil
}

// ResumePrivate drafts every submission still in private, which happens when
// the process stopped between saving a record and attaching its draft.
func (s *Service) ResumePrivate(ctx context.Context) (int, error) {
	items, err := s.store.ListSubmissions(ctx, []lifecycle.Status{lifecycle.StatusPrivate})
	if err != nil {
		return 0, fmt.Errorf("list private submissions: %w", err)
	}
	resumed := 0
	for _, item := range items {
		sections, _, _ := redactSections(item.WhatHappened, item.Impact, item.Improvement)
		draft := s.generator.Generate(ctx, drafting.Request{
			Metadata:      item.Metadata,
			SanitisedText: item.SanitisedText,
			Sections:      sections,
		})
		if err := s.attachDraft(ctx, item.ID, draft); err != nil {
			log.Printf("app: resume %s: %v", item.ID, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		log.Printf("app: resumed %d private submissions", resumed)
	}
	return resumed, nil
}

// redactSections redacts each narrative field on its own. The sanitised text
// is the join of the redacted fields, so it always matches the fallback story.
func redactSections(whatHappened, impact, improvement string) (drafting.Sections, string, map[redact.Category]int) {
	counts := make(map[redact.Category]int)
	clean := func(text string) string {
		out, found := redact.Report(strings.TrimSpace(text))
		for category, n := range found {
			counts[category] += n
		}
		return out
	}
	sections := drafting.Sections{
		WhatHappened: clean(whatHappened),
		Impact:       clean(impact),
		Improvement:  clean(improvement),
	}
	sanitised := strings.Join([]string{sections.WhatHappened, sections.Impact, sections.Improvement}, "\n\n")
	return sections, sanitised, counts
}

// redactionNotes describes what the intake redactor replaced, for the
// moderator reviewing the draft.
func redactionNotes(counts map[redact.Category]int) []string {
	categories := lo.Keys(counts)
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	notes := make([]string, 0, len(categories))
	for _, category := range categories {
		if counts[category] == 0 {
			continue
		}
		notes = append(notes, fmt.Sprintf("Redacted %d %s identifier(s) at intake", counts[category], category))
	}
	return notes
}

func (s *Service) recordEvent(ctx context.Context, event store.SubmissionEvent) {
	if event.ID == "" {
		event.ID = util.NewID("evt")
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		log.Printf("app: record %s event for %s: %v", event.Kind, event.SubmissionID, err)
	}
}

// notifyModerators emails every moderator that a draft is waiting. It runs
// in the background and never affects the submission outcome.
func (s *Service) notifyModerators(submissionID string, draft store.Draft) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	s.notify.Add(1)
	go func() {
		defer s.notify.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		moderators, err := s.store.ListModerators(ctx)
		if err != nil {
			log.Printf("app: list moderators for notification: %v", err)
			return
		}
		recipients := lo.Uniq(lo.FilterMap(moderators, func(m store.Moderator, _ int) (string, bool) {
			return m.Email, m.Email != ""
		}))
		if len(recipients) == 0 {
			return
		}

		err = s.mailer.NotifyDraftPending(recipients, email.DraftPendingData{
			SubmissionID: submissionID,
			Title:        draft.PublishTitle,
			Confidence:   draft.Confidence,
			RiskFlags:    draft.RiskFlags,
			ReviewURL:    strings.TrimRight(s.cfg.PublicURL, "/") + "/admin/submissions/" + submissionID,
		})
		if err != nil {
			log.Printf("app: notify moderators about %s: %v", submissionID, err)
		}
	}()
}
