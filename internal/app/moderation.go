package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"safetyvoice/api/internal/drafting"
	"safetyvoice/api/internal/export"
	"safetyvoice/api/internal/lifecycle"
	"safetyvoice/api/internal/rbac"
	"safetyvoice/api/internal/search"
	"safetyvoice/api/internal/store"
)

// DraftInput is a partial edit of a draft. Nil fields keep the stored value.
type DraftInput struct {
	PublishTitle       *string   `json:"publishTitle"`
	PublishSummary     *string   `json:"publishSummary"`
	PublishStory       *string   `json:"publishStory"`
	AnonymisationNotes *[]string `json:"anonymisationNotes"`
	RiskFlags          *[]string `json:"riskFlags"`
	Confidence         *string   `json:"confidence"`
}

func (in *DraftInput) apply(draft store.Draft) store.Draft {
	if in == nil {
		return draft
	}
	if in.PublishTitle != nil {
		draft.PublishTitle = strings.TrimSpace(*in.PublishTitle)
	}
	if in.PublishSummary != nil {
		draft.PublishSummary = strings.TrimSpace(*in.PublishSummary)
	}
	if in.PublishStory != nil {
		draft.PublishStory = strings.TrimSpace(*in.PublishStory)
	}
	if in.AnonymisationNotes != nil {
		draft.AnonymisationNotes = lo.Compact(*in.AnonymisationNotes)
	}
	if in.RiskFlags != nil {
		draft.RiskFlags = lo.Compact(*in.RiskFlags)
	}
	if in.Confidence != nil {
		draft.Confidence = strings.ToLower(strings.TrimSpace(*in.Confidence))
	}
	return draft
}

type DecisionInput struct {
	Outcome    string      `json:"outcome"`
	Draft      *DraftInput `json:"draft"`
	AdminNotes *string     `json:"adminNotes"`
}

type EditDraftInput struct {
	Draft      *DraftInput `json:"draft"`
	AdminNotes *string     `json:"adminNotes"`
}

type Review struct {
	Submission store.Submission
	Events     []store.SubmissionEvent
}

func invalidDraft(err error) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_DRAFT", err.Error(), nil)
}

// ListPending returns every submission still awaiting a decision, newest first.
func (s *Service) ListPending(ctx context.Context, session Session) ([]store.Submission, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, lifecycle.Pending())
}

// ListSubmissions filters by one status. An empty filter or "pending" means
// the non-terminal statuses.
func (s *Service) ListSubmissions(ctx context.Context, session Session, status string) ([]store.Submission, error) {
	status = strings.TrimSpace(status)
	if status == "" || status == "pending" {
		return s.ListPending(ctx, session)
	}
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return nil, err
	}
	parsed, err := lifecycle.Parse(status)
	if err != nil {
		return nil, validationError(err.Error(), map[string]string{"status": "unknown status"})
	}
	return s.store.ListSubmissions(ctx, []lifecycle.Status{parsed})
}

func (s *Service) ReviewOne(ctx context.Context, session Session, submissionID string) (Review, error) {
	if err := s.authorize(session, rbac.ActionReview); err != nil {
		return Review{}, err
	}
	item, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return Review{}, err
	}
	events, err := s.store.ListEvents(ctx, submissionID)
	if err != nil {
		return Review{}, fmt.Errorf("list events: %w", err)
	}
	return Review{Submission: item, Events: events}, nil
}

func (s *Service) getSubmission(ctx context.Context, submissionID string) (store.Submission, error) {
	item, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Submission{}, notFound("Submission not found")
		}
		return store.Submission{}, err
	}
	return item, nil
}

// Decide publishes or rejects a submission. The store applies the change only
// while the status is still the one read here, so of two concurrent decisions
// exactly one wins and the other gets the new status back.
func (s *Service) Decide(ctx context.Context, session Session, submissionID string, input DecisionInput) (store.Submission, error) {
	if err := s.authorize(session, rbac.ActionDecide); err != nil {
		return store.Submission{}, err
	}
	to := lifecycle.Status(strings.TrimSpace(input.Outcome))
	if !lo.Contains(lifecycle.Outcomes(), to) {
		return store.Submission{}, validationError("Outcome must be published or rejected", map[string]string{"outcome": "must be published or rejected"})
	}

	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if err := lifecycle.Check(item.Status, to); err != nil {
		return store.Submission{}, transitionError(item.Status, to)
	}
	if to == lifecycle.StatusPublished && !item.ConsentPublish {
		return store.Submission{}, errConsentRequired
	}

	var edited *store.Draft
	if input.Draft != nil {
		draft := input.Draft.apply(item.Draft)
		edited = &draft
	}
	if to == lifecycle.StatusPublished {
		final := item.Draft
		if edited != nil {
			final = *edited
		}
		if err := drafting.Validate(final); err != nil {
			return store.Submission{}, invalidDraft(err)
		}
	} else if edited != nil {
		if err := drafting.Validate(*edited); err != nil {
			return store.Submission{}, invalidDraft(err)
		}
	}

	ok, err := s.store.DecideSubmission(ctx, store.Decision{
		SubmissionID: submissionID,
		From:         item.Status,
		To:           to,
		Draft:        edited,
		AdminNotes:   input.AdminNotes,
		DecidedBy:    session.UserID,
	})
	if err != nil {
		return store.Submission{}, err
	}
	if !ok {
		return store.Submission{}, s.staleTransition(ctx, submissionID, to)
	}

	note := ""
	if input.AdminNotes != nil {
		note = strings.TrimSpace(*input.AdminNotes)
	}
	s.recordEvent(ctx, store.SubmissionEvent{
		SubmissionID: submissionID,
		Kind:         store.EventStatusDecision,
		FromStatus:   item.Status,
		ToStatus:     to,
		Actor:        session.UserID,
		Note:         note,
	})

	updated, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if to == lifecycle.StatusPublished {
		s.search.IndexStory(search.StoryFromSubmission(updated))
	}
	return updated, nil
}

// staleTransition reports a lost compare-and-set with whatever status the
// record holds now.
func (s *Service) staleTransition(ctx context.Context, submissionID string, to lifecycle.Status) error {
	current, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	return transitionError(current.Status, to)
}

// EditDraft changes draft fields or admin notes without deciding.
func (s *Service) EditDraft(ctx context.Context, session Session, submissionID string, input EditDraftInput) (store.Submission, error) {
	if err := s.authorize(session, rbac.ActionDecide); err != nil {
		return store.Submission{}, err
	}
	if input.Draft == nil && input.AdminNotes == nil {
		return store.Submission{}, validationError("Nothing to update", nil)
	}

	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if !item.Status.Decidable() {
		return store.Submission{}, transitionError(item.Status, item.Status)
	}

	draft := input.Draft.apply(item.Draft)
	if err := drafting.Validate(draft); err != nil {
		return store.Submission{}, invalidDraft(err)
	}

	ok, err := s.store.UpdateDraft(ctx, submissionID, item.Status, draft, input.AdminNotes)
	if err != nil {
		return store.Submission{}, err
	}
	if !ok {
		return store.Submission{}, s.staleTransition(ctx, submissionID, item.Status)
	}

	s.recordEvent(ctx, store.SubmissionEvent{
		SubmissionID: submissionID,
		Kind:         store.EventDraftEdited,
		FromStatus:   item.Status,
		ToStatus:     item.Status,
		Actor:        session.UserID,
	})
	return s.getSubmission(ctx, submissionID)
}

// Export renders the review packet for a submission.
func (s *Service) Export(ctx context.Context, session Session, submissionID, format string) (*export.Result, error) {
	if err := s.authorize(session, rbac.ActionExport); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, validationError(err.Error(), map[string]string{"format": "must be html or pdf"})
	}
	if _, err := s.getSubmission(ctx, submissionID); err != nil {
		return nil, err
	}

	exportedBy := session.UserName
	if exportedBy == "" {
		exportedBy = session.UserID
	}
	result, err := s.exporter.Export(ctx, export.Request{SubmissionID: submissionID, Format: parsed, ExportedBy: exportedBy})
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
		}
		return nil, err
	}
	return result, nil
}
