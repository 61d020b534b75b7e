package store

import (
	"time"

	"safetyvoice/api/internal/lifecycle"
)

// Metadata is the optional, non-identifying context a submitter gives.
type Metadata struct {
	Role            string
	InstitutionType string
	Region          string
	Discipline      string
	TimeWindow      string
}

// Draft is the anonymised, publication-candidate rewrite of a submission.
type Draft struct {
	PublishTitle       string
	PublishSummary     string
	PublishStory       string
	AnonymisationNotes []string
	RiskFlags          []string
	Confidence         string
}

type Submission struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    lifecycle.Status

	Metadata
	WhatHappened   string
	Impact         string
	Improvement    string
	ConsentPublish bool
	SanitisedText  string

	Draft
	PublishedAt *time.Time
	AdminNotes  string
	DecidedBy   string
}

// Decision is a compare-and-set status change. It only applies while the
// stored status still equals From.
type Decision struct {
	SubmissionID string
	From         lifecycle.Status
	To           lifecycle.Status
	Draft        *Draft
	AdminNotes   *string
	DecidedBy    string
}

type SubmissionEvent struct {
	ID           string
	SubmissionID string
	Kind         string
	FromStatus   lifecycle.Status
	ToStatus     lifecycle.Status
	Actor        string
	Note         string
	CreatedAt    time.Time
}

const (
	EventCreated        = "created"
	EventDraftAttached  = "draft_attached"
	EventDraftEdited    = "draft_edited"
	EventStatusDecision = "status_decision"
)

type Moderator struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublishedCount is one row of the public aggregate: how many stories were
// published for a given region or discipline.
type PublishedCount struct {
	Dimension string
	Value     string
	Total     int
}
