// Package drafting turns sanitised submissions into anonymised publication
// drafts through a generative rewriter, falling back to a mechanical draft
// whenever the rewriter cannot be trusted.
package drafting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"safetyvoice/api/internal/store"
)

const (
	FallbackTitle   = "Experience Submission"
	FallbackSummary = "Summary pending manual review."
	FallbackNote    = "AI generation failed, using sanitised text fallback."
	FlagGeneration  = "generation_error"
	FlagMissing     = "missing_sections"

	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"

	HeadingWhatHappened = "### What happened"
	HeadingImpact       = "### Impact"
	HeadingWhatHelps    = "### What would help"
)

var ErrInvalidDraft = errors.New("invalid draft")

// Rewriter sends a prompt to a generative model and returns its raw JSON text.
type Rewriter interface {
	Rewrite(ctx context.Context, prompt Prompt) ([]byte, error)
}

// Sections are the three narrative fields after redaction.
type Sections struct {
	WhatHappened string
	Impact       string
	Improvement  string
}

type Request struct {
	Metadata      store.Metadata
	SanitisedText string
	Sections      Sections
}

type Generator struct {
	rewriter Rewriter
	timeout  time.Duration
}

func NewGenerator(rewriter Rewriter, timeout time.Duration) *Generator {
	if rewriter == nil {
		rewriter = Disabled{}
	}
	return &Generator{rewriter: rewriter, timeout: timeout}
}

// Generate always returns a usable draft. Any rewriter failure, timeout or
// schema violation yields Fallback(req.Sections).
func (g *Generator) Generate(ctx context.Context, req Request) store.Draft {
	raw, err := g.rewrite(ctx, BuildPrompt(req.Metadata, req.SanitisedText))
	if err != nil {
		log.Printf("drafting: rewrite failed: %v", err)
		return Fallback(req.Sections)
	}
	draft, err := Decode(raw)
	if err != nil {
		log.Printf("drafting: rejected model output: %v", err)
		return Fallback(req.Sections)
	}
	if missing := MissingSections(draft.PublishStory); len(missing) > 0 {
		draft.RiskFlags = appendUnique(draft.RiskFlags, FlagMissing)
	}
	return draft
}

// rewrite bounds the call by the generator timeout even if the rewriter
// ignores its context.
func (g *Generator) rewrite(ctx context.Context, prompt Prompt) ([]byte, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("rewriter panic: %v", r)}
			}
		}()
		raw, err := g.rewriter.Rewrite(ctx, prompt)
		done <- result{raw: raw, err: err}
	}()

	select {
	case res := <-done:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type wireDraft struct {
	PublishTitle       *string   `json:"publish_title"`
	PublishSummary     *string   `json:"publish_summary"`
	PublishStory       *string   `json:"publish_story"`
	AnonymisationNotes *[]string `json:"anonymisation_notes"`
	RiskFlags          *[]string `json:"risk_flags"`
	Confidence         *string   `json:"confidence"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// Decode parses model output into a draft, requiring every schema field.
func Decode(raw []byte) (store.Draft, error) {
	text := strings.TrimSpace(string(raw))
	if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
		text = m[1]
	}
	var wire wireDraft
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return store.Draft{}, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	missing := []string{}
	if wire.PublishTitle == nil {
		missing = append(missing, "publish_title")
	}
	if wire.PublishSummary == nil {
		missing = append(missing, "publish_summary")
	}
	if wire.PublishStory == nil {
		missing = append(missing, "publish_story")
	}
	if wire.AnonymisationNotes == nil {
		missing = append(missing, "anonymisation_notes")
	}
	if wire.RiskFlags == nil {
		missing = append(missing, "risk_flags")
	}
	if wire.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if len(missing) > 0 {
		return store.Draft{}, fmt.Errorf("%w: missing %s", ErrInvalidDraft, strings.Join(missing, ", "))
	}

	draft := store.Draft{
		PublishTitle:       strings.TrimSpace(*wire.PublishTitle),
		PublishSummary:     strings.TrimSpace(*wire.PublishSummary),
		PublishStory:       strings.TrimSpace(*wire.PublishStory),
		AnonymisationNotes: cleanList(*wire.AnonymisationNotes),
		RiskFlags:          cleanList(*wire.RiskFlags),
		Confidence:         strings.TrimSpace(*wire.Confidence),
	}
	if err := Validate(draft); err != nil {
		return store.Draft{}, err
	}
	return draft, nil
}

// Validate checks a draft produced by a model or edited by a moderator.
func Validate(draft store.Draft) error {
	switch {
	case strings.TrimSpace(draft.PublishTitle) == "":
		return fmt.Errorf("%w: publish_title is empty", ErrInvalidDraft)
	case strings.TrimSpace(draft.PublishSummary) == "":
		return fmt.Errorf("%w: publish_summary is empty", ErrInvalidDraft)
	case strings.TrimSpace(draft.PublishStory) == "":
		return fmt.Errorf("%w: publish_story is empty", ErrInvalidDraft)
	}
	if !ValidConfidence(draft.Confidence) {
		return fmt.Errorf("%w: confidence %q is not one of low, medium, high", ErrInvalidDraft, draft.Confidence)
	}
	return nil
}

func ValidConfidence(value string) bool {
	return lo.Contains([]string{ConfidenceLow, ConfidenceMedium, ConfidenceHigh}, value)
}

// MissingSections lists the section headings absent from story.
func MissingSections(story string) []string {
	lower := strings.ToLower(story)
	return lo.Filter([]string{HeadingWhatHappened, HeadingImpact, HeadingWhatHelps}, func(heading string, _ int) bool {
		return !strings.Contains(lower, strings.ToLower(strings.TrimPrefix(heading, "### ")))
	})
}

// Fallback builds the deterministic draft used when generation fails.
func Fallback(sections Sections) store.Draft {
	story := strings.Join([]string{
		HeadingWhatHappened, strings.TrimSpace(sections.WhatHappened), "",
		HeadingImpact, strings.TrimSpace(sections.Impact), "",
		HeadingWhatHelps, strings.TrimSpace(sections.Improvement),
	}, "\n")
	return store.Draft{
		PublishTitle:       FallbackTitle,
		PublishSummary:     FallbackSummary,
		PublishStory:       story,
		AnonymisationNotes: []string{FallbackNote},
		RiskFlags:          []string{FlagGeneration},
		Confidence:         ConfidenceLow,
	}
}

// IsFallback reports whether draft came from Fallback.
func IsFallback(draft store.Draft) bool {
	return lo.Contains(draft.RiskFlags, FlagGeneration)
}

func cleanList(values []string) []string {
	trimmed := lo.Map(values, func(v string, _ int) string { return strings.TrimSpace(v) })
	return lo.Uniq(lo.Compact(trimmed))
}

func appendUnique(values []string, value string) []string {
	if lo.Contains(values, value) {
		return values
	}
	return append(values, value)
}
