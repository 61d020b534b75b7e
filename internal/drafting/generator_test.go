package drafting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"safetyvoice/api/internal/store"
)

type rewriterFunc func(ctx context.Context, prompt Prompt) ([]byte, error)

func (f rewriterFunc) Rewrite(ctx context.Context, prompt Prompt) ([]byte, error) {
	return f(ctx, prompt)
}

func staticRewriter(raw string) Rewriter {
	return rewriterFunc(func(context.Context, Prompt) ([]byte, error) { return []byte(raw), nil })
}

var testSections = Sections{
	WhatHappened: "A technician entered without warning and shut off the fume hood.",
	Impact:       "Lost three days of a sensitive reaction.",
	Improvement:  "Give 24h notice.",
}

func testRequest() Request {
	return Request{
		Metadata:      store.Metadata{Region: "North West"},
		SanitisedText: strings.Join([]string{testSections.WhatHappened, testSections.Impact, testSections.Improvement}, "\n\n"),
		Sections:      testSections,
	}
}

const validOutput = `{
  "publish_title": "Fume hood shut off mid-experiment",
  "publish_summary": "A researcher reports losing work after an unannounced intervention.",
  "publish_story": "### What happened\nThe submitter reports...\n\n### Impact\nThree days lost.\n\n### What would help\nAdvance notice.",
  "anonymisation_notes": ["Removed role detail", " ", "Removed role detail"],
  "risk_flags": [],
  "confidence": "high"
}`

func assertFallback(t *testing.T, draft store.Draft) {
	t.Helper()
	if draft.PublishTitle != FallbackTitle || draft.PublishSummary != FallbackSummary {
		t.Fatalf("expected fallback title/summary, got %q / %q", draft.PublishTitle, draft.PublishSummary)
	}
	if draft.Confidence != ConfidenceLow {
		t.Fatalf("expected low confidence, got %q", draft.Confidence)
	}
	if len(draft.AnonymisationNotes) != 1 || draft.AnonymisationNotes[0] != FallbackNote {
		t.Fatalf("unexpected fallback notes %v", draft.AnonymisationNotes)
	}
	if len(draft.RiskFlags) != 1 || draft.RiskFlags[0] != FlagGeneration {
		t.Fatalf("unexpected fallback flags %v", draft.RiskFlags)
	}
	for _, want := range []string{HeadingWhatHappened, HeadingImpact, HeadingWhatHelps, testSections.WhatHappened, testSections.Impact, testSections.Improvement} {
		if !strings.Contains(draft.PublishStory, want) {
			t.Fatalf("fallback story missing %q:\n%s", want, draft.PublishStory)
		}
	}
}

func TestGenerateAcceptsValidOutput(t *testing.T) {
	draft := NewGenerator(staticRewriter(validOutput), time.Second).Generate(context.Background(), testRequest())
	if draft.PublishTitle != "Fume hood shut off mid-experiment" {
		t.Fatalf("unexpected title %q", draft.PublishTitle)
	}
	if draft.Confidence != ConfidenceHigh {
		t.Fatalf("expected high confidence, got %q", draft.Confidence)
	}
	if len(draft.AnonymisationNotes) != 1 {
		t.Fatalf("expected notes cleaned to one entry, got %v", draft.AnonymisationNotes)
	}
	if len(draft.RiskFlags) != 0 {
		t.Fatalf("expected no flags, got %v", draft.RiskFlags)
	}
}

func TestGenerateToleratesCodeFence(t *testing.T) {
	fenced := "```json\n" + validOutput + "\n```"
	draft := NewGenerator(staticRewriter(fenced), time.Second).Generate(context.Background(), testRequest())
	if IsFallback(draft) {
		t.Fatalf("expected fenced JSON to be accepted, got fallback")
	}
}

func TestGenerateFallsBack(t *testing.T) {
	cases := []struct {
		name     string
		rewriter Rewriter
		timeout  time.Duration
	}{
		{
			name: "timeout",
			rewriter: rewriterFunc(func(context.Context, Prompt) ([]byte, error) {
				time.Sleep(200 * time.Millisecond)
				return []byte(validOutput), nil
			}),
			timeout: 20 * time.Millisecond,
		},
		{name: "malformed json", rewriter: staticRewriter(`{"publish_title": "x",`), timeout: time.Second},
		{name: "missing field", rewriter: staticRewriter(`{"publish_title":"t","publish_summary":"s","publish_story":"st","anonymisation_notes":[],"confidence":"low"}`), timeout: time.Second},
		{name: "bad confidence", rewriter: staticRewriter(strings.Replace(validOutput, `"high"`, `"certain"`, 1)), timeout: time.Second},
		{name: "capitalised confidence", rewriter: staticRewriter(strings.Replace(validOutput, `"high"`, `"High"`, 1)), timeout: time.Second},
		{name: "empty title", rewriter: staticRewriter(strings.Replace(validOutput, `"Fume hood shut off mid-experiment"`, `""`, 1)), timeout: time.Second},
		{
			name: "provider error",
			rewriter: rewriterFunc(func(context.Context, Prompt) ([]byte, error) {
				return nil, errors.New("quota exceeded")
			}),
			timeout: time.Second,
		},
		{
			name: "panic",
			rewriter: rewriterFunc(func(context.Context, Prompt) ([]byte, error) {
				panic("boom")
			}),
			timeout: time.Second,
		},
		{name: "disabled", rewriter: Disabled{}, timeout: time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := NewGenerator(tc.rewriter, tc.timeout).Generate(context.Background(), testRequest())
			assertFallback(t, draft)
		})
	}
}

func TestGenerateFlagsMissingSections(t *testing.T) {
	output := strings.Replace(validOutput, `### Impact\nThree days lost.\n\n`, ``, 1)
	draft := NewGenerator(staticRewriter(output), time.Second).Generate(context.Background(), testRequest())
	if IsFallback(draft) {
		t.Fatal("missing sections should not trigger the fallback")
	}
	if len(draft.RiskFlags) != 1 || draft.RiskFlags[0] != FlagMissing {
		t.Fatalf("expected missing_sections flag, got %v", draft.RiskFlags)
	}
}

func TestBuildPromptDefaults(t *testing.T) {
	prompt := BuildPrompt(store.Metadata{Discipline: "Chemistry"}, "sanitised body")
	for _, want := range []string{"Role: Not specified", "Discipline: Chemistry", "Time window: Not specified", "sanitised body"} {
		if !strings.Contains(prompt.User, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt.User)
		}
	}
	if prompt.System != SystemInstruction {
		t.Fatal("expected the fixed system instruction")
	}
}

func TestValidate(t *testing.T) {
	valid := Fallback(testSections)
	if err := Validate(valid); err != nil {
		t.Fatalf("fallback draft should validate: %v", err)
	}
	valid.Confidence = "unsure"
	if err := Validate(valid); !errors.Is(err, ErrInvalidDraft) {
		t.Fatalf("expected ErrInvalidDraft, got %v", err)
	}
}
