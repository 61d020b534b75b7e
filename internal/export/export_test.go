package export

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"safetyvoice/api/internal/lifecycle"
	"safetyvoice/api/internal/store"
)

func TestStoryToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "heading and paragraph", input: "### What happened\nThe hood was off.", expected: "<h3>What happened</h3><p>The hood was off.</p>"},
		{name: "multi-line paragraph", input: "line one\nline two\n\nnext", expected: "<p>line one<br>line two</p><p>next</p>"},
		{name: "bullets", input: "- notice\n- training", expected: "<ul><li>notice</li><li>training</li></ul>"},
		{name: "escapes markup", input: "<script>alert(1)</script>", expected: "<p>&lt;script&gt;alert(1)&lt;/script&gt;</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(StoryToHTML(tt.input)); got != tt.expected {
				t.Errorf("StoryToHTML(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"review sub_1", "review-sub_1"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "review-packet"},
		{strings.Repeat("a", 80), strings.Repeat("a", 60)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := percentEncodeForDataURL(tt.input); got != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

type fakeStore struct {
	item   store.Submission
	events []store.SubmissionEvent
}

func (f fakeStore) GetSubmission(_ context.Context, id string) (store.Submission, error) {
	if id != f.item.ID {
		return store.Submission{}, sql.ErrNoRows
	}
	return f.item, nil
}

func (f fakeStore) ListEvents(context.Context, string) ([]store.SubmissionEvent, error) {
	return f.events, nil
}

func testSubmission() store.Submission {
	return store.Submission{
		ID:             "sub_1",
		CreatedAt:      time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Status:         lifecycle.StatusDraftGenerated,
		Metadata:       store.Metadata{Region: "Scotland"},
		WhatHappened:   "Raw account <with markup>",
		Impact:         "Lost data",
		Improvement:    "Notice",
		ConsentPublish: true,
		SanitisedText:  "Raw account <with markup>\n\nLost data\n\nNotice",
		Draft: store.Draft{
			PublishTitle:   "Unannounced shutdown",
			PublishSummary: "A summary.",
			PublishStory:   "### What happened\nSomething.",
			RiskFlags:      []string{"generation_error"},
			Confidence:     "low",
		},
	}
}

func TestExportHTMLPacket(t *testing.T) {
	svc := NewService(fakeStore{
		item: testSubmission(),
		events: []store.SubmissionEvent{{
			Kind:       store.EventDraftAttached,
			FromStatus: lifecycle.StatusPrivate,
			ToStatus:   lifecycle.StatusDraftGenerated,
			Actor:      "system",
			CreatedAt:  time.Date(2025, 3, 1, 9, 0, 5, 0, time.UTC),
		}},
	})

	result, err := svc.Export(context.Background(), Request{SubmissionID: "sub_1", Format: FormatHTML, ExportedBy: "lead"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "review-sub_1.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result metadata %q %q", result.Filename, result.MimeType)
	}
	html := string(result.Data)
	for _, want := range []string{"Unannounced shutdown", "<h3>What happened</h3>", "generation_error", "Raw account &lt;with markup&gt;", "draft_attached", "Scotland", "by lead"} {
		if !strings.Contains(html, want) {
			t.Errorf("packet missing %q", want)
		}
	}
	if strings.Contains(html, "<with markup>") {
		t.Error("raw text must be escaped")
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	svc := NewService(fakeStore{item: testSubmission()})
	var gotHTML string
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		gotHTML = html
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}
	result, err := svc.Export(context.Background(), Request{SubmissionID: "sub_1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "application/pdf" || !strings.Contains(gotHTML, "Review packet") {
		t.Fatalf("unexpected pdf export %+v", result)
	}
}

func TestExportErrors(t *testing.T) {
	svc := NewService(fakeStore{item: testSubmission()})
	if _, err := svc.Export(context.Background(), Request{SubmissionID: "missing"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected wrapped sql.ErrNoRows, got %v", err)
	}
	if _, err := svc.Export(context.Background(), Request{SubmissionID: "sub_1", Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("ParseFormat(docx) = %v", err)
	}
	if f, _ := ParseFormat(""); f != FormatHTML {
		t.Fatalf("ParseFormat(\"\") = %q, want html", f)
	}
}
