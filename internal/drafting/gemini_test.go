package drafting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestGeminiRewriteSendsSchemaAndKey(t *testing.T) {
	var gotPath, gotKey, gotQuery string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": validOutput}}},
			}},
		})
	}))
	defer server.Close()

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "test-key", Endpoint: server.URL + "/v1beta/", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	draft := NewGenerator(g, time.Second).Generate(context.Background(), testRequest())
	if IsFallback(draft) {
		t.Fatal("expected model draft, got fallback")
	}
	if gotPath != "/v1beta/models/"+DefaultGeminiModel+":generateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotQuery != "" {
		t.Fatalf("expected no query string, got %q", gotQuery)
	}
	config, _ := gotBody["generationConfig"].(map[string]any)
	if config["responseMimeType"] != "application/json" || config["responseSchema"] == nil {
		t.Fatalf("expected JSON schema config, got %v", config)
	}
}

func TestGeminiRewriteErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "http error", handler: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota", http.StatusTooManyRequests)
		}},
		{name: "no candidates", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[]}`))
		}},
		{name: "blocked", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()
			g, _ := NewGemini(context.Background(), GeminiConfig{APIKey: "k", Endpoint: server.URL, HTTPClient: server.Client()})
			if _, err := g.Rewrite(context.Background(), BuildPrompt(testRequest().Metadata, "x")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestGeminiTimeoutDoesNotLogKey(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	client := &http.Client{Timeout: 50 * time.Millisecond}
	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "SUPERSECRETKEY", Endpoint: server.URL, HTTPClient: client})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	_, rewriteErr := g.Rewrite(context.Background(), BuildPrompt(testRequest().Metadata, "x"))
	if rewriteErr == nil {
		t.Fatal("expected timeout error")
	}
	if strings.Contains(rewriteErr.Error(), "SUPERSECRETKEY") {
		t.Fatalf("error leaks api key: %v", rewriteErr)
	}

	draft := NewGenerator(g, time.Second).Generate(context.Background(), testRequest())
	assertFallback(t, draft)
	if !strings.Contains(logs.String(), "drafting: rewrite failed") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
	if strings.Contains(logs.String(), "SUPERSECRETKEY") {
		t.Fatalf("log leaks api key: %q", logs.String())
	}
}

func TestNewRewriterWithoutCredentialsIsDisabled(t *testing.T) {
	rewriter, err := NewRewriter(context.Background(), GeminiConfig{})
	if err != nil {
		t.Fatalf("NewRewriter() error = %v", err)
	}
	if _, ok := rewriter.(Disabled); !ok {
		t.Fatalf("expected Disabled, got %T", rewriter)
	}
	if _, err := rewriter.Rewrite(context.Background(), Prompt{}); !errors.Is(err, ErrGenerationDisabled) {
		t.Fatalf("expected ErrGenerationDisabled, got %v", err)
	}
}

func TestNewGeminiMissingCredentialsFile(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiConfig{CredentialsFile: "/nonexistent/sa.json"})
	if err == nil || !strings.Contains(err.Error(), "service account") {
		t.Fatalf("expected service account error, got %v", err)
	}
}
