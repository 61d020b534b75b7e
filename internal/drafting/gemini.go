package drafting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel    = "gemini-2.0-flash"
	cloudPlatformScope    = "https://www.googleapis.com/auth/cloud-platform"
)

var ErrGenerationDisabled = errors.New("generation disabled: no model credentials configured")

// Disabled is used when no API key or service account is configured. Every
// submission then receives the fallback draft.
type Disabled struct{}

func (Disabled) Rewrite(context.Context, Prompt) ([]byte, error) {
	return nil, ErrGenerationDisabled
}

type GeminiConfig struct {
	APIKey string
	Model  string
	// Endpoint is the base URL up to, but excluding, "/models/...". For Vertex
	// AI it is the publisher path of a project and location.
	Endpoint string
	// CredentialsFile is a service-account JSON file. When set, requests carry
	// an OAuth2 bearer token instead of the API key.
	CredentialsFile string
	HTTPClient      *http.Client
}

// Gemini calls the generateContent REST method with a JSON response schema.
type Gemini struct {
	apiKey   string
	model    string
	endpoint string
	tokens   oauth2.TokenSource
	client   *http.Client
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	g := &Gemini{
		apiKey:   cfg.APIKey,
		model:    strings.TrimSpace(cfg.Model),
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		client:   cfg.HTTPClient,
	}
	if g.model == "" {
		g.model = DefaultGeminiModel
	}
	if g.endpoint == "" {
		g.endpoint = DefaultGeminiEndpoint
	}
	if g.client == nil {
		g.client = http.DefaultClient
	}
	if cfg.CredentialsFile != "" {
		credsJSON, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, credsJSON, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("load service account credentials: %w", err)
		}
		g.tokens = oauth2.ReuseTokenSource(nil, creds.TokenSource)
	}
	if g.apiKey == "" && g.tokens == nil {
		return nil, ErrGenerationDisabled
	}
	return g, nil
}

// NewRewriter returns a Gemini rewriter, or Disabled when nothing is configured.
func NewRewriter(ctx context.Context, cfg GeminiConfig) (Rewriter, error) {
	g, err := NewGemini(ctx, cfg)
	if errors.Is(err, ErrGenerationDisabled) {
		return Disabled{}, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  map[string]any  `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// requestURL never carries credentials; transport errors echo it into logs.
func (g *Gemini) requestURL() string {
	return g.endpoint + "/models/" + url.PathEscape(g.model) + ":generateContent"
}

func (g *Gemini) Rewrite(ctx context.Context, prompt Prompt) ([]byte, error) {
	body, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: prompt.System}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt.User}}}},
		GenerationConfig: map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   responseSchema,
			"temperature":      0.2,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.requestURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.tokens != nil {
		token, err := g.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("get access token: %w", err)
		}
		token.SetAuthHeader(req)
	} else {
		req.Header.Set("x-goog-api-key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if decoded.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini blocked prompt: %s", decoded.PromptFeedback.BlockReason)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return []byte(text.String()), nil
}
