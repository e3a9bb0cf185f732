// Package gemini implements the text gateway on top of the Gemini
// generateContent REST endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
	"stampline/internal/gateway"
)

const service = "gemini"

type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	ConceptCount int
	PhraseCount  int
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

type Client struct {
	apiKey       string
	baseURL      string
	model        string
	conceptCount int
	phraseCount  int
	httpClient   *http.Client
	logger       zerolog.Logger
}

var _ gateway.TextConceptGateway = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	concepts := opts.ConceptCount
	if concepts <= 0 {
		concepts = 3
	}
	phrases := opts.PhraseCount
	if phrases <= 0 {
		phrases = 30
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		model:        model,
		conceptCount: concepts,
		phraseCount:  phrases,
		httpClient:   client,
		logger:       opts.Logger,
	}, nil
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	CandidateCount   int    `json:"candidateCount,omitempty"`
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

type conceptProposal struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (c *Client) ProposeConcepts(ctx context.Context, theme string) ([]string, error) {
	prompt := fmt.Sprintf(`Propose %d distinct, friendly sticker characters for a chat sticker set.
Theme: %s
Answer with a JSON array only: [{"name": "...", "description": "appearance, personality and style"}]`, c.conceptCount, theme)
	text, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	concepts, err := parseConcepts(text)
	if err != nil {
		return nil, err
	}
	if len(concepts) > c.conceptCount {
		concepts = concepts[:c.conceptCount]
	}
	c.logger.Debug().Str("model", c.model).Int("concepts", len(concepts)).Msg("gemini: proposed concepts")
	return concepts, nil
}

func (c *Client) ProposePhrases(ctx context.Context, concept string) ([]string, error) {
	prompt := fmt.Sprintf(`Propose %d short sticker phrases for this character.
Character: %s
Balance greetings, replies, emotions, everyday talk and light jokes.
Answer with a JSON array of strings only.`, c.phraseCount, concept)
	text, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var phrases []string
	if err := json.Unmarshal([]byte(stripFence(text)), &phrases); err != nil {
		return nil, fmt.Errorf("%w: %s: phrases are not a JSON array: %v", domain.ErrUpstreamRejected, service, err)
	}
	phrases = compact(phrases)
	if len(phrases) == 0 {
		return nil, fmt.Errorf("%w: %s returned no phrases", domain.ErrUpstreamRejected, service)
	}
	if len(phrases) > c.phraseCount {
		phrases = phrases[:c.phraseCount]
	}
	return phrases, nil
}

func parseConcepts(text string) ([]string, error) {
	raw := []byte(stripFence(text))
	var proposals []conceptProposal
	if err := json.Unmarshal(raw, &proposals); err != nil {
		var plain []string
		if err2 := json.Unmarshal(raw, &plain); err2 != nil {
			return nil, fmt.Errorf("%w: %s: concepts are not a JSON array: %v", domain.ErrUpstreamRejected, service, err)
		}
		plain = compact(plain)
		if len(plain) == 0 {
			return nil, fmt.Errorf("%w: %s returned no concepts", domain.ErrUpstreamRejected, service)
		}
		return plain, nil
	}
	var out []string
	for _, p := range proposals {
		name := strings.TrimSpace(p.Name)
		desc := strings.TrimSpace(p.Description)
		switch {
		case name != "" && desc != "":
			out = append(out, name+": "+desc)
		case desc != "":
			out = append(out, desc)
		case name != "":
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no concepts", domain.ErrUpstreamRejected, service)
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	payload := generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{CandidateCount: 1, ResponseMimeType: "application/json"},
	}
	var resp generateResponse
	if err := c.invoke(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &resp); err != nil {
		return "", err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: %s blocked prompt: %s", domain.ErrUpstreamRejected, service, resp.PromptFeedback.BlockReason)
	}
	for _, cand := range resp.Candidates {
		switch cand.FinishReason {
		case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "RECITATION":
			return "", fmt.Errorf("%w: %s finish reason %s", domain.ErrUpstreamRejected, service, cand.FinishReason)
		}
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			b.WriteString(p.Text)
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("%w: %s returned no candidates", domain.ErrUpstreamUnavailable, service)
}

func (c *Client) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.TransportError(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			return gateway.StatusError(service, resp.StatusCode, apiErr.Error.Message)
		}
		return gateway.StatusError(service, resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrUpstreamUnavailable, service, err)
	}
	return nil
}

// stripFence removes a surrounding ```json fence some models still emit.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
