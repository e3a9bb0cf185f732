package stamplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Stampline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// Artifact is one rendered image.
type Artifact struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PhraseIndex int    `json:"phrase_index"`
	Path        string `json:"path,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Set represents the API stamp set model.
type Set struct {
	ID                   string     `json:"id"`
	Stage                string     `json:"stage"`
	Theme                string     `json:"theme"`
	Concepts             []string   `json:"concepts"`
	SelectedConceptIndex *int       `json:"selected_concept_index,omitempty"`
	Phrases              []string   `json:"phrases"`
	SampleArtifacts      []Artifact `json:"sample_artifacts"`
	FullArtifacts        []Artifact `json:"full_artifacts"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	SampleGrid           string     `json:"sample_grid,omitempty"`
	FullGrid             string     `json:"full_grid,omitempty"`
	Version              int        `json:"version"`
	CreatedAt            string     `json:"created_at"`
	UpdatedAt            string     `json:"updated_at"`
}

type SetSummary struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Theme     string `json:"theme"`
	UpdatedAt string `json:"updated_at"`
}

// Decision is posted to a parked checkpoint.
type Decision struct {
	Checkpoint string `json:"checkpoint,omitempty"`
	Kind       string `json:"kind"`
	Selection  *int   `json:"selection,omitempty"`
	Indices    []int  `json:"indices,omitempty"`
}

// Checkpoint tells whether a set waits for a decision.
type Checkpoint struct {
	SetID      string         `json:"set_id"`
	Awaiting   bool           `json:"awaiting"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Preview    map[string]any `json:"preview,omitempty"`
}

// Event represents an outbox entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	SetID   string         `json:"set_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSet starts a set for theme.
func (c *Client) CreateSet(ctx context.Context, theme string) (Set, error) {
	var resp Set
	err := c.do(ctx, http.MethodPost, "sets", map[string]any{"theme": theme}, &resp)
	return resp, err
}

// GetSet fetches a set by id.
func (c *Client) GetSet(ctx context.Context, id string) (Set, error) {
	var resp Set
	err := c.do(ctx, http.MethodGet, "sets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListSets returns set summaries, optionally filtered by stage.
func (c *Client) ListSets(ctx context.Context, stage string, active bool) ([]SetSummary, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if active {
		q.Set("active", "true")
	}
	endpoint := "sets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []SetSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Checkpoint returns what the set is waiting on.
func (c *Client) Checkpoint(ctx context.Context, id string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodGet, "sets/"+url.PathEscape(id)+"/checkpoint", nil, &resp)
	return resp, err
}

// Decide submits a checkpoint decision.
func (c *Client) Decide(ctx context.Context, id string, d Decision) (Set, error) {
	var resp Set
	err := c.do(ctx, http.MethodPost, "sets/"+url.PathEscape(id)+"/decisions", d, &resp)
	return resp, err
}

// Cancel stops a set.
func (c *Client) Cancel(ctx context.Context, id string) (Set, error) {
	var resp Set
	err := c.do(ctx, http.MethodPost, "sets/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Delete removes a set and its images.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "sets/"+url.PathEscape(id), nil, nil)
}

// Export returns the training bundle of a completed set as raw JSON.
func (c *Client) Export(ctx context.Context, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "sets/"+url.PathEscape(id)+"/export", nil, &resp)
	return resp, err
}

// EventsPage returns events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	base := strings.TrimRight(c.BaseURL, "/")
	if basePath == "" {
		return base
	}
	return base + "/" + basePath
}
