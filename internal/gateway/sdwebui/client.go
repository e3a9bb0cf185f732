// Package sdwebui renders sticker images through the Stable Diffusion WebUI
// txt2img API.
package sdwebui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
	"stampline/internal/gateway"
)

const service = "sdwebui"

type Options struct {
	BaseURL        string
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	Sampler        string
	NegativePrompt string
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

type Client struct {
	opts       Options
	httpClient *http.Client
}

var _ gateway.ImageRenderGateway = (*Client)(nil)

func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:7860"
	}
	if opts.Width <= 0 {
		opts.Width = 370
	}
	if opts.Height <= 0 {
		opts.Height = 320
	}
	if opts.Steps <= 0 {
		opts.Steps = 30
	}
	if opts.CFGScale <= 0 {
		opts.CFGScale = 7
	}
	if opts.Sampler == "" {
		opts.Sampler = "DPM++ 2M Karras"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{opts: opts, httpClient: client}
}

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	CFGScale       float64 `json:"cfg_scale"`
	Steps          int     `json:"steps"`
	SamplerName    string  `json:"sampler_name"`
	Seed           int64   `json:"seed"`
	SaveImages     bool    `json:"save_images"`
	SendImages     bool    `json:"send_images"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// Prompt joins the character description and phrase into the positive prompt.
func Prompt(concept, phrase string) string {
	return fmt.Sprintf("%s, expressing \"%s\", chat sticker, cute, simple, clean lines, plain background, high quality", concept, phrase)
}

func (c *Client) Render(ctx context.Context, concept, phrase string) ([]byte, error) {
	payload := txt2imgRequest{
		Prompt:         Prompt(concept, phrase),
		NegativePrompt: c.opts.NegativePrompt,
		Width:          c.opts.Width,
		Height:         c.opts.Height,
		CFGScale:       c.opts.CFGScale,
		Steps:          c.opts.Steps,
		SamplerName:    c.opts.Sampler,
		Seed:           -1,
		SendImages:     true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gateway.TransportError(service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gateway.StatusError(service, resp.StatusCode, string(data))
	}
	var out txt2imgResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", domain.ErrUpstreamUnavailable, service, err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("%w: %s returned no images", domain.ErrUpstreamUnavailable, service)
	}
	img := out.Images[0]
	if i := strings.Index(img, ","); i >= 0 && strings.HasPrefix(img, "data:") {
		img = img[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %s image is not base64: %v", domain.ErrUpstreamRejected, service, err)
	}
	c.opts.Logger.Debug().Int("bytes", len(data)).Msg("sdwebui: rendered image")
	return data, nil
}
