// Package rembg strips backgrounds through a rembg HTTP server (`rembg s`).
package rembg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"stampline/internal/domain"
	"stampline/internal/gateway"
)

const service = "rembg"

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ gateway.BackgroundStripGateway = (*Client)(nil)

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

func (c *Client) Strip(ctx context.Context, image []byte) ([]byte, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrProcessing)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("%w: build form: %v", domain.ErrProcessing, err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("%w: build form: %v", domain.ErrProcessing, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: build form: %v", domain.ErrProcessing, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/remove", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, gateway.TransportError(service, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gateway.TransportError(service, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, gateway.StatusError(service, resp.StatusCode, string(data))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s status %d: %s", domain.ErrProcessing, service, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s returned an empty image", domain.ErrProcessing, service)
	}
	return data, nil
}
