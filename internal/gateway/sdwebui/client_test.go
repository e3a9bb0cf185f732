package sdwebui

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stampline/internal/domain"
)

func TestRenderSendsTxt2ImgPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdapi/v1/txt2img", r.URL.Path)
		var req txt2imgRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, 370, req.Width)
		assert.Equal(t, 320, req.Height)
		assert.True(t, req.SendImages)
		assert.Contains(t, req.Prompt, "good morning")
		_ = json.NewEncoder(w).Encode(txt2imgResponse{Images: []string{base64.StdEncoding.EncodeToString([]byte("png-bytes"))}})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	img, err := c.Render(context.Background(), "grey cat", "good morning")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), img)
}

func TestRenderClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	c := NewClient(Options{BaseURL: srv.URL})

	_, err := c.Render(context.Background(), "c", "p")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	status.Store(http.StatusUnprocessableEntity)
	_, err = c.Render(context.Background(), "c", "p")
	assert.ErrorIs(t, err, domain.ErrUpstreamRejected)
}

func TestRenderEmptyImagesIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"images":[]}`))
	}))
	defer srv.Close()
	_, err := NewClient(Options{BaseURL: srv.URL}).Render(context.Background(), "c", "p")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}
