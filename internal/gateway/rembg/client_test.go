package rembg

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stampline/internal/domain"
)

func TestStripPostsMultipartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/remove", r.URL.Path)
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("in"), data)
		_, _ = w.Write([]byte("out"))
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, nil).Strip(context.Background(), []byte("in"))
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), out)
}

func TestStripBadImageIsProcessingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cannot identify image", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Strip(context.Background(), []byte("garbage"))
	assert.ErrorIs(t, err, domain.ErrProcessing)
	_, err = NewClient(srv.URL, nil).Strip(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrProcessing)
}
