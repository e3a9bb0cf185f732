package stamplinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDecidePostsToCheckpoint(t *testing.T) {
	var got Decision
	var authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/sets/abc/decisions" {
			http.NotFound(w, r)
			return
		}
		authz = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Set{ID: "abc", Stage: "concept_approved"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	sel := 2
	s, err := c.Decide(context.Background(), "abc", Decision{Checkpoint: "choose_concept", Kind: "approve", Selection: &sel})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if s.Stage != "concept_approved" {
		t.Fatalf("unexpected stage %s", s.Stage)
	}
	if got.Kind != "approve" || got.Selection == nil || *got.Selection != 2 {
		t.Fatalf("unexpected decision body %+v", got)
	}
	if authz != "Bearer tok" {
		t.Fatalf("missing bearer token, got %q", authz)
	}
}

func TestErrorEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"stale_decision","message":"set awaits choose_concept"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Decide(context.Background(), "abc", Decision{Kind: "approve"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "stale_decision" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestEventsPageCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "7" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(PaginatedEvents{Items: []Event{{ID: 8, Type: "job.completed"}}, NextCursor: "8"})
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 2, "7")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "8" {
		t.Fatalf("unexpected page %+v", page)
	}
}
