package server

import (
	"encoding/json"

	"stampline/internal/domain"
	"stampline/internal/export"
)

// Request payloads

type CreateSetRequest struct {
	Theme string `json:"theme" minLength:"1" maxLength:"200" example:"rainy day cat"`
}

type DecisionRequest struct {
	Checkpoint string `json:"checkpoint,omitempty" enum:"choose_concept,approve_samples" doc:"Checkpoint the decision is meant for; a mismatch is rejected as stale"`
	Kind       string `json:"kind" enum:"approve,reject,regenerate"`
	Selection  *int   `json:"selection,omitempty" doc:"Concept index, required to approve at choose_concept"`
	Indices    []int  `json:"indices,omitempty" doc:"Sample phrase indices to regenerate; defaults to the failed ones"`
}

func (r DecisionRequest) decision() (domain.Decision, error) {
	kind, err := domain.ParseDecisionKind(r.Kind)
	if err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{
		Checkpoint: domain.CheckpointKind(r.Checkpoint),
		Kind:       kind,
		Selection:  r.Selection,
		Indices:    r.Indices,
	}, nil
}

// Response payloads

type SetListResponse struct {
	Items []domain.SetSummary `json:"items"`
}

type TransitionsResponse struct {
	Items []domain.Transition `json:"items"`
}

type CheckpointResponse struct {
	SetID      string                `json:"set_id"`
	Awaiting   bool                  `json:"awaiting"`
	Checkpoint domain.CheckpointKind `json:"checkpoint,omitempty"`
	Preview    *domain.Preview       `json:"preview,omitempty"`
}

type ExportResponse export.Bundle

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	SetID      string          `json:"set_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{ID: evt.ID, TS: evt.TS, Type: evt.Type, SetID: evt.SetID}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			resp.Payload = json.RawMessage(evt.Payload)
		} else {
			resp.PayloadRaw = evt.Payload
		}
	}
	return resp
}

type EventsResponse struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}
