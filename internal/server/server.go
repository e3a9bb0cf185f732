package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stampline/internal/domain"
	"stampline/internal/engine"
	"stampline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_decision"`
	Message string         `json:"message" example:"set awaits choose_concept, not approve_samples"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the stampline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema violations are malformed requests, not domain rejections
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stampline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerSets(group, e)
	registerCheckpoints(group, e)
	registerArtifacts(group, e)
	registerExport(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrStaleDecision):
		return newAPIError(http.StatusConflict, "stale_decision", msg, nil)
	case errors.Is(err, domain.ErrTerminal):
		return newAPIError(http.StatusConflict, "terminal", msg, nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case errors.Is(err, domain.ErrUpstreamRejected),
		errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, domain.ErrUpstreamUnavailable):
		return newAPIError(http.StatusBadGateway, "upstream_error", domain.FailureReason(err), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": domain.FailureReason(err)})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Stampline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type setPath struct {
	ID string `path:"id"`
}

type setOutput struct {
	Body domain.StampSet `json:"body"`
}

func registerSets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sets",
		Method:      http.MethodGet,
		Path:        "/sets",
		Summary:     "List stamp sets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage  string `query:"stage"`
		Active bool   `query:"active"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body SetListResponse `json:"body"`
	}, error) {
		f := repo.Filter{Active: input.Active, Limit: normalizeLimit(input.Limit)}
		if input.Stage != "" {
			st, err := domain.ParseStage(input.Stage)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"stage": input.Stage})
			}
			f.Stage = st
		}
		sets, err := e.Sets(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SetListResponse{Items: []domain.SetSummary{}}
		for _, s := range sets {
			resp.Items = append(resp.Items, s.Summary())
		}
		return &struct {
			Body SetListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-set",
		Method:      http.MethodPost,
		Path:        "/sets",
		Summary:     "Create a stamp set from a theme",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateSetRequest `json:"body"`
	}) (*setOutput, error) {
		s, err := e.CreateSet(ctx, input.Body.Theme)
		if err != nil {
			return nil, handleError(err)
		}
		return &setOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-set",
		Method:      http.MethodGet,
		Path:        "/sets/{id}",
		Summary:     "Get a stamp set with its artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *setPath) (*setOutput, error) {
		s, err := e.Set(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &setOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-set",
		Method:        http.MethodDelete,
		Path:          "/sets/{id}",
		Summary:       "Delete a stamp set and its images",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *setPath) (*struct{}, error) {
		if err := e.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/sets/{id}/transitions",
		Summary:     "Stage history of a set",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *setPath) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		items, err := e.Transitions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Transition{}
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-set",
		Method:      http.MethodPost,
		Path:        "/sets/{id}/cancel",
		Summary:     "Cancel a running set",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *setPath) (*setOutput, error) {
		s, err := e.Cancel(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &setOutput{Body: s}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/sets/{id}/checkpoint",
		Summary:     "Checkpoint the set is waiting on, if any",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *setPath) (*struct {
		Body CheckpointResponse `json:"body"`
	}, error) {
		aw, ok, err := e.Checkpoint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CheckpointResponse{SetID: input.ID, Awaiting: ok}
		if ok {
			resp.Checkpoint = aw.Checkpoint
			resp.Preview = &aw.Preview
		}
		return &struct {
			Body CheckpointResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-decision",
		Method:      http.MethodPost,
		Path:        "/sets/{id}/decisions",
		Summary:     "Approve, reject or regenerate at a checkpoint",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*setOutput, error) {
		d, err := input.Body.decision()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if p, ok := principalFromContext(ctx); ok {
			e.Logger.Info().Str("set_id", input.ID).Str("actor", p.Subject).Str("decision", string(d.Kind)).Msg("decision received")
		}
		s, err := e.Decide(ctx, input.ID, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &setOutput{Body: s}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-image",
		Method:      http.MethodGet,
		Path:        "/sets/{id}/artifacts/{artifact_id}",
		Summary:     "Download a rendered image",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		s, err := e.Set(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, a := range append(append([]domain.Artifact(nil), s.SampleArtifacts...), s.FullArtifacts...) {
			if a.ID != input.ArtifactID {
				continue
			}
			if a.Status != domain.ArtifactReady || e.Store == nil {
				break
			}
			data, err := e.Store.Read(ctx, a.Path)
			if err != nil {
				return nil, handleError(fmt.Errorf("%w: %w", domain.ErrPersistence, err))
			}
			return &struct {
				ContentType string `header:"Content-Type"`
				Body        []byte
			}{ContentType: "image/png", Body: data}, nil
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "no ready artifact "+input.ArtifactID, nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review-grid",
		Method:      http.MethodGet,
		Path:        "/sets/{id}/grids/{which}",
		Summary:     "Download the numbered review sheet of the samples or the full set",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Which string `path:"which" enum:"samples,full"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		s, err := e.Set(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		key := s.SampleGrid
		if input.Which == "full" {
			key = s.FullGrid
		}
		if key == "" || e.Store == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no "+input.Which+" grid for "+input.ID, nil)
		}
		data, err := e.Store.Read(ctx, key)
		if err != nil {
			return nil, handleError(fmt.Errorf("%w: %w", domain.ErrPersistence, err))
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "image/png", Body: data}, nil
	})
}

func registerExport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-set",
		Method:      http.MethodGet,
		Path:        "/sets/{id}/export",
		Summary:     "Training bundle of a completed set",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *setPath) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		b, err := e.Export(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse(b)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Outbox events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After string `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		var after int64
		if input.After != "" {
			parsed, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			after = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Events(ctx, after, limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if len(items) > 0 {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
