// Package server exposes the orchestrator over HTTP: exchange lifecycle,
// choice submission, the registries, the audit log, and a websocket feed
// of outcomes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"parley/internal/domain"
	"parley/internal/exchange"
	"parley/internal/feed"
	"parley/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Supervisor *exchange.Supervisor
	Repo       repo.Repo
	Bus        *feed.Bus
	BasePath   string
	Auth       AuthConfig
	Now        func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"phase_mismatch"`
	Message string         `json:"message" example:"operation not valid in current phase"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Parley API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Parley API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExchanges(group, cfg)
	registerParticipants(group, cfg)
	registerAffordances(group, cfg)
	registerEvents(group, cfg)
	registerWatch(router, basePath, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidParticipantSet):
		return newAPIError(http.StatusBadRequest, "invalid_participant_set", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateExchange):
		return newAPIError(http.StatusConflict, "duplicate_exchange", err.Error(), nil)
	case errors.Is(err, domain.ErrPhaseMismatch):
		return newAPIError(http.StatusConflict, "phase_mismatch", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateResponse):
		return newAPIError(http.StatusConflict, "duplicate_response", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownOption):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_option", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownParticipant):
		return newAPIError(http.StatusNotFound, "unknown_participant", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerExchanges(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-exchange",
		Method:        http.MethodPost,
		Path:          "/exchanges",
		Summary:       "Create exchange",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateExchangeRequest `json:"body"`
	}) (*struct {
		Body ExchangeResponse `json:"body"`
	}, error) {
		if len(input.Body.Participants) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "invalid_participant_set", "at least one participant is required", nil)
		}
		members := make([]exchange.Member, 0, len(input.Body.Participants))
		for _, pid := range input.Body.Participants {
			mem, err := cfg.Supervisor.MemberFromRegistry(ctx, pid)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return nil, newAPIError(http.StatusNotFound, "unknown_participant",
						fmt.Sprintf("participant %s is not registered", pid), nil)
				}
				return nil, handleError(err)
			}
			members = append(members, mem)
		}
		snap, err := cfg.Supervisor.Create(ctx, exchange.CreateParams{
			ID:      input.Body.ID,
			Area:    input.Body.Area,
			Members: members,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExchangeResponse `json:"body"`
		}{Body: exchangeResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exchanges",
		Method:      http.MethodGet,
		Path:        "/exchanges",
		Summary:     "List exchanges",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Phase string `query:"phase" enum:"setup,options_open,resolving,aftermath,"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ExchangeResponse `json:"body"`
	}, error) {
		items, err := cfg.Supervisor.List(ctx, repo.ExchangeFilters{Phase: input.Phase, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExchangeResponse `json:"body"`
		}{Body: mapExchanges(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exchange",
		Method:      http.MethodGet,
		Path:        "/exchanges/{id}",
		Summary:     "Exchange status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExchangeDetailResponse `json:"body"`
	}, error) {
		snap, err := cfg.Supervisor.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExchangeDetailResponse `json:"body"`
		}{Body: exchangeDetailResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-choice",
		Method:        http.MethodPost,
		Path:          "/exchanges/{id}/choices",
		Summary:       "Submit a choice for the open beat",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitChoiceRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.ParticipantID == "" || input.Body.OptionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "participant_id and option_id are required", nil)
		}
		if err := cfg.Supervisor.SubmitChoice(ctx, input.ID, input.Body.ParticipantID, input.Body.OptionID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "accepted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-exchange",
		Method:      http.MethodPost,
		Path:        "/exchanges/{id}/cancel",
		Summary:     "Cancel exchange",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CancelExchangeRequest `json:"body"`
	}) (*struct {
		Body ExchangeResponse `json:"body"`
	}, error) {
		if err := cfg.Supervisor.Cancel(ctx, input.ID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		snap, err := cfg.Supervisor.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExchangeResponse `json:"body"`
		}{Body: exchangeResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "inject-crisis",
		Method:        http.MethodPost,
		Path:          "/exchanges/{id}/crisis",
		Summary:       "Queue a crisis for the next beat boundary",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CrisisRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		c := exchange.Crisis{Kind: input.Body.Kind, Reason: input.Body.Reason}
		switch input.Body.Kind {
		case exchange.CrisisJoin:
			if input.Body.ParticipantID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "participant_id is required for a join", nil)
			}
			mem, err := cfg.Supervisor.MemberFromRegistry(ctx, input.Body.ParticipantID)
			if err != nil {
				return nil, handleError(err)
			}
			c.Participant = domain.Participant{ID: mem.ID, Role: input.Body.Role}
			if c.Participant.Role == "" {
				c.Participant.Role = mem.Role
			}
		case exchange.CrisisLeave:
			if input.Body.ParticipantID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "participant_id is required for a leave", nil)
			}
			c.Participant = domain.Participant{ID: input.Body.ParticipantID}
		case exchange.CrisisCancel:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind must be join, leave, or cancel", nil)
		}
		if err := cfg.Supervisor.InjectCrisis(input.ID, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "queued"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outcomes",
		Method:      http.MethodGet,
		Path:        "/exchanges/{id}/outcomes",
		Summary:     "Outcome log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Outcome `json:"body"`
	}, error) {
		if _, err := cfg.Supervisor.GetStatus(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		log, err := cfg.Repo.ListOutcomes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if log == nil {
			log = []domain.Outcome{}
		}
		return &struct {
			Body []domain.Outcome `json:"body"`
		}{Body: log}, nil
	})
}

func registerParticipants(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-participant",
		Method:        http.MethodPost,
		Path:          "/participants",
		Summary:       "Register or update a participant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.RegisteredParticipant `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		kind := input.Body.Kind
		if kind == "" {
			kind = domain.ParticipantKindStatic
		}
		if kind == domain.ParticipantKindWebhook && strings.TrimSpace(input.Body.URL) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required for webhook participants", nil)
		}
		p := domain.RegisteredParticipant{
			ID:           input.Body.ID,
			Role:         input.Body.Role,
			Kind:         kind,
			URL:          input.Body.URL,
			Capabilities: input.Body.Capabilities,
			Preferred:    input.Body.Preferred,
			CreatedAt:    cfg.now().UTC().Format(time.RFC3339),
		}
		if err := cfg.Repo.UpsertParticipant(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RegisteredParticipant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/participants",
		Summary:     "List registered participants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RegisteredParticipant `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListParticipants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.RegisteredParticipant{}
		}
		return &struct {
			Body []domain.RegisteredParticipant `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{id}",
		Summary:     "Get registered participant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.RegisteredParticipant `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetParticipant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RegisteredParticipant `json:"body"`
		}{Body: p}, nil
	})
}

func registerAffordances(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-affordance",
		Method:        http.MethodPost,
		Path:          "/affordances",
		Summary:       "Register or update an affordance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpsertAffordanceRequest `json:"body"`
	}) (*struct {
		Body domain.Affordance `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and type are required", nil)
		}
		a := domain.Affordance{
			ID:         input.Body.ID,
			Type:       input.Body.Type,
			Area:       input.Body.Area,
			Distance:   input.Body.Distance,
			Consumable: input.Body.Consumable,
			Props:      input.Body.Props,
		}
		if err := cfg.Repo.UpsertAffordance(ctx, a, cfg.now().UTC().Format(time.RFC3339)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Affordance `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-affordances",
		Method:      http.MethodGet,
		Path:        "/affordances",
		Summary:     "List affordances",
	}, func(ctx context.Context, input *struct {
		Area string `query:"area"`
		Type string `query:"type"`
	}) (*struct {
		Body []domain.Affordance `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListAffordances(ctx, input.Area, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Affordance{}
		}
		return &struct {
			Body []domain.Affordance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-affordance",
		Method:      http.MethodDelete,
		Path:        "/affordances/{id}",
		Summary:     "Delete affordance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := cfg.Repo.DeleteAffordance(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" maximum:"500"`
		ExchangeID string `query:"exchange_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := cfg.Repo.LatestEvents(ctx, limit, input.ExchangeID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Parley API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
