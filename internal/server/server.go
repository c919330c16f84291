package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"leadflow/internal/domain"
	"leadflow/internal/engine"
	"leadflow/internal/engine/auth"
	"leadflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// CacheSize bounds the list/counts read cache. Zero disables it.
	CacheSize int
	// CacheTTL caps how long a cached read may lag writes made outside this server.
	CacheTTL time.Duration
	Logger    *charmLog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_unmet"`
	Message string         `json:"message" example:"advance preconditions not met"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"allowed\":false}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	e     engine.Engine
	cache *readCache
	log   *charmLog.Logger
}

// New returns an HTTP handler exposing the leadflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	cache := newReadCache(cfg.CacheSize, cfg.CacheTTL)
	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	h := handlers{e: cfg.Engine, cache: cache, log: logger}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Leadflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group)
	h.registerLeads(group)
	h.registerTransitions(group)
	h.registerLeadViews(group)
	h.registerAudit(group)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		logger.Warn("dev login enabled; any caller can mint tokens", "path", path.Join(basePath, "auth/dev/login"))
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.publicRoutes(basePath))

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		var details map[string]any
		if len(te.Reasons) > 0 {
			details = map[string]any{"reasons": te.Reasons}
		}
		switch te.Kind {
		case engine.KindForbidden:
			var fe auth.ForbiddenError
			if errors.As(te, &fe) {
				details = map[string]any{"role": fe.Role, "stage": fe.Stage, "action": fe.Action}
			}
			return newAPIError(http.StatusForbidden, te.Code, te.Error(), details)
		case engine.KindPreconditionUnmet:
			return newAPIError(http.StatusUnprocessableEntity, te.Code, te.Message, map[string]any{
				"allowed": false,
				"reasons": nonNilSlice(te.Reasons),
			})
		case engine.KindInvalidStatusEdge, engine.KindConflict:
			return newAPIError(http.StatusConflict, te.Code, te.Error(), details)
		case engine.KindValidation:
			return newAPIError(http.StatusBadRequest, te.Code, te.Error(), details)
		case engine.KindNotFound:
			return newAPIError(http.StatusNotFound, te.Code, te.Error(), nil)
		}
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role, "stage": fe.Stage, "action": fe.Action})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, public map[string]bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, public)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, public map[string]bool) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leadflow API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "Pipeline stages in order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: stageResponses()}, nil
	})
}

type leadOutput struct {
	Body domain.Lead `json:"body"`
}

type leadPath struct {
	LeadID string `path:"lead_id"`
}

func (h handlers) mutated(lead domain.Lead) (*leadOutput, error) {
	if h.cache != nil {
		h.cache.invalidate(lead.VendorID, lead.ID)
		h.log.Debug("read cache invalidated", "lead_id", lead.ID, "vendor_id", lead.VendorID)
	}
	lead.Counts = nonNilCounts(lead.Counts)
	return &leadOutput{Body: lead}, nil
}

func (h handlers) registerLeads(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create lead",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateLeadRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateLeadOptions{
			Title:          input.Body.Title,
			ClientName:     input.Body.ClientName,
			AssignedUserID: input.Body.AssignedUserID,
			Counts:         input.Body.Counts,
			Actor:          actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		lead, err := h.e.CreateLead(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage    string `query:"stage"`
		Status   string `query:"status" enum:"active,on_hold,lost_approval,lost"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedLeads `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		key := listKey(actor.VendorID, strings.Join([]string{input.Stage, input.Status, input.Assignee, strconv.Itoa(limit), input.Cursor}, "|"))
		if cached, ok := h.cache.get(key, actor.VendorID); ok {
			return &struct {
				Body paginatedLeads `json:"body"`
			}{Body: cached.(paginatedLeads)}, nil
		}
		items, err := h.e.ListLeads(ctx, actor, repo.LeadFilters{
			Stage:           input.Stage,
			Status:          input.Status,
			AssigneeID:      input.Assignee,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLeads{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for i := range items {
			items[i].Counts = nonNilCounts(items[i].Counts)
		}
		resp.Items = nonNilSlice(items)
		h.cache.put(key, actor.VendorID, resp)
		return &struct {
			Body paginatedLeads `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.GetLead(ctx, input.LeadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		lead.Counts = nonNilCounts(lead.Counts)
		return &leadOutput{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-lead",
		Method:      http.MethodPatch,
		Path:        "/leads/{lead_id}",
		Summary:     "Edit lead title or client name",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LeadID string          `path:"lead_id"`
		Body   EditLeadRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.EditLead(ctx, engine.EditRequest{
			LeadID:          input.LeadID,
			Actor:           actor,
			Title:           input.Body.Title,
			ClientName:      input.Body.ClientName,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lead",
		Method:        http.MethodDelete,
		Path:          "/leads/{lead_id}",
		Summary:       "Delete lead; its audit history is kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LeadID          string `path:"lead_id"`
		ExpectedVersion int64  `query:"expected_version"`
		Remark          string `query:"remark"`
	}) (*struct{}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.GetLead(ctx, input.LeadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.e.DeleteLead(ctx, engine.DeleteRequest{
			LeadID:          input.LeadID,
			Actor:           actor,
			Remark:          input.Remark,
			ExpectedVersion: input.ExpectedVersion,
		}); err != nil {
			return nil, handleError(err)
		}
		h.cache.invalidate(lead.VendorID, lead.ID)
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Lead counts per activity status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := summaryKey(actor.VendorID)
		if cached, ok := h.cache.get(key, actor.VendorID); ok {
			return &struct {
				Body SummaryResponse `json:"body"`
			}{Body: cached.(SummaryResponse)}, nil
		}
		counts, err := h.e.Summary(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SummaryResponse{VendorID: actor.VendorID, ByStatus: nonNilCounts(counts)}
		h.cache.put(key, actor.VendorID, resp)
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerTransitions(api huma.API) {
	transitionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/stages/{to_stage}",
		Summary:     "Advance lead to the next stage",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		LeadID  string              `path:"lead_id"`
		ToStage string              `path:"to_stage"`
		Body    AdvanceStageRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.Advance(ctx, engine.AdvanceRequest{
			LeadID:          input.LeadID,
			Actor:           actor,
			ToStage:         domain.Stage(input.ToStage),
			ExpectedVersion: input.Body.ExpectedVersion,
			Remark:          input.Body.Remark,
			Payload:         input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-activity-status",
		Method:      http.MethodPost,
		Path:        "/activity-status",
		Summary:     "Change a lead's activity status",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body ActivityStatusRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.ChangeStatus(ctx, engine.StatusRequest{
			LeadID:          input.Body.LeadID,
			Actor:           actor,
			Status:          domain.ActivityStatus(input.Body.Status),
			Remark:          input.Body.Remark,
			DueDate:         input.Body.DueDate,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-activity-status",
		Method:      http.MethodPost,
		Path:        "/activity-status/revert",
		Summary:     "Revert a suspended lead",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body RevertRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.Revert(ctx, engine.RevertRequest{
			LeadID:          input.Body.LeadID,
			Actor:           actor,
			Remark:          input.Body.Remark,
			ToStatus:        domain.ActivityStatus(input.Body.ToStatus),
			DueDate:         input.Body.DueDate,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-lead",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/reassign",
		Summary:     "Reassign lead",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		LeadID string          `path:"lead_id"`
		Body   ReassignRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.Reassign(ctx, engine.ReassignRequest{
			LeadID:          input.LeadID,
			Actor:           actor,
			AssignedUserID:  input.Body.AssignedUserID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-artifact",
		Method:      http.MethodPost,
		Path:        "/leads/{lead_id}/artifacts",
		Summary:     "Record a document upload or removal",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		LeadID string          `path:"lead_id"`
		Body   ArtifactRequest `json:"body"`
	}) (*leadOutput, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := h.e.RecordArtifact(ctx, engine.ArtifactRequest{
			LeadID:          input.LeadID,
			Actor:           actor,
			Counter:         input.Body.Counter,
			Delta:           input.Body.Delta,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return h.mutated(lead)
	})
}

func (h handlers) registerLeadViews(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "lead-counts",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/counts",
		Summary:     "Aggregate document counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body CountsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := countsKey(input.LeadID)
		if cached, ok := h.cache.get(key, actor.VendorID); ok {
			return &struct {
				Body CountsResponse `json:"body"`
			}{Body: cached.(CountsResponse)}, nil
		}
		lead, err := h.e.GetLead(ctx, input.LeadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CountsResponse{LeadID: lead.ID, Counts: nonNilCounts(lead.Counts), Version: lead.Version}
		h.cache.put(key, lead.VendorID, resp)
		return &struct {
			Body CountsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-readiness",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/readiness",
		Summary:     "Whether the lead can advance now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body domain.Readiness `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := h.e.Readiness(ctx, input.LeadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		r.Reasons = nonNilSlice(r.Reasons)
		return &struct {
			Body domain.Readiness `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-actions",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/actions",
		Summary:     "Actions visible and usable by the caller",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body []domain.ActionState `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		states, err := h.e.Actions(ctx, input.LeadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionState `json:"body"`
		}{Body: nonNilSlice(states)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-history",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/history",
		Summary:     "Lead audit history, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursor, cursorErr := parseIDCursor(input.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		items, next, err := h.e.History(ctx, input.LeadID, actor, cursor, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: auditPage(items, next)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-replay",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/replay",
		Summary:     "Lead state rebuilt from its audit log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body engine.ReplayState `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.Replay(ctx, input.LeadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReplayState `json:"body"`
		}{Body: st}, nil
	})
}

func (h handlers) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Vendor audit feed, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LeadID string `query:"lead_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		actor, authErr := actorFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursor, cursorErr := parseIDCursor(input.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		items, next, err := h.e.Audit(ctx, actor, repo.AuditFilters{
			LeadID: input.LeadID,
			Type:   input.Type,
			Cursor: cursor,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: auditPage(items, next)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:  principal.ActorID,
			Role:     string(principal.Role),
			VendorID: principal.VendorID,
			Source:   principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		vendor := strings.TrimSpace(input.Body.VendorID)
		role := domain.Role(strings.TrimSpace(input.Body.Role))
		if actor == "" || vendor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and vendor_id are required", nil)
		}
		if !role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role, vendor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func auditPage(items []domain.AuditEntry, next int64) paginatedAudit {
	resp := paginatedAudit{Items: mapAudit(items)}
	if next > 0 {
		resp.NextCursor = strconv.FormatInt(next, 10)
	}
	return resp
}

func parseIDCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return parsed, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
