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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solarline/internal/config"
	"solarline/internal/domain"
	"solarline/internal/engine"
	"solarline/internal/logging"
	"solarline/internal/milestone"
	"solarline/internal/notify"
	"solarline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Notifier notify.Notifier
	BasePath string
	Auth     AuthConfig
	Logger   *logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_rule_set"`
	Message string         `json:"message" example:"rule permit_issued: prerequisite permit_submitted is not defined"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the milestone API under BasePath and
// Prometheus metrics under /metrics.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
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
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Solarline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, notifier: cfg.Notifier, log: logging.OrNop(cfg.Logger)}
	registerHealth(group)
	h.registerProjects(group)
	h.registerConfig(group)
	h.registerDocuments(group)
	h.registerSync(group)
	h.registerMilestones(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine   engine.Engine
	notifier notify.Notifier
	log      *logging.Logger
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
	var rse *milestone.RuleSetError
	if errors.As(err, &rse) {
		details := map[string]any{"code": rse.Code}
		if len(rse.Cycle) > 0 {
			details["cycle"] = rse.Cycle
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_rule_set", err.Error(), details)
	}
	var ume engine.UnknownMilestoneError
	if errors.As(err, &ume) {
		return newAPIError(http.StatusNotFound, "unknown_milestone", err.Error(), map[string]any{"code": ume.Code})
	}
	var ae *engine.ApplyError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusServiceUnavailable, "apply_failed", err.Error(), map[string]any{"project_id": ae.ProjectID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"), strings.Contains(lowered, "belongs to project"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// syncError is handleError plus, for a failed apply, the changes the pass
// computed but did not persist.
func syncError(err error, plan *milestone.Plan) error {
	var ae *engine.ApplyError
	if plan == nil || !errors.As(err, &ae) {
		return handleError(err)
	}
	return newAPIError(http.StatusServiceUnavailable, "apply_failed", err.Error(), map[string]any{
		"project_id": ae.ProjectID,
		"changes":    nonNilChanges(plan.Changes),
	})
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		// applyAuthSecurity mutates the shared document, so build it once.
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
	healthPath := path.Join(basePath, "health")
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project with the default rule set",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.engine.InitProject(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := h.engine.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := h.engine.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Change project status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                     `path:"project_id"`
		Body      UpdateProjectStatusRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.engine.SetProjectStatus(ctx, input.ProjectID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func (h handlers) registerConfig(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project rule set and catalogue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		cfg, err := h.engine.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		body, err := toMap(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})

	// The body is YAML or JSON; it is read raw so both parse the same way.
	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project rule set and catalogue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body RuleSetResponse `json:"body"`
	}, error) {
		data := bodyBytes(ctx)
		if len(data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg, err := config.FromYAML(data)
		if err != nil {
			var rse *milestone.RuleSetError
			if errors.As(err, &rse) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
		}
		if cfg.Project.ID != input.ProjectID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project.id must match the path", map[string]any{"project_id": cfg.Project.ID})
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.engine.SetProjectConfig(ctx, input.ProjectID, cfg, actorID); err != nil {
			return nil, handleError(err)
		}
		resp, err := ruleSetResponse(input.ProjectID, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleSetResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ruleset",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/ruleset",
		Summary:     "Show the validated evaluation order",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body RuleSetResponse `json:"body"`
	}, error) {
		cfg, err := h.engine.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := ruleSetResponse(input.ProjectID, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleSetResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func ruleSetResponse(projectID string, cfg *config.Config) (RuleSetResponse, error) {
	rs, err := cfg.RuleSet()
	if err != nil {
		return RuleSetResponse{}, err
	}
	return RuleSetResponse{
		ProjectID:     projectID,
		Order:         rs.Codes(),
		Rules:         rs.Rules(),
		CrossTriggers: rs.Triggers(),
		NotifyOn:      nonNilSlice(cfg.Notifications.NotifyOn),
	}, nil
}

func (h handlers) registerDocuments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "put-document",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/documents/{document_id}",
		Summary:     "Upsert a document snapshot row",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string             `path:"project_id"`
		DocumentID string             `path:"document_id"`
		Body       PutDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := domain.Document{
			ID:                input.DocumentID,
			ProjectID:         input.ProjectID,
			TypeCode:          input.Body.TypeCode,
			TypeLabel:         input.Body.TypeLabel,
			SubmittedAt:       input.Body.SubmittedAt,
			IssuedAt:          input.Body.IssuedAt,
			AttachedFileCount: input.Body.AttachedFileCount,
			ExternalFileRef:   input.Body.ExternalFileRef,
			IsCurrent:         input.Body.IsCurrent == nil || *input.Body.IsCurrent,
			IsDeleted:         input.Body.IsDeleted,
		}
		stored, err := h.engine.PutDocument(ctx, d, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents",
		Summary:     "List project documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		All       bool   `query:"all" doc:"include superseded and deleted documents"`
	}) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		docs, err := h.engine.Documents(ctx, input.ProjectID, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: docs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-document",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/documents/{document_id}",
		Summary:       "Soft-delete a document",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DocumentID string `path:"document_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.engine.DeleteDocument(ctx, input.ProjectID, input.DocumentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerSync(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sync",
		Summary:     "Run a milestone pass for one project",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		DryRun    bool   `query:"dry_run" doc:"compute the pass without writing it"`
	}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.DryRun {
			plan, err := h.engine.PlanProject(ctx, input.ProjectID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SyncResponse `json:"body"`
			}{Body: syncResponse(plan, true)}, nil
		}
		plan, err := h.engine.SyncProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, syncError(err, plan)
		}
		resp := syncResponse(plan, false)
		rep, nerr := h.notify(ctx, input.ProjectID, actorID, plan.Changes)
		resp.Notifications = rep
		if nerr != nil {
			resp.NotifyError = nerr.Error()
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-all",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Run a milestone pass for every active project",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BatchSyncResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := h.engine.SyncAll(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, res := range results {
			if res.Error != "" {
				continue
			}
			if _, err := h.notify(ctx, res.ProjectID, actorID, res.Changes); err != nil {
				h.log.Warn("batch notification failed", "project_id", res.ProjectID, "error", err)
			}
		}
		if results == nil {
			results = []engine.BatchResult{}
		}
		return &struct {
			Body BatchSyncResponse `json:"body"`
		}{Body: BatchSyncResponse{Items: results}}, nil
	})
}

// notify forwards a pass's changes to the project's webhooks. It returns a nil
// report when nothing was notifiable.
func (h handlers) notify(ctx context.Context, projectID, actorID string, changes []domain.Change) (*notify.Report, error) {
	cfg, err := h.engine.ProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(notify.Notifiable(cfg, changes)) == 0 {
		return nil, nil
	}
	rep, err := h.notifier.Notify(ctx, cfg, projectID, actorID, changes)
	return &rep, err
}

func (h handlers) registerMilestones(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/milestones",
		Summary:     "List milestones with their stored state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []engine.MilestoneView `json:"body"`
	}, error) {
		views, err := h.engine.Milestones(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.MilestoneView `json:"body"`
		}{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-manual-completion",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{code}/manual",
		Summary:     "Record or withdraw a manual completion",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Code      string                  `path:"code"`
		Body      ManualCompletionRequest `json:"body"`
	}) (*struct {
		Body ManualCompletionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.RecordManual(ctx, engine.ManualOptions{
			ProjectID: input.ProjectID,
			Code:      input.Code,
			Completed: input.Body.Completed,
			Note:      input.Body.Note,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		progress, err := h.engine.Progress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ManualCompletionResponse{State: res.State, Change: res.Change, Progress: progress}
		if res.Change != nil {
			rep, nerr := h.notify(ctx, input.ProjectID, actorID, []domain.Change{*res.Change})
			if nerr != nil {
				h.log.Warn("manual completion notification failed", "project_id", input.ProjectID, "code", input.Code, "error", nerr)
			}
			resp.Notifications = rep
		}
		return &struct {
			Body ManualCompletionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Get the progress summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		if _, err := h.engine.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		p, err := h.engine.Progress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: p}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,document,milestone,progress"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
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

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
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
