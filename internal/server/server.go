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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"

	"ghostline/internal/domain"
	"ghostline/internal/engine"
	"ghostline/internal/gateway"
	"ghostline/internal/report"
	"ghostline/internal/repo"
	"ghostline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runner   *scheduler.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_in_progress"`
	Message string         `json:"message" example:"run already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"run\":\"snapshot\"}"`
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Ghostline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	runner := cfg.Runner
	if runner == nil {
		runner = scheduler.NewRunner(cfg.Engine, cfg.Engine.Log)
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Ghostline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerMonitors(group, cfg.Engine)
	registerGhost(group, cfg.Engine)
	registerRuns(group, runner)
	registerEvents(group, cfg.Engine)
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
	var statusErr *gateway.StatusError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, scheduler.ErrBusy):
		return newAPIError(http.StatusConflict, "run_in_progress", err.Error(), nil)
	case errors.Is(err, repo.ErrActivePeriodExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &statusErr):
		return newAPIError(http.StatusBadGateway, "gateway_error", err.Error(), map[string]any{"upstream_status": statusErr.StatusCode})
	case errors.Is(err, gateway.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusBadGateway, "gateway_error", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Ghostline API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
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
			ActorID: principal.ActorID,
			Regions: nonNilSlice(principal.Regions),
			Source:  principal.Source,
		}}, nil
	})
}

func registerMonitors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-monitors",
		Method:      http.MethodGet,
		Path:        "/monitors",
		Summary:     "List assessment monitors",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Region string `query:"region"`
		Status string `query:"status" enum:"NEW,ACTIVE,QC,REWORK,CLOSED"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor" doc:"job_guid of the last item of the previous page"`
	}) (*struct {
		Body paginatedMonitors `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListMonitors(ctx, repo.MonitorFilters{
			Region:   input.Region,
			Regions:  principal.Regions,
			Status:   input.Status,
			Limit:    limit + 1,
			CursorID: input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMonitors{Items: []MonitorResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].JobGUID
		}
		for _, m := range items {
			resp.Items = append(resp.Items, monitorResponse(m))
		}
		return &struct {
			Body paginatedMonitors `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-monitor",
		Method:      http.MethodGet,
		Path:        "/monitors/{job_guid}",
		Summary:     "Get a monitor with its daily history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobGUID string `path:"job_guid"`
	}) (*struct {
		Body MonitorResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMonitorWithHistory(ctx, input.JobGUID)
		if err != nil {
			return nil, handleError(err)
		}
		if !principal.Sees(m.Region) {
			return nil, handleError(fmt.Errorf("monitor %s: %w", input.JobGUID, repo.ErrNotFound))
		}
		return &struct {
			Body MonitorResponse `json:"body"`
		}{Body: monitorResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-monitor-history",
		Method:      http.MethodGet,
		Path:        "/monitors/{job_guid}/history.xlsx",
		Summary:     "Download a monitor's daily history as a workbook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobGUID string `path:"job_guid"`
	}) (*workbookOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMonitorWithHistory(ctx, input.JobGUID)
		if err != nil {
			return nil, handleError(err)
		}
		if !principal.Sees(m.Region) {
			return nil, handleError(fmt.Errorf("monitor %s: %w", input.JobGUID, repo.ErrNotFound))
		}
		f, err := report.MonitorHistoryWorkbook(m)
		if err != nil {
			return nil, handleError(err)
		}
		return newWorkbookOutput(f, "history-"+m.JobGUID+".xlsx")
	})
}

func registerGhost(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ghost-periods",
		Method:      http.MethodGet,
		Path:        "/ghost/periods",
		Summary:     "List ownership periods",
	}, func(ctx context.Context, input *struct {
		JobGUID string `query:"job_guid"`
		Status  string `query:"status" enum:"active,resolved"`
		Region  string `query:"region"`
	}) (*struct {
		Body []PeriodResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPeriods(ctx, repo.PeriodFilters{
			JobGUID: input.JobGUID,
			Status:  input.Status,
			Region:  input.Region,
			Regions: principal.Regions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PeriodResponse, 0, len(items))
		for _, p := range items {
			out = append(out, periodResponse(p))
		}
		return &struct {
			Body []PeriodResponse `json:"body"`
		}{Body: out}, nil
	})

	filters := func(ctx context.Context, q EvidenceQuery) (repo.EvidenceFilters, huma.StatusError) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return repo.EvidenceFilters{}, authErr
		}
		if q.Since != "" {
			if _, err := time.Parse(domain.DateLayout, q.Since); err != nil {
				return repo.EvidenceFilters{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid since date", map[string]any{"since": q.Since})
			}
		}
		return repo.EvidenceFilters{
			JobGUID:  q.JobGUID,
			PeriodID: q.PeriodID,
			Region:   q.Region,
			Regions:  principal.Regions,
			Since:    q.Since,
		}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-ghost-evidence",
		Method:      http.MethodGet,
		Path:        "/ghost/evidence",
		Summary:     "List ghost unit evidence",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EvidenceQuery
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvidence `json:"body"`
	}, error) {
		f, apiErr := filters(ctx, input.EvidenceQuery)
		if apiErr != nil {
			return nil, apiErr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		f.CursorTS, f.CursorID = cursorTS, cursorID
		items, err := e.Repo.ListEvidence(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvidence{Items: []domain.GhostUnitEvidence{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvidence `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-ghost-evidence",
		Method:      http.MethodGet,
		Path:        "/ghost/evidence.xlsx",
		Summary:     "Download ghost unit evidence as a workbook",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *EvidenceQuery) (*workbookOutput, error) {
		f, apiErr := filters(ctx, *input)
		if apiErr != nil {
			return nil, apiErr
		}
		items, err := e.Repo.ListEvidence(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		book, err := report.EvidenceWorkbook(items)
		if err != nil {
			return nil, handleError(err)
		}
		return newWorkbookOutput(book, "ghost-evidence.xlsx")
	})
}

func registerRuns(api huma.API, runner *scheduler.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "run-snapshot",
		Method:      http.MethodPost,
		Path:        "/runs/snapshot",
		Summary:     "Run the daily snapshot now",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotRunResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := runner.RunSnapshot(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotRunResponse `json:"body"`
		}{Body: SnapshotRunResponse{Date: runDate(runner), Stats: stats}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-ghost-cycle",
		Method:      http.MethodPost,
		Path:        "/runs/ghost",
		Summary:     "Run the ghost detection cycle now",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body *GhostRunRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body GhostRunResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var since *time.Time
		if input.Body != nil && input.Body.Since != "" {
			t, err := time.Parse(domain.DateLayout, input.Body.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since date", map[string]any{"since": input.Body.Since})
			}
			since = &t
		}
		stats, err := runner.RunGhost(ctx, principal.ActorID, since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GhostRunResponse `json:"body"`
		}{Body: GhostRunResponse{Date: runDate(runner), Stats: stats}}, nil
	})
}

func runDate(r *scheduler.Runner) string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(domain.DateLayout)
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"assessment,ghost_period,ghost_evidence"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

type workbookOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func newWorkbookOutput(f *excelize.File, filename string) (*workbookOutput, error) {
	var buf bytes.Buffer
	if err := report.Write(f, &buf); err != nil {
		return nil, handleError(err)
	}
	return &workbookOutput{
		ContentType:        xlsxContentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", filename),
		Body:               buf.Bytes(),
	}, nil
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
