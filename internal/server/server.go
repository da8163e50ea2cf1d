// Package server exposes the incident orchestration engine over HTTP.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"atmdesk/internal/bpm"
	"atmdesk/internal/domain"
	"atmdesk/internal/engine"
	"atmdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"task 42 is reserved by jsmith"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the atmdesk API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("ATMDesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerDiagram(router, basePath, cfg.Engine)
	registerHealth(group)
	registerIncidents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerStageCompletions(group, cfg.Engine)
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ee *bpm.EngineError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusBadGateway, "engine_error", err.Error(), map[string]any{"engine_status": ee.StatusCode})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "engine_error"
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

// registerDiagram serves the run diagram as raw SVG outside huma, which
// only speaks JSON envelopes.
func registerDiagram(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "/incidents/process/{correlation_id}/diagram"), func(w http.ResponseWriter, r *http.Request) {
		correlationID, err := strconv.ParseInt(chi.URLParam(r, "correlation_id"), 10, 64)
		if err != nil {
			writeErrorJSON(w, http.StatusBadRequest, "bad_request", "correlation_id must be an integer")
			return
		}
		svg, err := e.ProcessDiagram(r.Context(), correlationID)
		if err != nil {
			status := handleError(err).GetStatus()
			writeErrorJSON(w, status, defaultCodeForStatus(status), err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		io.WriteString(w, svg)
	})
}

func writeErrorJSON(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": apiErrorBody{Code: code, Message: msg}})
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

func registerIncidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-incident",
		Method:        http.MethodPost,
		Path:          "/incidents",
		Summary:       "Start an incident process",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIncidentRequest `json:"body"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		in, err := e.StartIncidentProcess(ctx, engine.StartIncidentOptions{
			AtmID:       input.Body.AtmID,
			ErrorType:   input.Body.ErrorType,
			Description: input.Body.Description,
			CreatedBy:   input.Body.CreatedBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		AtmID      string `query:"atm_id"`
		CreatedBy  string `query:"created_by"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Incident `json:"body"`
	}, error) {
		f := repo.IncidentFilters{
			AtmID:      input.AtmID,
			CreatedBy:  input.CreatedBy,
			AssignedTo: input.AssignedTo,
			Limit:      input.Limit,
		}
		if input.Status != "" {
			status, ok := domain.ParseIncidentStatus(input.Status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", input.Status), nil)
			}
			f.Status = string(status)
		}
		items, err := e.ListIncidents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Incident `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "incident-status-counts",
		Method:      http.MethodGet,
		Path:        "/incidents/statistics",
		Summary:     "Incident counts per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[domain.IncidentStatus]int `json:"body"`
	}, error) {
		counts, err := e.IncidentStatusCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[domain.IncidentStatus]int `json:"body"`
		}{Body: counts}, nil
	})

	type incidentPath struct {
		ID int64 `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get incident",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		in, err := e.GetIncident(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incident-tasks",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/tasks",
		Summary:     "List an incident's tracked tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := e.GetIncident(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.IncidentTasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident-by-number",
		Method:      http.MethodGet,
		Path:        "/incidents/number/{incident_number}",
		Summary:     "Get incident by incident number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IncidentNumber string `path:"incident_number"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		in, err := e.GetIncidentByNumber(ctx, input.IncidentNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: in}, nil
	})

	type processPath struct {
		CorrelationID int64 `path:"correlation_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-incident-by-process",
		Method:      http.MethodGet,
		Path:        "/incidents/process/{correlation_id}",
		Summary:     "Get incident by run correlation id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		in, err := e.GetIncidentByCorrelationID(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-incident",
		Method:      http.MethodDelete,
		Path:        "/incidents/process/{correlation_id}",
		Summary:     "Abort an incident run",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		CorrelationID int64  `path:"correlation_id"`
		Actor         string `query:"actor"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		in, err := e.AbortIncidentProcess(ctx, input.CorrelationID, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident-report",
		Method:      http.MethodGet,
		Path:        "/incidents/process/{correlation_id}/report",
		Summary:     "Full incident report",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body domain.IncidentReport `json:"body"`
	}, error) {
		report, err := e.GetIncidentReport(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IncidentReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-live-process-tasks",
		Method:      http.MethodGet,
		Path:        "/incidents/process/{correlation_id}/tasks",
		Summary:     "Live engine task summaries for a run",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body []bpm.TaskSummary `json:"body"`
	}, error) {
		tasks, err := e.LiveProcessTasks(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []bpm.TaskSummary `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process-variables",
		Method:      http.MethodGet,
		Path:        "/incidents/process/{correlation_id}/variables",
		Summary:     "Live run variables",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		vars, err := e.ProcessVariables(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: vars}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-group-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/available",
		Summary:     "Sync and list a group's available tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Group string `query:"group" required:"true"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if input.Group == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "group is required", nil)
		}
		tasks, err := e.SyncTasksForGroup(ctx, input.Group)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-group-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/group/{group}",
		Summary:     "List a group's tracked active tasks",
	}, func(ctx context.Context, input *struct {
		Group string `path:"group"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := e.GroupTasks(ctx, input.Group)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/user/{user}",
		Summary:     "List tasks held by a user",
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := e.UserTasks(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-owned-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/user/{user}/live",
		Summary:     "Live engine task summaries owned by a user",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		User     string `path:"user"`
		Page     int    `query:"page"`
		PageSize int    `query:"page_size"`
	}) (*struct {
		Body []bpm.TaskSummary `json:"body"`
	}, error) {
		tasks, err := e.LiveOwnedTasks(ctx, input.User, input.Page, input.PageSize)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []bpm.TaskSummary `json:"body"`
		}{Body: tasks}, nil
	})

	type taskPath struct {
		TaskInstanceID int64 `path:"task_instance_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_instance_id}",
		Summary:     "Get tracked task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskInstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	type taskDataBody struct {
		Input  map[string]any `json:"input"`
		Output map[string]any `json:"output"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task-data",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_instance_id}/data",
		Summary:     "Get live task input and output content",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body taskDataBody `json:"body"`
	}, error) {
		in, out, err := e.TaskData(ctx, input.TaskInstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskDataBody `json:"body"`
		}{Body: taskDataBody{Input: in, Output: out}}, nil
	})

	type transition struct {
		name    string
		summary string
		fn      func(context.Context, int64, string) (domain.Task, error)
	}
	for _, tr := range []transition{
		{"claim", "Claim task", e.ClaimTask},
		{"start", "Start task", e.StartTask},
		{"release", "Release task", e.ReleaseTask},
	} {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-task",
			Method:      http.MethodPut,
			Path:        "/tasks/{task_instance_id}/" + tr.name,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusNotFound,
				http.StatusBadGateway,
			},
		}, func(ctx context.Context, input *struct {
			TaskInstanceID int64           `path:"task_instance_id"`
			Body           TaskUserRequest `json:"body"`
		}) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			t, err := tr.fn(ctx, input.TaskInstanceID, input.Body.User)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_instance_id}/complete",
		Summary:     "Complete task with output data",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TaskInstanceID int64               `path:"task_instance_id"`
		Body           CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.SmartCompleteTask(ctx, input.TaskInstanceID, input.Body.User, input.Body.OutputData)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest change-log events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		IncidentID int64  `query:"incident_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.IncidentID, input.Type, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
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
    <title>ATMDesk API Docs</title>
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
