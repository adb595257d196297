package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"synthgen/internal/artifact"
	"synthgen/internal/config"
	"synthgen/internal/domain"
	"synthgen/internal/engine"
	"synthgen/internal/registry"
	"synthgen/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"version v3 of payments is not finalized"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"dataset\":\"payments\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read-only dataset API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("synthgen API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDatasets(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != "")

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
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, repo.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce domain.ConfigError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
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
		if op := item.Get; op != nil {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if route == healthPath {
			item.Get.Security = []map[string][]string{}
			continue
		}
		item.Get.Security = security
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>synthgen API Docs</title>
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

type datasetPath struct {
	Dataset string `path:"dataset"`
}

type versionPath struct {
	Dataset string `path:"dataset"`
	Version string `path:"version"`
}

func registerDatasets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-datasets",
		Method:      http.MethodGet,
		Path:        "/datasets",
		Summary:     "List registered datasets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DatasetResponse `json:"body"`
	}, error) {
		entries, err := e.Registry.List()
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DatasetResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, datasetResponse(entry))
		}
		return &struct {
			Body []DatasetResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/versions",
		Summary:     "List finalized versions in registration order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *datasetPath) (*struct {
		Body []domain.RegistryVersion `json:"body"`
	}, error) {
		entry, err := e.Registry.Get(input.Dataset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RegistryVersion `json:"body"`
		}{Body: nonNilSlice(entry.Versions)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/versions/{version}",
		Summary:     "Final metadata of one finalized version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *versionPath) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		rv, runDir, err := finalizedRunDir(e, input.Dataset, input.Version)
		if err != nil {
			return nil, err
		}
		fm, rerr := artifact.ReadFinalMetadata(runDir)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: VersionResponse{Registry: rv, Final: *fm}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version-data",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/versions/{version}/data",
		Summary:     "Canonical CSV of one finalized version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *versionPath) (*struct {
		ContentType string `header:"Content-Type"`
		ContentHash string `header:"X-Content-Sha256"`
		Body        []byte
	}, error) {
		rv, runDir, err := finalizedRunDir(e, input.Dataset, input.Version)
		if err != nil {
			return nil, err
		}
		data, rerr := os.ReadFile(filepath.Join(runDir, artifact.DataCSV))
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			ContentHash string `header:"X-Content-Sha256"`
			Body        []byte
		}{ContentType: "text/csv", ContentHash: rv.ContentHash, Body: data}, nil
	})
}

// reportFiles maps the report path segment to its artifact.
var reportFiles = map[string]string{
	"validation":    artifact.ValidationReportFile,
	"evaluation":    artifact.EvaluationReportFile,
	"prior_profile": artifact.PriorProfileFile,
	"run_metadata":  artifact.RunMetadataFile,
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/versions/{version}/reports/{report}",
		Summary:     "One report of a finalized version",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		Version string `path:"version"`
		Report  string `path:"report" enum:"validation,evaluation,prior_profile,run_metadata"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		name, ok := reportFiles[input.Report]
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown report", map[string]any{"report": input.Report})
		}
		_, runDir, err := finalizedRunDir(e, input.Dataset, input.Version)
		if err != nil {
			return nil, err
		}
		var body map[string]any
		if rerr := artifact.ReadJSON(runDir, name, &body); rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				return nil, newAPIError(http.StatusNotFound, "not_found",
					fmt.Sprintf("%s has no %s report", input.Version, input.Report), nil)
			}
			return nil, handleError(rerr)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

// finalizedRunDir resolves a registered version to its run directory. Versions
// that are not in the registry are not served.
func finalizedRunDir(e engine.Engine, dataset, ver string) (domain.RegistryVersion, string, huma.StatusError) {
	if err := config.ValidateName(dataset); err != nil {
		return domain.RegistryVersion{}, "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"dataset": dataset})
	}
	rv, ok, err := e.Registry.Lookup(dataset, ver)
	if err != nil {
		return domain.RegistryVersion{}, "", handleError(err)
	}
	if !ok {
		return domain.RegistryVersion{}, "", newAPIError(http.StatusNotFound, "not_found",
			fmt.Sprintf("version %s of %s is not finalized", ver, dataset), nil)
	}
	return rv, filepath.Join(e.Layout.Root, filepath.FromSlash(rv.RunDir)), nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent run ledger events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Dataset string `query:"dataset"`
		Version string `query:"version"`
		Type    string `query:"type"`
		RunID   string `query:"run_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if e.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run ledger is not available", nil)
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
		filter := repo.EventFilter{Dataset: input.Dataset, Version: input.Version, Type: input.Type, RunID: input.RunID}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
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
