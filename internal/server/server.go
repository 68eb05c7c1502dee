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
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/reconcile"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Keys     KeyStore
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"add stage not allowed: caller is not the current holder"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the custody API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema violations are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Keys, log))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Custodyline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBatches(group, cfg.Engine, cfg.Auth)
	registerStages(group, cfg.Engine, cfg.Auth)
	registerCustody(group, cfg.Engine, cfg.Auth)
	registerEvents(group, cfg.Engine)
	registerPartners(group, cfg.Engine, cfg.Auth)
	registerReconcile(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type loggerKey struct{}

func loggerFrom(ctx context.Context) *zap.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return log
	}
	return zap.NewNop()
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey{}, log)))
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
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

var kindStatus = map[engine.Kind]int{
	engine.KindValidation:  http.StatusBadRequest,
	engine.KindNotFound:    http.StatusNotFound,
	engine.KindForbidden:   http.StatusForbidden,
	engine.KindConflict:    http.StatusConflict,
	engine.KindUnreachable: http.StatusServiceUnavailable,
	engine.KindInternal:    http.StatusInternalServerError,
}

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := engine.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	var details map[string]any
	var e *engine.Error
	if errors.As(err, &e) && e.Signature != "" {
		details = map[string]any{"transaction": e.Signature}
	}
	if kind == engine.KindInternal {
		loggerFrom(ctx).Error("request failed",
			zap.String("request_id", middleware.GetReqID(ctx)),
			zap.Error(err))
		return newAPIError(status, "internal_error", "internal error", nil)
	}
	return newAPIError(status, string(kind), err.Error(), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unreachable"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Custodyline API Docs</title>
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
	http.StatusServiceUnavailable,
}

func registerBatches(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Register a batch on the ledger",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body engine.CreateBatchResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireActor(ctx, authCfg, "brand_owner_key", input.Body.BrandOwnerKey); err != nil {
			return nil, err
		}
		res, err := e.CreateBatch(ctx, engine.CreateBatchOptions{
			ID:               input.Body.BatchID,
			BrandOwnerKey:    input.Body.BrandOwnerKey,
			InitialHolderKey: input.Body.InitialHolderKey,
			ProducerName:     input.Body.ProducerName,
			ParticipantIDs:   input.Body.ParticipantIDs,
			Metadata:         input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.CreateBatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches owned or held by a key",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		User   string `query:"user"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedBatches `json:"body"`
	}, error) {
		if strings.TrimSpace(input.User) == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation", "user query parameter is required", nil)
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorAddr, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListBatches(ctx, engine.ListBatchesOptions{
			UserKey:         input.User,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorAddress:   cursorAddr,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedBatches{Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.Items = items[:limit]
			resp.NextCursor = composeCursor(last.CreatedAt, last.Address)
		}
		return &struct {
			Body paginatedBatches `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{address}",
		Summary:     "Batch details with participants and stage history",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body domain.BatchDetails `json:"body"`
	}, error) {
		details, err := e.GetBatchDetails(ctx, input.Address)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.BatchDetails `json:"body"`
		}{Body: details}, nil
	})
}

func registerStages(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-stage",
		Method:        http.MethodPost,
		Path:          "/batches/{address}/stages",
		Summary:       "Record a processing stage",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Address string          `path:"address"`
		Body    AddStageRequest `json:"body"`
	}) (*struct {
		Body engine.AddStageResult `json:"body"`
	}, error) {
		if err := requireActor(ctx, authCfg, "user_key", input.Body.UserKey); err != nil {
			return nil, err
		}
		res, err := e.AddStage(ctx, engine.AddStageOptions{
			BatchAddress: input.Address,
			UserKey:      input.Body.UserKey,
			StageName:    input.Body.StageName,
			Metadata:     input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.AddStageResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCustody(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-custody",
		Method:      http.MethodPost,
		Path:        "/batches/{address}/transfer",
		Summary:     "Hand the batch to another participant",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Address string          `path:"address"`
		Body    TransferRequest `json:"body"`
	}) (*struct {
		Body engine.TransferResult `json:"body"`
	}, error) {
		if err := requireActor(ctx, authCfg, "current_holder_key", input.Body.CurrentHolderKey); err != nil {
			return nil, err
		}
		res, err := e.TransferCustody(ctx, engine.TransferOptions{
			BatchAddress:       input.Address,
			CurrentHolderKey:   input.Body.CurrentHolderKey,
			NewHolderPartnerID: input.Body.NewHolderPartnerID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.TransferResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{address}/finalize",
		Summary:     "Close the batch",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Address string          `path:"address"`
		Body    FinalizeRequest `json:"body"`
	}) (*struct {
		Body engine.FinalizeResult `json:"body"`
	}, error) {
		if err := requireActor(ctx, authCfg, "brand_owner_key", input.Body.BrandOwnerKey); err != nil {
			return nil, err
		}
		res, err := e.FinalizeBatch(ctx, engine.FinalizeOptions{
			BatchAddress:  input.Address,
			BrandOwnerKey: input.Body.BrandOwnerKey,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.FinalizeResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batch-events",
		Method:      http.MethodGet,
		Path:        "/batches/{address}/events",
		Summary:     "Custody event log of a batch",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.ListEvents(ctx, input.Address, limit+1, input.Cursor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = items[limit-1].ID
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

func registerPartners(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-partner",
		Method:        http.MethodPost,
		Path:          "/partners",
		Summary:       "Register a supply-chain partner",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreatePartnerRequest `json:"body"`
	}) (*struct {
		Body domain.Partner `json:"body"`
	}, error) {
		if err := requireActor(ctx, authCfg, "brand_owner_key", input.Body.BrandOwnerKey); err != nil {
			return nil, err
		}
		p, err := e.CreatePartner(ctx, engine.CreatePartnerOptions{
			PublicKey:     input.Body.PublicKey,
			Name:          input.Body.Name,
			Role:          input.Body.Role,
			ContactEmail:  input.Body.ContactEmail,
			BrandOwnerKey: input.Body.BrandOwnerKey,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Partner `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-partners",
		Method:      http.MethodGet,
		Path:        "/partners",
		Summary:     "List partners of a brand owner",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body []domain.Partner `json:"body"`
	}, error) {
		items, err := e.ListPartners(ctx, input.Owner)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Partner `json:"body"`
		}{Body: items}, nil
	})
}

func registerReconcile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{address}/reconcile",
		Summary:     "Repair the cached batch from the ledger",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body reconcile.Outcome `json:"body"`
	}, error) {
		out, err := e.ReconcileBatch(ctx, input.Address)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body reconcile.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		key := strings.TrimSpace(input.Body.PrincipalKey)
		if key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "principal_key is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, key, time.Hour)
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
	return nil
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
