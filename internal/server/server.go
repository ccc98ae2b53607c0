// Package server exposes the shop over HTTP: an open customer surface
// for conversational ordering and an authenticated staff surface for
// catalog and order management.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mostrador/internal/assistant"
	"mostrador/internal/chat"
	"mostrador/internal/domain"
	"mostrador/internal/gate"
	"mostrador/internal/orders"
	"mostrador/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *chat.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"server_busy"`
	Message string         `json:"message" example:"too many conversations in flight"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mostrador API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
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
	hcfg := huma.DefaultConfig("Mostrador API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerStaffOrders(group, cfg.Engine)
	registerCategories(group, cfg.Engine)
	registerProducts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	case errors.Is(err, gate.ErrBusy):
		return newAPIError(http.StatusServiceUnavailable, "server_busy", "too many conversations in flight, try again shortly", nil)
	case errors.Is(err, assistant.ErrAudioTooLarge):
		return newAPIError(http.StatusRequestEntityTooLarge, "audio_too_large", err.Error(), nil)
	case errors.Is(err, assistant.ErrUnsupportedAudio):
		return newAPIError(http.StatusUnsupportedMediaType, "unsupported_audio", err.Error(), nil)
	case errors.Is(err, orders.ErrCartTooLarge):
		return newAPIError(http.StatusBadRequest, "cart_too_large", err.Error(), nil)
	case errors.Is(err, orders.ErrConflict):
		return newAPIError(http.StatusConflict, "order_number_conflict", err.Error(), nil)
	case errors.Is(err, orders.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, orders.ErrBadPickupCode):
		return newAPIError(http.StatusForbidden, "pickup_code_mismatch", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "upstream_timeout", "assistant did not answer in time", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "empty"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "audio_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_audio"
	case http.StatusServiceUnavailable:
		return "server_busy"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if publicPath(basePath, route) {
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
    <title>Mostrador API Docs</title>
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
      Staff endpoints authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e *chat.Engine) {
	type gateStatus struct {
		InUse    int `json:"in_use"`
		Queued   int `json:"queued"`
		Capacity int `json:"capacity"`
	}
	type healthBody struct {
		Status string     `json:"status"`
		Gate   gateStatus `json:"gate"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "db_unavailable", "database not reachable", nil)
		}
		inUse, queued, capacity := e.Gate.Snapshot()
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{
			Status: "ok",
			Gate:   gateStatus{InUse: inUse, Queued: queued, Capacity: capacity},
		}}, nil
	})
}

func messageResponse(out chat.TurnOutcome) MessageResponse {
	res := MessageResponse{
		Reply:             out.Reply,
		State:             out.Session.State,
		Cart:              out.Cart,
		SuggestedProducts: []SuggestedProductResponse{},
		Text:              out.Transcript,
		Intent:            out.Intent,
		Degraded:          out.Degraded,
	}
	if res.Cart == nil {
		res.Cart = []domain.CartItem{}
	}
	for _, s := range out.Suggested {
		res.SuggestedProducts = append(res.SuggestedProducts, SuggestedProductResponse{
			ID:    s.ProductID,
			Name:  s.Name,
			Price: s.Price,
			Unit:  s.Unit,
		})
	}
	for _, item := range out.Items {
		res.ExtractedItems = append(res.ExtractedItems, ExtractedItemResponse{
			ProductID: item.ProductID,
			Name:      item.Name,
			Qty:       item.Qty,
			Notes:     item.Notes,
		})
	}
	if out.Session.OrderNumber != nil {
		res.OrderNumber = out.Session.OrderNumber
	}
	if out.Order != nil {
		res.Total = &out.Order.Total
		res.PickupCode = &out.Order.PickupCode
	}
	return res
}

func registerSessions(api huma.API, e *chat.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a conversation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartSession(ctx, input.Body.CustomerName, input.Body.CustomerPhone, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-turns",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/turns",
		Summary:     "Conversation transcript",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TurnResponse `json:"body"`
	}, error) {
		if _, err := e.GetSession(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		turns, err := e.Repo.ListTurns(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TurnResponse, 0, len(turns))
		for _, t := range turns {
			res = append(res, TurnResponse{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt})
		}
		return &struct {
			Body []TurnResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-message",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/messages",
		Summary:     "Send a text utterance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body MessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.HandleText(ctx, input.ID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-audio",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/audio",
		Summary:     "Send an audio utterance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusRequestEntityTooLarge,
			http.StatusUnsupportedMediaType,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "audio body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.HandleAudio(ctx, input.ID, input.RawBody, input.ContentType, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(out)}, nil
	})
}

func registerOrders(api huma.API, e *chat.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{number}",
		Summary:     "Order status by number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrderByNumber(ctx, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})
}

func registerStaffOrders(api huma.API, e *chat.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "staff-list-orders",
		Method:      http.MethodGet,
		Path:        "/staff/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListOrders(ctx, repo.OrderFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []StaffOrderResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, o := range items {
			resp.Items = append(resp.Items, staffOrderResponse(o, nil))
		}
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-get-order",
		Method:      http.MethodGet,
		Path:        "/staff/orders/{number}",
		Summary:     "Order detail with lines",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
	}) (*struct {
		Body StaffOrderResponse `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetOrderByNumber(ctx, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		lines, err := e.Repo.ListOrderLines(ctx, o.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StaffOrderResponse `json:"body"`
		}{Body: staffOrderResponse(o, lines)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-set-order-status",
		Method:      http.MethodPost,
		Path:        "/staff/orders/{number}/status",
		Summary:     "Advance order status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
		Body   struct {
			Status string `json:"status" enum:"preparing,ready,cancelled"`
		} `json:"body"`
	}) (*struct {
		Body StaffOrderResponse `json:"body"`
	}, error) {
		actorID, authErr := requireStaff(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		o, err := e.Orders.Transition(ctx, input.Number, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StaffOrderResponse `json:"body"`
		}{Body: staffOrderResponse(o, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-complete-order",
		Method:      http.MethodPost,
		Path:        "/staff/orders/{number}/complete",
		Summary:     "Hand over at pickup",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
		Body   struct {
			PickupCode string `json:"pickup_code"`
		} `json:"body"`
	}) (*struct {
		Body StaffOrderResponse `json:"body"`
	}, error) {
		actorID, authErr := requireStaff(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.PickupCode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "pickup_code is required", nil)
		}
		o, err := e.Orders.Complete(ctx, input.Number, input.Body.PickupCode, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StaffOrderResponse `json:"body"`
		}{Body: staffOrderResponse(o, nil)}, nil
	})
}

func registerCategories(api huma.API, e *chat.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-category",
		Method:        http.MethodPost,
		Path:          "/categories",
		Summary:       "Create category",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateCategoryRequest `json:"body"`
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		c := domain.Category{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			Position:  input.Body.Position,
			CreatedAt: e.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if err := e.Repo.InsertCategory(ctx, c); err != nil {
			return nil, handleError(err)
		}
		e.Inventory.Invalidate()
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "List categories",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Category `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCategories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Category `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-category",
		Method:      http.MethodDelete,
		Path:        "/categories/{id}",
		Summary:     "Delete category",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteCategory(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		e.Inventory.Invalidate()
		return &struct{}{}, nil
	})
}

func registerProducts(api huma.API, e *chat.Engine) {
	now := func() string { return e.Now().UTC().Format("2006-01-02T15:04:05Z07:00") }

	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Create product",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if strings.TrimSpace(input.Body.Price) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "price is required", nil)
		}
		ts := now()
		p := domain.Product{
			ID:         input.Body.ID,
			CategoryID: input.Body.CategoryID,
			Name:       input.Body.Name,
			Price:      input.Body.Price,
			Unit:       input.Body.Unit,
			Note:       input.Body.Note,
			Available:  true,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Unit == "" {
			p.Unit = "kg"
		}
		if input.Body.Available != nil {
			p.Available = *input.Body.Available
		}
		if err := e.Repo.InsertProduct(ctx, p); err != nil {
			return nil, handleError(err)
		}
		e.Inventory.Invalidate()
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CategoryID string `query:"category_id"`
		Available  bool   `query:"available"`
	}) (*struct {
		Body []domain.Product `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProducts(ctx, repo.ProductFilters{
			CategoryID:    input.CategoryID,
			AvailableOnly: input.Available,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Product `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{id}",
		Summary:     "Get product",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-product",
		Method:      http.MethodPatch,
		Path:        "/products/{id}",
		Summary:     "Update product",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateProductRequest `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Repo.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.CategoryID != nil {
			p.CategoryID = input.Body.CategoryID
		}
		if input.Body.Name != nil {
			p.Name = *input.Body.Name
		}
		if input.Body.Price != nil {
			p.Price = *input.Body.Price
		}
		if input.Body.Unit != nil {
			p.Unit = *input.Body.Unit
		}
		if input.Body.Note != nil {
			p.Note = *input.Body.Note
		}
		if input.Body.Available != nil {
			p.Available = *input.Body.Available
		}
		p.UpdatedAt = now()
		if err := e.Repo.UpdateProduct(ctx, p); err != nil {
			return nil, handleError(err)
		}
		e.Inventory.Invalidate()
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-product-availability",
		Method:      http.MethodPost,
		Path:        "/products/{id}/availability",
		Summary:     "Toggle product availability",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Available bool `json:"available"`
		} `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetProductAvailability(ctx, input.ID, input.Body.Available, now()); err != nil {
			return nil, handleError(err)
		}
		e.Inventory.Invalidate()
		p, err := e.Repo.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-product",
		Method:      http.MethodDelete,
		Path:        "/products/{id}",
		Summary:     "Delete product",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteProduct(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		e.Inventory.Invalidate()
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *chat.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			res = append(res, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAPIKeys(api huma.API, e *chat.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     raw,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{
				ID:         k.ID,
				ActorID:    k.ActorID,
				Name:       k.Name,
				CreatedAt:  k.CreatedAt,
				LastUsedAt: k.LastUsedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireStaff(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
