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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/app"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/finance"
	"orderline/internal/finops"
	"orderline/internal/policy"
	"orderline/internal/repo"
	"orderline/internal/report"
	"orderline/internal/skills"
	"orderline/internal/stock"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"transaction already terminal"`
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

// New returns an HTTP handler exposing the Orderline API.
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
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Orderline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.App)
	registerTransactions(group, cfg.App)
	registerStock(group, cfg.App)
	registerGovernance(group, cfg.App)
	registerFinance(group, cfg.App)
	registerFinops(group, cfg.App)
	registerReports(group, cfg.App)
	registerEvents(group, cfg.App)
	registerSkills(group, cfg.App)
	registerAgents(group, cfg.App)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.App)

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
	case errors.Is(err, engine.ErrInvalidPayload),
		errors.Is(err, finance.ErrUnbalancedEntry),
		errors.Is(err, finance.ErrOverpayment),
		errors.Is(err, finance.ErrCurrencyMismatch),
		errors.Is(err, skills.ErrNoRouteFound):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrTerminalStatus),
		errors.Is(err, policy.ErrAlreadyDecided),
		errors.Is(err, finance.ErrInvoiceNotVoidable),
		errors.Is(err, finance.ErrObligationNotCancellable),
		errors.Is(err, stock.ErrInsufficientStock):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func parseAmount(field, value string) (decimal.Decimal, huma.StatusError) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "bad_request", field+" must be a decimal", nil)
	}
	return d, nil
}

func requirePeriod(start, end string) huma.StatusError {
	for _, v := range []string{start, end} {
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return newAPIError(http.StatusBadRequest, "bad_request", "period_start and period_end must be RFC3339 timestamps", nil)
		}
	}
	if end <= start {
		return newAPIError(http.StatusBadRequest, "bad_request", "period_end must be after period_start", nil)
	}
	return nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Orderline API Docs</title>
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

func registerStatus(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Ledger status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := a.Repo.CountTransactionsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := a.Repo.ListEscalations(ctx, repo.EscalationFilters{Status: "PENDING"})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Ledger:             a.Config.Ledger.Name,
			TransactionCounts:  counts,
			PendingEscalations: len(pending),
		}}, nil
	})
}

func registerTransactions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "intake-transaction",
		Method:        http.MethodPost,
		Path:          "/transactions",
		Summary:       "Intake order transaction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IntakeTransactionRequest `json:"body"`
	}) (*struct {
		Body domain.Transaction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Engine.Intake(ctx, engine.IntakeRequest{
			Counterparty: input.Body.Counterparty,
			Kind:         input.Body.Kind,
			ItemCode:     input.Body.ItemCode,
			Quantity:     input.Body.Quantity,
			UnitPrice:    input.Body.UnitPrice,
			Currency:     input.Body.Currency,
			RequestedBy:  agentID,
		})
		if err != nil {
			// A persisted rejection still returns the FAILED row.
			if errors.Is(err, engine.ErrInvalidPayload) && t.ID != "" {
				return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"transaction_id": t.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"NEW,IN_PROGRESS,FULFILLED,FAILED,"`
		Kind   string `query:"kind" enum:"PRODUCT,SERVICE,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Transaction `json:"body"`
	}, error) {
		items, err := a.Repo.ListTransactions(ctx, repo.TransactionFilters{
			Status: input.Status,
			Kind:   input.Kind,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transaction `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}",
		Summary:     "Get transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body domain.Transaction `json:"body"`
	}, error) {
		t, err := a.Repo.GetTransaction(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/execute",
		Summary:     "Execute transaction",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		WaitSeconds   int    `query:"wait_seconds" doc:"How long to wait for a pending governance decision before parking"`
	}) (*struct {
		Body TransactionExecution `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wait := a.Config.PollInterval()
		if input.WaitSeconds > 0 {
			wait = time.Duration(input.WaitSeconds) * time.Second
		}
		runCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		t, err := a.Engine.Execute(runCtx, input.TransactionID, agentID)
		out := TransactionExecution{Transaction: t, Outcome: "DONE"}
		switch {
		case err == nil:
		case errors.Is(err, policy.ErrDecisionPending):
			out.Outcome = "PARKED"
			out.Detail = "awaiting governance decision"
		case errors.Is(err, engine.ErrAwaitingStock):
			out.Outcome = "PARKED"
			out.Detail = err.Error()
		default:
			return nil, handleError(err)
		}
		if out.Outcome == "PARKED" {
			if refreshed, err := a.Repo.GetTransaction(ctx, input.TransactionID); err == nil {
				out.Transaction = refreshed
			}
		}
		return &struct {
			Body TransactionExecution `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/fail",
		Summary:     "Fail a parked transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransactionID string                 `path:"transaction_id"`
		Body          FailTransactionRequest `json:"body"`
	}) (*struct {
		Body domain.Transaction `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Engine.Fail(ctx, input.TransactionID, input.Body.Reason, input.Body.Detail, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transaction-evidence",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/evidence",
		Summary:     "Transaction evidence package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body report.EvidencePackage `json:"body"`
	}, error) {
		pkg, err := a.Reporter.EvidencePackage(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.EvidencePackage `json:"body"`
		}{Body: pkg}, nil
	})
}

func registerStock(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "receive-stock",
		Method:        http.MethodPost,
		Path:          "/stock/receipts",
		Summary:       "Receive stock",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ReceiveStockRequest `json:"body"`
	}) (*struct {
		Body domain.StockMovement `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qty, serr := parseAmount("quantity", input.Body.Quantity)
		if serr != nil {
			return nil, serr
		}
		cost, serr := parseAmount("unit_cost", input.Body.UnitCost)
		if serr != nil {
			return nil, serr
		}
		if !qty.IsPositive() || cost.IsNegative() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "quantity must be positive and unit_cost non-negative", nil)
		}
		m, err := a.Engine.ReceiveStock(ctx, input.Body.ItemCode, qty, cost, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StockMovement `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "adjust-stock",
		Method:        http.MethodPost,
		Path:          "/stock/adjustments",
		Summary:       "Correct an on-hand quantity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AdjustStockRequest `json:"body"`
	}) (*struct {
		Body domain.StockMovement `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		delta, serr := parseAmount("quantity", input.Body.Quantity)
		if serr != nil {
			return nil, serr
		}
		m, err := a.Engine.AdjustStock(ctx, input.Body.ItemCode, delta, input.Body.Reason, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StockMovement `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stock-positions",
		Method:      http.MethodGet,
		Path:        "/stock/positions",
		Summary:     "List stock positions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.StockPosition `json:"body"`
	}, error) {
		items, err := a.Repo.ListStockPositions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StockPosition `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stock-movements",
		Method:      http.MethodGet,
		Path:        "/stock/movements",
		Summary:     "List stock movements",
	}, func(ctx context.Context, input *struct {
		ItemCode      string `query:"item_code"`
		TransactionID string `query:"transaction_id"`
		Type          string `query:"type" enum:"RECEIPT,RESERVATION,RELEASE,ISSUE,ADJUSTMENT,"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.StockMovement `json:"body"`
	}, error) {
		items, err := a.Repo.ListStockMovements(ctx, repo.MovementFilters{
			ItemCode:      input.ItemCode,
			TransactionID: input.TransactionID,
			Type:          input.Type,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StockMovement `json:"body"`
		}{Body: items}, nil
	})
}

func registerGovernance(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"PENDING,APPROVED,REJECTED,FROZEN,"`
		ActionType string `query:"action_type"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Escalation `json:"body"`
	}, error) {
		items, err := a.Repo.ListEscalations(ctx, repo.EscalationFilters{
			Status:     input.Status,
			ActionType: input.ActionType,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Escalation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{escalation_id}",
		Summary:     "Get escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EscalationID string `path:"escalation_id"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		esc, err := a.Repo.GetEscalation(ctx, input.EscalationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/decision",
		Summary:     "Decide escalation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EscalationID string                  `path:"escalation_id"`
		Body         DecideEscalationRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		agentID, authErr := requireGovernance(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := a.Engine.Gate.Decide(ctx, input.EscalationID, input.Body.Decision, input.Body.Note, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-thresholds",
		Method:      http.MethodGet,
		Path:        "/governance/thresholds",
		Summary:     "List governance thresholds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.GovernanceThreshold `json:"body"`
	}, error) {
		items, err := a.Repo.ListThresholds(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GovernanceThreshold `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-threshold",
		Method:      http.MethodPut,
		Path:        "/governance/thresholds",
		Summary:     "Set governance threshold",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SetThresholdRequest `json:"body"`
	}) (*struct {
		Body domain.GovernanceThreshold `json:"body"`
	}, error) {
		agentID, authErr := requireGovernance(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, serr := parseAmount("max_auto_amount", input.Body.MaxAutoAmount)
		if serr != nil {
			return nil, serr
		}
		if input.Body.ActionType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type is required", nil)
		}
		t, err := a.Engine.Gate.SetThreshold(ctx, input.Body.ActionType, amount, input.Body.Currency, input.Body.Active, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GovernanceThreshold `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-freezes",
		Method:      http.MethodGet,
		Path:        "/governance/freezes",
		Summary:     "List freeze controls",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.FreezeControl `json:"body"`
	}, error) {
		items, err := a.Repo.ListFreezeControls(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FreezeControl `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-freeze",
		Method:      http.MethodPut,
		Path:        "/governance/freezes",
		Summary:     "Freeze or unfreeze an action type",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SetFreezeRequest `json:"body"`
	}) (*struct {
		Body domain.FreezeControl `json:"body"`
	}, error) {
		agentID, authErr := requireGovernance(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActionType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type is required", nil)
		}
		f, err := a.Engine.Gate.SetFreeze(ctx, input.Body.ActionType, input.Body.Frozen, input.Body.Reason, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FreezeControl `json:"body"`
		}{Body: f}, nil
	})
}

func registerFinance(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/invoices",
		Summary:     "List invoices",
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"ISSUED,PARTIALLY_PAID,PAID,VOID,"`
		Counterparty string `query:"counterparty"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []domain.Invoice `json:"body"`
	}, error) {
		items, err := a.Repo.ListInvoices(ctx, repo.InvoiceFilters{
			Status:       input.Status,
			Counterparty: input.Counterparty,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Invoice `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/{invoice_id}",
		Summary:     "Get invoice",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvoiceID string `path:"invoice_id"`
	}) (*struct {
		Body domain.Invoice `json:"body"`
	}, error) {
		inv, err := a.Repo.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invoice `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "void-invoice",
		Method:      http.MethodPost,
		Path:        "/invoices/{invoice_id}/void",
		Summary:     "Void an unsettled invoice",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InvoiceID string             `path:"invoice_id"`
		Body      VoidInvoiceRequest `json:"body"`
	}) (*struct {
		Body domain.Invoice `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := a.Engine.Ledger.VoidInvoice(ctx, input.InvoiceID, input.Body.Reason, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invoice `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "apply-receipt",
		Method:        http.MethodPost,
		Path:          "/transactions/{transaction_id}/receipts",
		Summary:       "Apply a cash receipt against a transaction's invoice",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string              `path:"transaction_id"`
		Body          ApplyReceiptRequest `json:"body"`
	}) (*struct {
		Body domain.Settlement `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, serr := parseAmount("amount", input.Body.Amount)
		if serr != nil {
			return nil, serr
		}
		if !amount.IsPositive() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be positive", nil)
		}
		s, err := a.Engine.Ledger.ApplyReceipt(ctx, input.TransactionID, amount, input.Body.Currency, input.Body.Reference, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settlement `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-obligations",
		Method:      http.MethodGet,
		Path:        "/obligations",
		Summary:     "List payable obligations",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"OPEN,SETTLED,CANCELLED,"`
		SourceType string `query:"source_type" enum:"PROCUREMENT,SERVICE_DELIVERY,AUTONOMY_PAYROLL,"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.APObligation `json:"body"`
	}, error) {
		items, err := a.Repo.ListAPObligations(ctx, repo.APObligationFilters{
			Status:     input.Status,
			SourceType: input.SourceType,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APObligation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-obligation",
		Method:      http.MethodPost,
		Path:        "/obligations/{obligation_id}/settle",
		Summary:     "Settle a payable obligation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ObligationID string `path:"obligation_id"`
	}) (*struct {
		Body domain.APObligation `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := a.Engine.Ledger.SettleObligation(ctx, input.ObligationID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APObligation `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-obligation",
		Method:      http.MethodPost,
		Path:        "/obligations/{obligation_id}/cancel",
		Summary:     "Cancel an open payable obligation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ObligationID string `path:"obligation_id"`
		Body         CancelObligationRequest
	}) (*struct {
		Body domain.APObligation `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := a.Engine.Ledger.CancelObligation(ctx, input.ObligationID, input.Body.Reason, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APObligation `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List journal entries",
	}, func(ctx context.Context, input *struct {
		TransactionID string `query:"transaction_id"`
		Account       string `query:"account"`
		From          string `query:"from" format:"date-time"`
		To            string `query:"to" format:"date-time"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.JournalEntry `json:"body"`
	}, error) {
		items, err := a.Repo.ListJournalEntries(ctx, repo.JournalFilters{
			TransactionID: input.TransactionID,
			Account:       input.Account,
			From:          input.From,
			To:            input.To,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JournalEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerFinops(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-cost",
		Method:        http.MethodPost,
		Path:          "/costs",
		Summary:       "Record a cost source",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RecordCostRequest `json:"body"`
	}) (*struct {
		Body domain.CostSourceRecord `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rec, err := a.Allocator.RecordCost(ctx, domain.CostSourceRecord{
			SourceType:    input.Body.SourceType,
			TransactionID: input.Body.TransactionID,
			AgentID:       input.Body.AgentID,
			SkillID:       input.Body.SkillID,
			TotalCost:     input.Body.TotalCost,
			Currency:      input.Body.Currency,
			OccurredAt:    input.Body.OccurredAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CostSourceRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations/run",
		Summary:     "Allocate period costs over transactions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PeriodRequest `json:"body"`
	}) (*struct {
		Body finops.Run `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if serr := requirePeriod(input.Body.PeriodStart, input.Body.PeriodEnd); serr != nil {
			return nil, serr
		}
		run, err := a.Allocator.Allocate(ctx, input.Body.PeriodStart, input.Body.PeriodEnd, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body finops.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/allocations",
		Summary:     "List cost allocations",
	}, func(ctx context.Context, input *struct {
		PeriodStart   string `query:"period_start" format:"date-time"`
		PeriodEnd     string `query:"period_end" format:"date-time"`
		TransactionID string `query:"transaction_id"`
		SkillID       string `query:"skill_id"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.CostAllocation `json:"body"`
	}, error) {
		items, err := a.Repo.ListCostAllocations(ctx, repo.AllocationFilters{
			PeriodStart:   input.PeriodStart,
			PeriodEnd:     input.PeriodEnd,
			TransactionID: input.TransactionID,
			SkillID:       input.SkillID,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CostAllocation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-reconciliation",
		Method:      http.MethodPost,
		Path:        "/reconciliations/run",
		Summary:     "Reconcile a period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PeriodRequest `json:"body"`
	}) (*struct {
		Body domain.PeriodReconciliation `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if serr := requirePeriod(input.Body.PeriodStart, input.Body.PeriodEnd); serr != nil {
			return nil, serr
		}
		p, err := a.Allocator.Reconcile(ctx, input.Body.PeriodStart, input.Body.PeriodEnd, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PeriodReconciliation `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reconciliations",
		Method:      http.MethodGet,
		Path:        "/reconciliations",
		Summary:     "List period reconciliations",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.PeriodReconciliation `json:"body"`
	}, error) {
		items, err := a.Repo.ListPeriodReconciliations(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PeriodReconciliation `json:"body"`
		}{Body: items}, nil
	})
}

func registerReports(api huma.API, a *app.App) {
	type periodQuery struct {
		PeriodStart string `query:"period_start" format:"date-time"`
		PeriodEnd   string `query:"period_end" format:"date-time"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "board-summary",
		Method:      http.MethodGet,
		Path:        "/reports/board-summary",
		Summary:     "Board summary for a period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *periodQuery) (*struct {
		Body report.BoardSummary `json:"body"`
	}, error) {
		if serr := requirePeriod(input.PeriodStart, input.PeriodEnd); serr != nil {
			return nil, serr
		}
		s, err := a.Reporter.BoardSummary(ctx, input.PeriodStart, input.PeriodEnd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.BoardSummary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trial-balance",
		Method:      http.MethodGet,
		Path:        "/reports/trial-balance",
		Summary:     "Trial balance for a period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *periodQuery) (*struct {
		Body report.TrialBalance `json:"body"`
	}, error) {
		if serr := requirePeriod(input.PeriodStart, input.PeriodEnd); serr != nil {
			return nil, serr
		}
		tb, err := a.Reporter.TrialBalance(ctx, input.PeriodStart, input.PeriodEnd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.TrialBalance `json:"body"`
		}{Body: tb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ar-aging",
		Method:      http.MethodGet,
		Path:        "/reports/ar-aging",
		Summary:     "Receivables aging",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body report.Aging `json:"body"`
	}, error) {
		aging, err := a.Reporter.ARAging(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Aging `json:"body"`
		}{Body: aging}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ap-aging",
		Method:      http.MethodGet,
		Path:        "/reports/ap-aging",
		Summary:     "Payables aging",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body report.Aging `json:"body"`
	}, error) {
		aging, err := a.Reporter.APAging(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Aging `json:"body"`
		}{Body: aging}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skill-economics",
		Method:      http.MethodGet,
		Path:        "/reports/skill-economics",
		Summary:     "Skill reliability and cost for a period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *periodQuery) (*struct {
		Body []report.SkillEconomicsLine `json:"body"`
	}, error) {
		if serr := requirePeriod(input.PeriodStart, input.PeriodEnd); serr != nil {
			return nil, serr
		}
		lines, err := a.Reporter.SkillEconomics(ctx, input.PeriodStart, input.PeriodEnd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []report.SkillEconomicsLine `json:"body"`
		}{Body: lines}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     int64  `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := a.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     input.Cursor,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerSkills(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-skills",
		Method:      http.MethodGet,
		Path:        "/skills",
		Summary:     "List skill registrations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SkillRegistration `json:"body"`
	}, error) {
		items, err := a.Repo.ListSkillRegistrations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SkillRegistration `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-routing-policies",
		Method:      http.MethodGet,
		Path:        "/routing",
		Summary:     "List routing policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RoutingPolicy `json:"body"`
	}, error) {
		items, err := a.Repo.ListRoutingPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RoutingPolicy `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-skill-invocations",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/invocations",
		Summary:     "List a transaction's skill invocations",
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body []domain.SkillInvocation `json:"body"`
	}, error) {
		items, err := a.Repo.ListSkillInvocations(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SkillInvocation `json:"body"`
		}{Body: items}, nil
	})
}

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := a.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if _, authErr := requireGovernance(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		agent := domain.Agent{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Governance: input.Body.Governance,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := a.Repo.UpsertAgent(ctx, agent); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if _, authErr := requireGovernance(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.AgentID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if _, err := a.Repo.GetAgent(ctx, input.Body.AgentID); err != nil {
			return nil, handleError(err)
		}
		secret := uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			AgentID:   input.Body.AgentID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      key.ID,
			AgentID: key.AgentID,
			Name:    key.Name,
			Key:     secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := requireGovernance(ctx); authErr != nil {
			return nil, authErr
		}
		if err := a.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
