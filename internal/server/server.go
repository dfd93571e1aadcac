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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"payline/internal/bridge"
	"payline/internal/engine"
	"payline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_vote"`
	Message string         `json:"message" example:"agent val-1 already voted on transaction txn_1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"agent_id\":\"val-1\"}"`
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

// New returns an HTTP handler exposing the Payline API.
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
	hcfg := huma.DefaultConfig("Payline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg.Engine)
	registerMandates(group, cfg.Engine)
	registerConsensus(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerBridgeWebhook(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var agentNF engine.AgentNotFoundError
	if errors.As(err, &agentNF) {
		return newAPIError(http.StatusNotFound, "agent_not_found", err.Error(), map[string]any{"agent_id": agentNF.AgentID})
	}
	var agentInactive engine.AgentInactiveError
	if errors.As(err, &agentInactive) {
		return newAPIError(http.StatusUnprocessableEntity, "agent_inactive", err.Error(), map[string]any{"agent_id": agentInactive.AgentID})
	}
	var valNF engine.ValidatorNotFoundError
	if errors.As(err, &valNF) {
		return newAPIError(http.StatusNotFound, "validator_not_found", err.Error(), map[string]any{"agent_id": valNF.AgentID})
	}
	var valInactive engine.ValidatorInactiveError
	if errors.As(err, &valInactive) {
		return newAPIError(http.StatusUnprocessableEntity, "validator_inactive", err.Error(), map[string]any{"agent_id": valInactive.AgentID})
	}
	var insufficient engine.InsufficientValidatorsError
	if errors.As(err, &insufficient) {
		return newAPIError(http.StatusBadRequest, "insufficient_validators", err.Error(), map[string]any{"got": insufficient.Got, "min": insufficient.Min})
	}
	var txnNF engine.TransactionNotFoundError
	if errors.As(err, &txnNF) {
		return newAPIError(http.StatusNotFound, "transaction_not_found", err.Error(), map[string]any{"transaction_id": txnNF.TransactionID})
	}
	var notPending engine.TransactionNotPendingError
	if errors.As(err, &notPending) {
		return newAPIError(http.StatusConflict, "transaction_not_pending", err.Error(), map[string]any{"status": notPending.Status})
	}
	var dup engine.DuplicateVoteError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_vote", err.Error(), map[string]any{"agent_id": dup.AgentID})
	}
	var notAuth engine.NotAuthorizedError
	if errors.As(err, &notAuth) {
		return newAPIError(http.StatusConflict, "not_authorized_for_execution", err.Error(), map[string]any{"status": notAuth.Status})
	}
	var execFailed engine.ExecutionFailedError
	if errors.As(err, &execFailed) {
		return newAPIError(http.StatusBadGateway, "execution_failed", err.Error(), map[string]any{"transaction_id": execFailed.TransactionID})
	}
	var mandateNF engine.MandateNotFoundError
	if errors.As(err, &mandateNF) {
		return newAPIError(http.StatusNotFound, "mandate_not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):          true,
		"/" + strings.TrimPrefix(path.Join(basePath, "webhooks/bridge"), "/"): true,
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
    <title>Payline API Docs</title>
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

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RegisterAgentOptions{
			OwnerID:       ownerID,
			Name:          input.Body.Name,
			Type:          input.Body.Type,
			Role:          input.Body.Role,
			PublicKey:     input.Body.PublicKey,
			SpendingLimit: input.Body.SpendingLimit,
			Config:        input.Body.Config,
			ActorID:       ownerID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.WalletID != nil {
			opts.WalletID = *input.Body.WalletID
		}
		a, err := e.RegisterAgent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List the caller's agents",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAgents(ctx, ownerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := repo.AgentPatch{
			Name:          input.Body.Name,
			Role:          input.Body.Role,
			WalletID:      input.Body.WalletID,
			SpendingLimit: input.Body.SpendingLimit,
			Active:        input.Body.Active,
		}
		if input.Body.Config != nil {
			patch.ConfigJSON = encodeJSONMap(*input.Body.Config)
		}
		a, err := e.UpdateAgent(ctx, input.AgentID, patch, ownerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})
}

func registerMandates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mandate",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/mandates",
		Summary:       "Create mandate",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string               `path:"agent_id"`
		Body    CreateMandateRequest `json:"body"`
	}) (*struct {
		Body MandateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMandate(ctx, engine.CreateMandateOptions{
			AgentID:     input.AgentID,
			Type:        input.Body.Type,
			Amount:      input.Body.Amount,
			Currency:    input.Body.Currency,
			Description: input.Body.Description,
			ExpiryHours: input.Body.ExpiryHours,
			Metadata:    input.Body.Metadata,
			AgentKey:    input.Body.AgentKey,
			ActorID:     ownerID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MandateResponse `json:"body"`
		}{Body: mandateResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mandate",
		Method:      http.MethodGet,
		Path:        "/mandates/{mandate_id}",
		Summary:     "Get mandate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MandateID string `path:"mandate_id"`
	}) (*struct {
		Body MandateResponse `json:"body"`
	}, error) {
		m, err := e.GetMandate(ctx, input.MandateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MandateResponse `json:"body"`
		}{Body: mandateResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-mandate",
		Method:      http.MethodPost,
		Path:        "/mandates/verify",
		Summary:     "Verify mandate signature and expiry",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body VerifyMandateRequest `json:"body"`
	}) (*struct {
		Body struct {
			Valid bool `json:"valid"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		valid := e.VerifyMandate(mandateFromRequest(input.Body.Mandate), input.Body.AgentKey)
		out := &struct {
			Body struct {
				Valid bool `json:"valid"`
			} `json:"body"`
		}{}
		out.Body.Valid = valid
		return out, nil
	})
}

func registerConsensus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initiate-consensus",
		Method:        http.MethodPost,
		Path:          "/consensus/initiate",
		Summary:       "Initiate consensus transaction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body InitiateConsensusRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InitiateOptions{
			InitiatorID:  input.Body.InitiatorID,
			ValidatorIDs: input.Body.ValidatorIDs,
			Amount:       input.Body.Amount,
			Currency:     input.Body.Currency,
			Description:  input.Body.Description,
			ActorID:      ownerID,
		}
		if input.Body.RequiredVotes != nil {
			opts.RequiredVotes = *input.Body.RequiredVotes
		}
		res, err := e.InitiateTransaction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(res.Transaction, nil, res.Warnings)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-consensus",
		Method:      http.MethodGet,
		Path:        "/consensus/{transaction_id}",
		Summary:     "Get consensus transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		t, err := e.GetTransaction(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := e.Repo.VotesForTransaction(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t, votes, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-consensus",
		Method:      http.MethodPost,
		Path:        "/consensus/{transaction_id}/vote",
		Summary:     "Submit validator vote",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string      `path:"transaction_id"`
		Body          VoteRequest `json:"body"`
	}) (*struct {
		Body VoteOutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		out, err := e.SubmitVote(ctx, input.TransactionID, input.Body.AgentID, input.Body.Approve, input.Body.Signature, ownerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteOutcomeResponse `json:"body"`
		}{Body: VoteOutcomeResponse{
			TransactionID: out.TransactionID,
			Status:        out.Status,
			TotalVotes:    out.TotalVotes,
			PositiveVotes: out.PositiveVotes,
			RequiredVotes: out.RequiredVotes,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-consensus",
		Method:      http.MethodPost,
		Path:        "/consensus/{transaction_id}/execute",
		Summary:     "Execute authorized transaction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string         `path:"transaction_id"`
		Body          ExecuteRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.FromWalletID == "" || input.Body.ToWalletID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from_wallet_id and to_wallet_id are required", nil)
		}
		t, err := e.ExecuteTransaction(ctx, input.TransactionID, input.Body.FromWalletID, input.Body.ToWalletID, ownerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t, nil, nil)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "log-agent-action",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/actions",
		Summary:       "Log agent action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string           `path:"agent_id"`
		Body    LogActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.LogAgentAction(ctx, engine.LogActionOptions{
			AgentID:    input.AgentID,
			ActionType: input.Body.ActionType,
			Amount:     input.Body.Amount,
			Currency:   input.Body.Currency,
			Status:     input.Body.Status,
			Metadata:   input.Body.Metadata,
			ActorID:    ownerID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-actions",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/actions",
		Summary:     "List agent actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		items, err := e.AgentActions(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: mapActions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-spending",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/spending",
		Summary:     "Agent spending summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body SpendingResponse `json:"body"`
	}, error) {
		s, err := e.SpendingSummary(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpendingResponse `json:"body"`
		}{Body: SpendingResponse{
			AgentID:         s.AgentID,
			SpendingLimit:   s.SpendingLimit,
			SpentAmount:     s.SpentAmount,
			RemainingBudget: s.RemainingBudget,
			TotalActions:    s.TotalActions,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit  int   `query:"limit"`
		Before int64 `query:"before"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, limit, input.Before)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		Description:   "The plaintext key is returned once and never stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, ownerID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			OwnerID:   key.OwnerID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}

// registerBridgeWebhook accepts rail transfer notifications. It is mounted on
// the raw router so the HMAC check can run over the exact body bytes.
func registerBridgeWebhook(r chi.Router, basePath string, e engine.Engine) {
	hookPath := path.Join(basePath, "webhooks/bridge")
	r.Post(hookPath, func(w http.ResponseWriter, req *http.Request) {
		secret := ""
		if e.Config != nil {
			secret = e.Config.Bridge.WebhookSecret
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		signature := req.Header.Get("X-Bridge-Signature")
		if !bridge.VerifyWebhookSignature(body, signature, secret) {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed", nil))
			return
		}
		var payload struct {
			EventType string `json:"event_type"`
			Transfer  struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"transfer"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Transfer.ID == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid webhook payload", nil))
			return
		}
		if err := e.HandleTransferUpdate(req.Context(), payload.Transfer.ID, payload.Transfer.Status); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	})
}
