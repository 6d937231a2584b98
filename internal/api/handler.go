package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/scoring"
	"github.com/opensource-finance/riskscore/internal/service"
)

const (
	internalErrorDetail = "Internal server error"
	maxBodyBytes        = 1 << 20
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.RiskService
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	logger  *slog.Logger
	version string
}

// NewHandler creates a new API handler. repo, cache and bus are only pinged
// by the health endpoints and may be nil.
func NewHandler(svc *service.RiskService, repo domain.Repository, cache domain.Cache, bus domain.EventBus, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		logger:  logger,
		version: version,
	}
}

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// ValidationResponse lists the invalid fields of a rejected request.
type ValidationResponse struct {
	Status string              `json:"status"`
	Errors []domain.FieldError `json:"errors"`
}

// CustomerRequest is the request body for POST /customers.
type CustomerRequest struct {
	Name          string  `json:"name"`
	Age           int     `json:"age"`
	Income        float64 `json:"income"`
	ActivityScore int     `json:"activity_score"`
}

// ExplainResponse is the response for POST /risk/explain.
type ExplainResponse struct {
	FinalScore    float64                       `json:"final_score"`
	Explanation   string                        `json:"explanation"`
	Breakdown     []scoring.FeatureContribution `json:"breakdown"`
	CustomResults map[string]float64            `json:"custom_results,omitempty"`
	ConfigVersion string                        `json:"config_version"`
}

// ConfigResponse wraps the active risk configuration.
type ConfigResponse struct {
	Version string                     `json:"version"`
	Config  *scoring.RiskConfiguration `json:"config"`
}

// RuleRequest is the request body for POST /rules.
type RuleRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"

	checks := map[string]string{}
	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("event_bus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "repository not available")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateCustomer handles POST /customers.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if !h.decode(w, r, &req) {
		return
	}

	customer := &domain.Customer{
		Name:          req.Name,
		Age:           req.Age,
		Income:        req.Income,
		ActivityScore: req.ActivityScore,
	}
	if err := h.svc.CreateCustomer(r.Context(), customer); err != nil {
		h.fail(w, r, err, "Customer not found")
		return
	}

	writeJSON(w, http.StatusCreated, customer)
}

// GetCustomer handles GET /customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := h.svc.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

// Score handles POST /risk/score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req domain.ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	score, err := h.svc.ScoreCustomer(r.Context(), req, "api")
	if err != nil {
		h.fail(w, r, err, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// ListScores handles GET /risk/{customerID}.
func (h *Handler) ListScores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.svc.ListScores(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.fail(w, r, err, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

// Explain handles POST /risk/explain. The body is a raw feature map;
// nothing is persisted.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	var features scoring.FeatureMap
	if !h.decode(w, r, &features) {
		return
	}

	res, err := h.svc.Explain(features)
	if err != nil {
		var missing *scoring.MissingFeatureError
		if errors.As(err, &missing) {
			msg := missing.Reason
			if msg == "" {
				msg = "is required"
			}
			writeValidation(w, []domain.FieldError{{Field: missing.Feature, Message: msg}})
			return
		}
		h.fail(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, ExplainResponse{
		FinalScore:    res.Breakdown.FinalScore,
		Explanation:   res.Breakdown.Explanation,
		Breakdown:     res.Breakdown.Contributions,
		CustomResults: res.CustomResults,
		ConfigVersion: res.Breakdown.ConfigVersion,
	})
}

// GetConfig handles GET /risk/config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.svc.ActiveConfig()
	writeJSON(w, http.StatusOK, ConfigResponse{Version: cfg.Version(), Config: cfg})
}

// PutConfig handles PUT /risk/config. JSON is expected unless the request
// declares a YAML content type.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeValidation(w, []domain.FieldError{{Field: "body", Message: "unreadable request body"}})
		return
	}

	format := scoring.FormatJSON
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/yaml" || mediaType == "application/x-yaml" {
		format = scoring.FormatYAML
	}

	cfg, err := scoring.ParseConfiguration(body, format)
	if err != nil {
		writeValidation(w, []domain.FieldError{{Field: "config", Message: err.Error()}})
		return
	}

	if err := h.svc.ReplaceConfig(r.Context(), cfg); err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Version: cfg.Version(), Config: cfg})
}

// ReloadConfig handles POST /risk/config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.ReloadConfig(r.Context())
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Version: cfg.Version(), Config: cfg})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.ListRules(r.Context())
	if err != nil {
		h.fail(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  len(rules),
		"active": h.svc.Engine().Registry().Names(),
	})
}

// CreateRule handles POST /rules. The expression is compiled before the
// rule is saved; enabled rules take effect immediately.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	def := &domain.RuleDefinition{
		ID:         req.ID,
		Name:       req.Name,
		Expression: req.Expression,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if err := h.svc.CreateRule(r.Context(), def); err != nil {
		h.fail(w, r, err, "Rule not found")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": def,
	})
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err, "Rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules handles POST /rules/reload.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.LoadRules(r.Context())
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// decode reads a JSON body into v, answering 422 on malformed input.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeValidation(w, []domain.FieldError{{Field: "body", Message: fmt.Sprintf("invalid JSON request body: %v", err)}})
		return false
	}
	return true
}

// fail maps service errors onto HTTP responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr.Fields)
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, service.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scoring.ErrInvalidConfiguration):
		writeValidation(w, []domain.FieldError{{Field: "config", Message: err.Error()}})
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, internalErrorDetail)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Detail: detail})
}

func writeValidation(w http.ResponseWriter, fields []domain.FieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, ValidationResponse{Status: "validation_error", Errors: fields})
}
