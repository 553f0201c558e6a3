package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	service  *compliance.Service
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(service *compliance.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		service:  service,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		validate: newValidator(),
		version:  version,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
	Cache   *CacheStats       `json:"cache,omitempty"`
}

// CacheStats reports the occupancy of the local cache tier.
type CacheStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

// Health reports the status of each backing component. A failing component
// marks the service degraded but still answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Checks:  h.checks(r.Context()),
	}
	for _, result := range resp.Checks {
		if result != "ok" {
			resp.Status = "degraded"
		}
	}

	if stats, ok := h.cache.(interface{ Stats() (int, int) }); ok {
		size, capacity := stats.Stats()
		resp.Cache = &CacheStats{Size: size, Capacity: capacity}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready answers 503 until the repository is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) checks(ctx context.Context) map[string]string {
	pingers := map[string]interface{ Ping(context.Context) error }{}
	if h.repo != nil {
		pingers["repository"] = h.repo
	}
	if h.cache != nil {
		pingers["cache"] = h.cache
	}
	if h.bus != nil {
		pingers["bus"] = h.bus
	}

	results := make(map[string]string, len(pingers))
	for name, p := range pingers {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	return results
}

// PutPolicy creates or replaces a policy.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	var req domain.PolicyRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	policy := req.ToPolicy(tenantID, policyID)
	if err := h.service.SavePolicy(ctx, tenantID, policy); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("policy saved", "tenant_id", tenantID, "policy_id", policyID)
	writeJSON(w, http.StatusOK, policy)
}

// GetPolicy returns a policy with its categories and tags.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := h.service.Snapshot(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PutCategories replaces the category list of a policy.
func (h *Handler) PutCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	categories := domain.CategoryList{}
	if err := h.decodeRequest(w, r, &categories, false); err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.SaveCategories(ctx, tenantID, policyID, categories); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policyID":   policyID,
		"categories": categories,
	})
}

// PutTags replaces the tag list of a policy.
func (h *Handler) PutTags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	tags := domain.TagList{}
	if err := h.decodeRequest(w, r, &tags, false); err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.SaveTagList(ctx, tenantID, policyID, tags); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policyID": policyID,
		"tags":     tags,
	})
}

// ListRules returns the active rules of a policy.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.service.Rules(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.PolicyRule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  list,
		"count":  len(list),
		"source": "database",
	})
}

// CreateRule validates, stores and loads a policy rule. The policy's
// transactions are recomputed with the new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	var req domain.PolicyRuleRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	ruleID := req.ID
	if ruleID == "" {
		ruleID = uuid.New().String()
	}

	rule := &domain.PolicyRule{
		ID:          ruleID,
		TenantID:    tenantID,
		PolicyID:    policyID,
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     req.Enabled,
	}

	if err := h.service.SaveRule(ctx, tenantID, rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created", "tenant_id", tenantID, "policy_id", policyID, "rule_id", rule.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// DeleteRule disables a policy rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")
	ruleID := chi.URLParam(r, "ruleID")

	if err := h.service.DeleteRule(ctx, tenantID, policyID, ruleID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule deleted", "tenant_id", tenantID, "policy_id", policyID, "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rule deleted",
	})
}

// ReloadRules reloads the tenant's rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	count, err := h.service.ReloadRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// PutTransaction stores a transaction and returns its recomputed violations.
func (h *Handler) PutTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	var req domain.TransactionRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	enforce, _ := strconv.ParseBool(r.URL.Query().Get("enforceMissingTagDetail"))

	tx := req.ToTransaction(tenantID, txID)
	result, err := h.service.SaveTransaction(ctx, tenantID, tx, enforce)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"update":      result.Update,
		"plan":        result.Plan,
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.repo.GetTransaction(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetViolations returns the current violations of a transaction.
func (h *Handler) GetViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if _, err := h.repo.GetTransaction(ctx, tenantID, txID); err != nil {
		writeError(w, err)
		return
	}

	list, err := h.service.Violations(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactionID": txID,
		"key":           domain.ViolationsKey(txID),
		"violations":    list,
	})
}

// RecomputeRequest is the optional body of a recompute call.
type RecomputeRequest struct {
	EnforceMissingTagDetail bool `json:"enforceMissingTagDetail"`
}

// Recompute recomputes and persists the violations of a transaction.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	var req RecomputeRequest
	if err := h.decodeRequest(w, r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.service.Recompute(ctx, tenantID, txID, req.EnforceMissingTagDetail)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Preview computes a state update from caller-supplied inputs without
// reading or writing stored state.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input compliance.PreviewInput
	if err := h.decodeRequest(w, r, &input, false); err != nil {
		writeError(w, err)
		return
	}
	input.TenantID = GetTenantID(ctx)

	update, err := h.service.Preview(ctx, &input)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, update)
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, repository.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, errValidation),
		errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, rules.ErrReservedName),
		errors.Is(err, compliance.ErrPolicyMismatch):
		status, message = http.StatusBadRequest, err.Error()
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
