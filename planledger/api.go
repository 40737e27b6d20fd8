package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/planledger-labs/planledger-go/internal/budget"
	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/platform/auth"
	"github.com/planledger-labs/planledger-go/internal/repo"
	deliverablesvc "github.com/planledger-labs/planledger-go/internal/service/deliverables"
	plansvc "github.com/planledger-labs/planledger-go/internal/service/plans"
	receiptsvc "github.com/planledger-labs/planledger-go/internal/service/receipts"
)

type planLedgerAPI struct {
	logger       *slog.Logger
	plans        *plansvc.Service
	receipts     *receiptsvc.Service
	deliverables *deliverablesvc.Service
	validators   requestValidators
	bodyMaxBytes int64
	presignTTL   time.Duration
}

func newPlanLedgerAPI(logger *slog.Logger, plans *plansvc.Service, receipts *receiptsvc.Service, deliverables *deliverablesvc.Service, validators requestValidators, bodyMaxBytes int64, presignTTL time.Duration) *planLedgerAPI {
	if bodyMaxBytes <= 0 {
		bodyMaxBytes = 4 << 20
	}
	if presignTTL <= 0 {
		presignTTL = 10 * time.Minute
	}
	return &planLedgerAPI{
		logger:       logger,
		plans:        plans,
		receipts:     receipts,
		deliverables: deliverables,
		validators:   validators,
		bodyMaxBytes: bodyMaxBytes,
		presignTTL:   presignTTL,
	}
}

func (api *planLedgerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /plans", api.handleCreatePlan)
	mux.HandleFunc("GET /plans", api.handleListPlans)
	mux.HandleFunc("GET /plans/{plan_id}", api.handleGetPlan)
	mux.HandleFunc("PATCH /plans/{plan_id}", api.handleUpdatePlan)

	mux.HandleFunc("POST /plans/{plan_id}/approve", api.handleApprovePlan)
	mux.HandleFunc("POST /plans/{plan_id}/cancel", api.handleCancelPlan)
	mux.HandleFunc("POST /plans/{plan_id}/pause", api.handlePausePlan)
	mux.HandleFunc("POST /plans/{plan_id}/resume", api.handleResumePlan)
	mux.HandleFunc("POST /plans/{plan_id}/fail", api.handleFailPlan)

	mux.HandleFunc("POST /plans/{plan_id}/receipts", api.handleCreateReceipt)
	mux.HandleFunc("GET /plans/{plan_id}/receipts", api.handleListReceipts)

	mux.HandleFunc("POST /plans/{plan_id}/deliverables", api.handleUploadDeliverable)
	mux.HandleFunc("GET /plans/{plan_id}/deliverables", api.handleListDeliverables)
	mux.HandleFunc("GET /plans/{plan_id}/deliverables/{deliverable_id}/download", api.handleDownloadDeliverable)
}

type planResponse struct {
	PlanID      string           `json:"plan_id"`
	OwnerID     string           `json:"owner_id"`
	WorkspaceID string           `json:"workspace_id,omitempty"`
	Title       string           `json:"title"`
	Objective   string           `json:"objective,omitempty"`
	Spec        domain.PlanSpec  `json:"spec"`
	PlanHash    string           `json:"plan_hash,omitempty"`
	Execution   domain.Execution `json:"execution"`
	Integrity   domain.Integrity `json:"integrity"`
	Status      string           `json:"status"`
	Tags        []string         `json:"tags,omitempty"`
	Metadata    domain.Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func toPlanResponse(plan domain.Plan) planResponse {
	return planResponse{
		PlanID:      plan.ID,
		OwnerID:     plan.OwnerID,
		WorkspaceID: plan.WorkspaceID,
		Title:       plan.Title,
		Objective:   plan.Objective,
		Spec:        plan.Spec,
		PlanHash:    plan.PlanHash,
		Execution:   plan.Execution,
		Integrity:   plan.Integrity,
		Status:      string(plan.Status),
		Tags:        plan.Tags,
		Metadata:    plan.Metadata,
		CreatedAt:   plan.CreatedAt,
		UpdatedAt:   plan.UpdatedAt,
	}
}

type receiptResponse struct {
	ReceiptID string             `json:"receipt_id"`
	PlanID    string             `json:"plan_id"`
	StepID    string             `json:"step_id"`
	Tool      domain.ToolRef     `json:"tool"`
	Cost      domain.ReceiptCost `json:"cost"`
	X402      domain.X402Details `json:"x402"`
	Output    string             `json:"output,omitempty"`
	Notes     string             `json:"notes,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func toReceiptResponse(receipt domain.Receipt) receiptResponse {
	return receiptResponse{
		ReceiptID: receipt.ID,
		PlanID:    receipt.PlanID,
		StepID:    receipt.StepID,
		Tool:      receipt.Tool,
		Cost:      receipt.Cost,
		X402:      receipt.X402,
		Output:    receipt.Output,
		Notes:     receipt.Notes,
		CreatedAt: receipt.CreatedAt,
	}
}

type deliverableResponse struct {
	DeliverableID string          `json:"deliverable_id"`
	PlanID        string          `json:"plan_id"`
	Title         string          `json:"title,omitempty"`
	CID           string          `json:"cid"`
	ContentType   string          `json:"content_type,omitempty"`
	SizeBytes     int64           `json:"size_bytes"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

func toDeliverableResponse(deliverable domain.Deliverable) deliverableResponse {
	return deliverableResponse{
		DeliverableID: deliverable.ID,
		PlanID:        deliverable.PlanID,
		Title:         deliverable.Title,
		CID:           deliverable.CID,
		ContentType:   deliverable.ContentType,
		SizeBytes:     deliverable.SizeBytes,
		Metadata:      deliverable.Metadata,
		CreatedAt:     deliverable.CreatedAt,
		CreatedBy:     deliverable.CreatedBy,
	}
}

func (api *planLedgerAPI) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	var input plansvc.CreateInput
	if !api.decodeBody(w, r, api.validators.createPlan, &input) {
		return
	}
	if input.WorkspaceID == "" {
		if workspaceID, ok := auth.WorkspaceIDFromContext(r.Context()); ok {
			input.WorkspaceID = workspaceID
		}
	}

	plan, err := api.plans.Create(r.Context(), identity.Subject, input, planAuditInfo(r, identity))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/plans/"+plan.ID)
	api.writeJSON(w, http.StatusCreated, toPlanResponse(plan))
}

func (api *planLedgerAPI) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	plan, err := api.plans.Get(r.Context(), identity.Subject, planID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPlanResponse(plan))
}

func (api *planLedgerAPI) handleListPlans(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}

	filter := repo.PlanFilter{
		OwnerID: identity.Subject,
		SortBy:  strings.TrimSpace(r.URL.Query().Get("sort_by")),
		SortAsc: strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("order")), "asc"),
		Limit:   clampInt(parseIntQuery(r, "limit", 50), 1, 200),
		Offset:  maxInt(parseIntQuery(r, "offset", 0), 0),
	}
	for _, raw := range splitCSV(r.URL.Query().Get("status")) {
		status := domain.NormalizePlanStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	filter.Tags = splitCSV(r.URL.Query().Get("tags"))
	if workspaceID, ok := auth.WorkspaceIDFromContext(r.Context()); ok {
		filter.WorkspaceID = workspaceID
	}

	listed, total, err := api.plans.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]planResponse, 0, len(listed))
	for _, plan := range listed {
		out = append(out, toPlanResponse(plan))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"plans":  out,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (api *planLedgerAPI) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	var patch plansvc.UpdateInput
	if !api.decodeBody(w, r, api.validators.updatePlan, &patch) {
		return
	}
	plan, err := api.plans.Update(r.Context(), identity.Subject, planID, patch, planAuditInfo(r, identity))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPlanResponse(plan))
}

func (api *planLedgerAPI) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	api.handleTransition(w, r, func(identity auth.Identity, planID string) (domain.Plan, error) {
		return api.plans.ApproveAndStart(r.Context(), identity.Subject, planID, planAuditInfo(r, identity))
	})
}

func (api *planLedgerAPI) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	api.handleTransition(w, r, func(identity auth.Identity, planID string) (domain.Plan, error) {
		return api.plans.Cancel(r.Context(), identity.Subject, planID, planAuditInfo(r, identity))
	})
}

func (api *planLedgerAPI) handlePausePlan(w http.ResponseWriter, r *http.Request) {
	api.handleTransition(w, r, func(identity auth.Identity, planID string) (domain.Plan, error) {
		return api.plans.Pause(r.Context(), identity.Subject, planID, planAuditInfo(r, identity))
	})
}

func (api *planLedgerAPI) handleResumePlan(w http.ResponseWriter, r *http.Request) {
	api.handleTransition(w, r, func(identity auth.Identity, planID string) (domain.Plan, error) {
		return api.plans.Resume(r.Context(), identity.Subject, planID, planAuditInfo(r, identity))
	})
}

func (api *planLedgerAPI) handleFailPlan(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !api.decodeBody(w, r, api.validators.failPlan, &req) {
		return
	}
	plan, err := api.plans.Fail(r.Context(), identity.Subject, planID, req.Reason, planAuditInfo(r, identity))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPlanResponse(plan))
}

func (api *planLedgerAPI) handleTransition(w http.ResponseWriter, r *http.Request, apply func(auth.Identity, string) (domain.Plan, error)) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	plan, err := apply(identity, planID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPlanResponse(plan))
}

func (api *planLedgerAPI) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	var input domain.ReceiptInput
	if !api.decodeBody(w, r, api.validators.createReceipt, &input) {
		return
	}
	receipt, err := api.receipts.Create(r.Context(), identity.Subject, planID, input, receiptAuditInfo(r, identity))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toReceiptResponse(receipt))
}

func (api *planLedgerAPI) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 0), 0, 500)
	offset := maxInt(parseIntQuery(r, "offset", 0), 0)

	listed, err := api.receipts.List(r.Context(), identity.Subject, planID, limit, offset)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]receiptResponse, 0, len(listed))
	for _, receipt := range listed {
		out = append(out, toReceiptResponse(receipt))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func (api *planLedgerAPI) handleUploadDeliverable(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	var req struct {
		Title         string          `json:"title"`
		ContentType   string          `json:"content_type"`
		ContentBase64 string          `json:"content_base64"`
		Metadata      domain.Metadata `json:"metadata"`
	}
	if !api.decodeBody(w, r, api.validators.uploadDeliverable, &req) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_content_encoding")
		return
	}

	deliverable, err := api.deliverables.Upload(r.Context(), identity.Subject, planID, deliverablesvc.UploadInput{
		Title:       req.Title,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
		Content:     content,
	}, deliverableAuditInfo(r, identity))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toDeliverableResponse(deliverable))
}

func (api *planLedgerAPI) handleListDeliverables(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if planID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_required")
		return
	}
	listed, err := api.deliverables.List(r.Context(), identity.Subject, planID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]deliverableResponse, 0, len(listed))
	for _, deliverable := range listed {
		out = append(out, toDeliverableResponse(deliverable))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"deliverables": out})
}

func (api *planLedgerAPI) handleDownloadDeliverable(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	deliverableID := strings.TrimSpace(r.PathValue("deliverable_id"))
	if planID == "" || deliverableID == "" {
		api.writeError(w, r, http.StatusBadRequest, "plan_id_and_deliverable_id_required")
		return
	}
	url, err := api.deliverables.DownloadURL(r.Context(), identity.Subject, planID, deliverableID, api.presignTTL)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int64(api.presignTTL.Seconds()),
	})
}

func (api *planLedgerAPI) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return auth.Identity{}, false
	}
	return identity, true
}

func (api *planLedgerAPI) decodeBody(w http.ResponseWriter, r *http.Request, validator *requestValidator, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, api.bodyMaxBytes))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return false
	}
	if err := validator.Validate(body); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_schema", map[string]any{
			"message": err.Error(),
		})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func (api *planLedgerAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *budget.BudgetExceededError
	var notAllowed *budget.ToolNotAllowedError
	var approval *budget.ApprovalRequiredError
	var stepNotFound *budget.StepNotFoundError

	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, plansvc.ErrLocked):
		api.writeError(w, r, http.StatusConflict, "plan_locked")
	case errors.Is(err, plansvc.ErrInvalidTransition):
		api.writeErrorWithDetails(w, r, http.StatusConflict, "invalid_transition", map[string]any{
			"message": err.Error(),
		})
	case errors.As(err, &exceeded):
		details := map[string]any{
			"cap":       exceeded.Cap,
			"attempted": exceeded.Attempted.String(),
			"limit":     exceeded.Limit.String(),
		}
		if exceeded.StepID != "" {
			details["step_id"] = exceeded.StepID
		}
		if exceeded.Pattern != "" {
			details["pattern"] = exceeded.Pattern
		}
		if exceeded.Cap == budget.CapTotal {
			details["current_total"] = exceeded.CurrentTotal.String()
		}
		api.writeErrorWithDetails(w, r, http.StatusPaymentRequired, "budget_exceeded", details)
	case errors.As(err, &notAllowed):
		api.writeErrorWithDetails(w, r, http.StatusForbidden, "tool_not_allowed", map[string]any{
			"url":    notAllowed.URL,
			"denied": notAllowed.Denied,
		})
	case errors.As(err, &approval):
		api.writeErrorWithDetails(w, r, http.StatusConflict, "approval_required", map[string]any{
			"attempted": approval.Attempted.String(),
			"threshold": approval.Threshold.String(),
		})
	case errors.As(err, &stepNotFound):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "step_not_found", map[string]any{
			"step_id": stepNotFound.StepID,
		})
	case errors.Is(err, budget.ErrInvalidAmount):
		api.writeError(w, r, http.StatusBadRequest, "invalid_amount")
	default:
		api.logger.Error("request failed",
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *planLedgerAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *planLedgerAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *planLedgerAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func planAuditInfo(r *http.Request, identity auth.Identity) plansvc.AuditInfo {
	return plansvc.AuditInfo{
		Actor:     strings.TrimSpace(identity.Subject),
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
		Service:   "planledger",
	}
}

func receiptAuditInfo(r *http.Request, identity auth.Identity) receiptsvc.AuditInfo {
	return receiptsvc.AuditInfo{
		Actor:     strings.TrimSpace(identity.Subject),
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
	}
}

func deliverableAuditInfo(r *http.Request, identity auth.Identity) deliverablesvc.AuditInfo {
	return deliverablesvc.AuditInfo{
		Actor:     strings.TrimSpace(identity.Subject),
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
	}
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
