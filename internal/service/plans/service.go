// Package plans implements the plan store: owner-scoped CRUD, the status
// state machine, approval hash-freezing and receipt-derived auto-completion.
package plans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planledger-labs/planledger-go/internal/budget"
	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/money"
	"github.com/planledger-labs/planledger-go/internal/planhash"
	"github.com/planledger-labs/planledger-go/internal/repo"
)

// ErrLocked is returned when a mutation targets a plan that is no longer a
// draft. Contract fields freeze at approval.
var ErrLocked = errors.New("plan is not editable after approval")

// ErrInvalidTransition is returned when the state machine does not permit the
// requested transition from the plan's current status.
var ErrInvalidTransition = errors.New("invalid plan status transition")

// AuditInfo carries request attribution for the audit trail.
type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
	Service   string
}

type Service struct {
	plans    repo.PlanRepository
	receipts repo.ReceiptRepository
	audit    repo.AuditEventAppender
	template *budget.Template
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(planRepo repo.PlanRepository, receiptRepo repo.ReceiptRepository, audit repo.AuditEventAppender, template *budget.Template, logger *slog.Logger) *Service {
	if planRepo == nil || receiptRepo == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		plans:    planRepo,
		receipts: receiptRepo,
		audit:    audit,
		template: template,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateInput is the caller-supplied shape of a new plan. Budget enforcement
// is deferred to receipt time; creation validates shape only.
type CreateInput struct {
	Title       string          `json:"title"`
	Objective   string          `json:"objective"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Spec        domain.PlanSpec `json:"spec"`
	Tags        []string        `json:"tags,omitempty"`
	Metadata    domain.Metadata `json:"metadata,omitempty"`
}

func (s *Service) Create(ctx context.Context, ownerID string, input CreateInput, info AuditInfo) (domain.Plan, error) {
	if s == nil || s.plans == nil {
		return domain.Plan{}, fmt.Errorf("plan service not initialized")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Plan{}, fmt.Errorf("owner id is required")
	}

	spec := input.Spec
	if s.template != nil {
		spec = s.template.Apply(spec)
	}
	limit, err := money.Parse(spec.Budget.NotToExceed)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("budget not_to_exceed: %w", err)
	}

	now := s.now().UTC()
	plan := domain.Plan{
		ID:          s.newID(),
		OwnerID:     ownerID,
		WorkspaceID: strings.TrimSpace(input.WorkspaceID),
		Title:       input.Title,
		Objective:   input.Objective,
		Spec:        spec,
		Status:      domain.PlanStatusDraft,
		Tags:        input.Tags,
		Metadata:    input.Metadata.Clone(),
		Execution: domain.Execution{
			Progress: domain.Progress{CompletedSteps: []string{}, FailedSteps: []string{}},
			Spend:    domain.Spend{Total: money.Zero().String(), Remaining: limit.String()},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := plan.Validate(); err != nil {
		return domain.Plan{}, err
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		return domain.Plan{}, err
	}
	s.appendAudit(ctx, info, "plan.created", plan.ID, domain.Metadata{
		"owner_id": plan.OwnerID,
		"title":    plan.Title,
		"steps":    len(plan.Spec.Steps),
	})
	return plan, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (domain.Plan, error) {
	if s == nil || s.plans == nil {
		return domain.Plan{}, fmt.Errorf("plan service not initialized")
	}
	return s.plans.Get(ctx, ownerID, id)
}

func (s *Service) List(ctx context.Context, filter repo.PlanFilter) ([]domain.Plan, int, error) {
	if s == nil || s.plans == nil {
		return nil, 0, fmt.Errorf("plan service not initialized")
	}
	return s.plans.List(ctx, filter)
}

// UpdateInput replaces provided top-level contract fields wholesale; nil
// fields are left untouched. There is no partial-field merge inside spec
// sections.
type UpdateInput struct {
	Title      *string            `json:"title,omitempty"`
	Objective  *string            `json:"objective,omitempty"`
	Scope      *domain.PlanScope  `json:"scope,omitempty"`
	Steps      *[]domain.PlanStep `json:"steps,omitempty"`
	ToolPolicy *domain.ToolPolicy `json:"tool_policy,omitempty"`
	Budget     *domain.Budget     `json:"budget,omitempty"`
	Tags       *[]string          `json:"tags,omitempty"`
	Metadata   *domain.Metadata   `json:"metadata,omitempty"`
}

func (s *Service) Update(ctx context.Context, ownerID, id string, patch UpdateInput, info AuditInfo) (domain.Plan, error) {
	if s == nil || s.plans == nil {
		return domain.Plan{}, fmt.Errorf("plan service not initialized")
	}
	plan, err := s.plans.Get(ctx, ownerID, id)
	if err != nil {
		return domain.Plan{}, err
	}
	if plan.Status != domain.PlanStatusDraft {
		return domain.Plan{}, ErrLocked
	}

	if patch.Title != nil {
		plan.Title = *patch.Title
	}
	if patch.Objective != nil {
		plan.Objective = *patch.Objective
	}
	if patch.Scope != nil {
		plan.Spec.Scope = *patch.Scope
	}
	if patch.Steps != nil {
		plan.Spec.Steps = *patch.Steps
	}
	if patch.ToolPolicy != nil {
		plan.Spec.ToolPolicy = *patch.ToolPolicy
	}
	if patch.Tags != nil {
		plan.Tags = *patch.Tags
	}
	if patch.Metadata != nil {
		plan.Metadata = patch.Metadata.Clone()
	}
	if patch.Budget != nil {
		plan.Spec.Budget = *patch.Budget
		// Draft plans have no receipts, so spend.total stays zero and the
		// remaining budget resets to the new ceiling.
		limit, err := money.Parse(plan.Spec.Budget.NotToExceed)
		if err != nil {
			return domain.Plan{}, fmt.Errorf("budget not_to_exceed: %w", err)
		}
		plan.Execution.Spend.Remaining = limit.String()
	}

	if err := plan.Validate(); err != nil {
		return domain.Plan{}, err
	}
	if err := s.plans.ReplaceDraft(ctx, plan); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// The plan existed a moment ago: it was approved underneath us.
			return domain.Plan{}, ErrLocked
		}
		return domain.Plan{}, err
	}
	s.appendAudit(ctx, info, "plan.updated", plan.ID, domain.Metadata{"owner_id": plan.OwnerID})
	return s.plans.Get(ctx, ownerID, id)
}

// ApproveAndStart freezes the plan contract and moves it to running.
// Idempotent: an already approved or running plan is returned unchanged, with
// no re-hash and no new approval timestamp.
func (s *Service) ApproveAndStart(ctx context.Context, ownerID, id string, info AuditInfo) (domain.Plan, error) {
	if s == nil || s.plans == nil {
		return domain.Plan{}, fmt.Errorf("plan service not initialized")
	}
	plan, err := s.plans.Get(ctx, ownerID, id)
	if err != nil {
		return domain.Plan{}, err
	}
	switch plan.Status {
	case domain.PlanStatusApproved, domain.PlanStatusRunning:
		return plan, nil
	case domain.PlanStatusDraft:
	default:
		return domain.Plan{}, fmt.Errorf("%w: cannot approve plan in status %q", ErrInvalidTransition, plan.Status)
	}

	hash, err := planhash.Hash(plan)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("compute plan hash: %w", err)
	}
	activeStepID := ""
	if len(plan.Spec.Steps) > 0 {
		activeStepID = plan.Spec.Steps[0].ID
	}
	approvedAt := s.now().UTC()
	if err := s.plans.Approve(ctx, ownerID, id, hash, approvedAt, activeStepID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost a race with another approval; the stored state wins.
			return s.plans.Get(ctx, ownerID, id)
		}
		return domain.Plan{}, err
	}
	s.appendAudit(ctx, info, "plan.approved", id, domain.Metadata{
		"owner_id":  ownerID,
		"plan_hash": hash,
	})
	return s.plans.Get(ctx, ownerID, id)
}

// Cancel is a pure status change: any in-flight external payment remains the
// caller's responsibility. Idempotent on already-canceled plans.
func (s *Service) Cancel(ctx context.Context, ownerID, id string, info AuditInfo) (domain.Plan, error) {
	return s.transition(ctx, ownerID, id, domain.PlanStatusCanceled, "plan.canceled", info,
		domain.PlanStatusApproved, domain.PlanStatusRunning, domain.PlanStatusPaused)
}

// Pause suspends receipt-driven progress for a running plan. Idempotent on
// already-paused plans.
func (s *Service) Pause(ctx context.Context, ownerID, id string, info AuditInfo) (domain.Plan, error) {
	return s.transition(ctx, ownerID, id, domain.PlanStatusPaused, "plan.paused", info,
		domain.PlanStatusRunning)
}

// Resume returns a paused plan to running. Idempotent on running plans.
func (s *Service) Resume(ctx context.Context, ownerID, id string, info AuditInfo) (domain.Plan, error) {
	return s.transition(ctx, ownerID, id, domain.PlanStatusRunning, "plan.resumed", info,
		domain.PlanStatusPaused)
}

// Fail marks a plan failed, recording the caller-supplied reason in plan
// metadata. Idempotent on already-failed plans.
func (s *Service) Fail(ctx context.Context, ownerID, id, reason string, info AuditInfo) (domain.Plan, error) {
	plan, err := s.transition(ctx, ownerID, id, domain.PlanStatusFailed, "plan.failed", info,
		domain.PlanStatusRunning, domain.PlanStatusPaused)
	if err != nil {
		return domain.Plan{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason != "" && plan.Metadata["failure_reason"] != reason {
		metadata := plan.Metadata.Clone()
		metadata["failure_reason"] = reason
		if err := s.plans.UpdateMetadata(ctx, id, metadata); err != nil {
			s.logger.Error("record failure reason", "plan_id", id, "error", err)
		} else {
			plan.Metadata = metadata
		}
	}
	return plan, nil
}

func (s *Service) transition(ctx context.Context, ownerID, id string, next domain.PlanStatus, action string, info AuditInfo, from ...domain.PlanStatus) (domain.Plan, error) {
	if s == nil || s.plans == nil {
		return domain.Plan{}, fmt.Errorf("plan service not initialized")
	}
	plan, err := s.plans.Get(ctx, ownerID, id)
	if err != nil {
		return domain.Plan{}, err
	}
	if plan.Status == next {
		return plan, nil
	}
	if !domain.CanTransitionPlanStatus(plan.Status, next) {
		return domain.Plan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, next)
	}
	changed, err := s.plans.TransitionStatus(ctx, id, from, next)
	if err != nil {
		return domain.Plan{}, err
	}
	plan, err = s.plans.Get(ctx, ownerID, id)
	if err != nil {
		return domain.Plan{}, err
	}
	if !changed {
		// Raced with another transition; accept only if it landed where we
		// were going.
		if plan.Status != next {
			return domain.Plan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, next)
		}
		return plan, nil
	}
	s.appendAudit(ctx, info, action, id, domain.Metadata{"owner_id": ownerID, "status": string(next)})
	return plan, nil
}

// AutoComplete derives completion from the set of steps with recorded
// receipts. System-invoked, not owner-scoped, and safe to call repeatedly or
// concurrently: the transition is guarded in the store and completing an
// already-completed plan is a no-op.
func (s *Service) AutoComplete(ctx context.Context, planID string) (bool, error) {
	if s == nil || s.plans == nil || s.receipts == nil {
		return false, fmt.Errorf("plan service not initialized")
	}
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return false, err
	}
	if plan.Status != domain.PlanStatusRunning && plan.Status != domain.PlanStatusPaused {
		return false, nil
	}
	receipted, err := s.receipts.ReceiptedStepIDs(ctx, planID)
	if err != nil {
		return false, err
	}
	covered := make(map[string]struct{}, len(receipted))
	for _, stepID := range receipted {
		covered[stepID] = struct{}{}
	}
	for _, step := range plan.Spec.Steps {
		if _, ok := covered[step.ID]; !ok {
			return false, nil
		}
	}
	changed, err := s.plans.TransitionStatus(ctx, planID,
		[]domain.PlanStatus{domain.PlanStatusRunning, domain.PlanStatusPaused}, domain.PlanStatusCompleted)
	if err != nil {
		return false, err
	}
	if changed {
		s.appendAudit(ctx, AuditInfo{Actor: "system", Service: "planledger"}, "plan.completed", planID, domain.Metadata{
			"receipted_steps": len(receipted),
		})
	}
	return changed, nil
}

// appendAudit records an audit event; failures are logged, never propagated.
func (s *Service) appendAudit(ctx context.Context, info AuditInfo, action, planID string, payload domain.Metadata) {
	if s.audit == nil {
		return
	}
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = "system"
	}
	event := domain.AuditEvent{
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "plan",
		ResourceID:   planID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Error("append audit event", "action", action, "plan_id", planID, "error", err)
	}
}
