package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusApproved  PlanStatus = "approved"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusCanceled  PlanStatus = "canceled"
	PlanStatusFailed    PlanStatus = "failed"
)

// NormalizePlanStatus maps free-form status values to canonical plan statuses.
func NormalizePlanStatus(value string) PlanStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(PlanStatusDraft):
		return PlanStatusDraft
	case string(PlanStatusApproved):
		return PlanStatusApproved
	case string(PlanStatusRunning):
		return PlanStatusRunning
	case string(PlanStatusPaused):
		return PlanStatusPaused
	case string(PlanStatusCompleted):
		return PlanStatusCompleted
	case string(PlanStatusCanceled):
		return PlanStatusCanceled
	case string(PlanStatusFailed):
		return PlanStatusFailed
	default:
		return ""
	}
}

// IsTerminal reports whether the status is end-of-life for the plan.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusCanceled, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// ToolRef identifies the HTTP endpoint a step calls.
type ToolRef struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// PlanStep is one declared unit of paid work within a plan.
type PlanStep struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Tool             ToolRef `json:"tool"`
	EstimatedCost    string  `json:"estimated_cost,omitempty"`
	MaxCost          string  `json:"max_cost,omitempty"`
	Fallback         string  `json:"fallback,omitempty"`
	RequiresEvidence bool    `json:"requires_evidence,omitempty"`
}

// ToolPolicy restricts which endpoints a plan's steps may call.
type ToolPolicy struct {
	Allowlist        []string `json:"allowlist" yaml:"allowlist"`
	Denylist         []string `json:"denylist,omitempty" yaml:"denylist,omitempty"`
	RequireAllowlist bool     `json:"require_allowlist" yaml:"require_allowlist"`
}

// ToolCap is one per-tool spending ceiling. Caps are an ordered list so the
// first-match rule is deterministic.
type ToolCap struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Limit   string `json:"limit" yaml:"limit"`
}

// Budget declares the spending policy a plan operates under. All amounts are
// fixed-point decimal strings.
type Budget struct {
	Currency          string    `json:"currency" yaml:"currency"`
	NotToExceed       string    `json:"not_to_exceed" yaml:"not_to_exceed"`
	ApprovalThreshold string    `json:"approval_threshold,omitempty" yaml:"approval_threshold,omitempty"`
	PerToolCaps       []ToolCap `json:"per_tool_caps,omitempty" yaml:"per_tool_caps,omitempty"`
	PerStepDefaultCap string    `json:"per_step_default_cap,omitempty" yaml:"per_step_default_cap,omitempty"`
}

// PlanScope carries informational assumptions and acceptance criteria.
type PlanScope struct {
	Assumptions        []string `json:"assumptions,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// PlanSpec is the contract document frozen by approval.
type PlanSpec struct {
	Scope      PlanScope  `json:"scope"`
	Steps      []PlanStep `json:"steps"`
	ToolPolicy ToolPolicy `json:"tool_policy"`
	Budget     Budget     `json:"budget"`
}

// Step returns the step with the given id, if present.
func (s PlanSpec) Step(id string) (PlanStep, bool) {
	for _, step := range s.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return PlanStep{}, false
}

// Spend is the denormalized running spend for a plan. The receipt table is
// the source of truth; these values may transiently lag.
type Spend struct {
	Total     string `json:"total"`
	Remaining string `json:"remaining"`
}

// Progress tracks caller-reported step outcomes.
type Progress struct {
	CompletedSteps []string `json:"completed_steps"`
	FailedSteps    []string `json:"failed_steps"`
}

// Execution is the mutable run state of a plan.
type Execution struct {
	ActiveStepID string   `json:"active_step_id,omitempty"`
	Progress     Progress `json:"progress"`
	Spend        Spend    `json:"spend"`
}

// Integrity records the approval that froze the plan contract.
type Integrity struct {
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
}

// Plan is an owner-scoped, budgeted declaration of steps to execute against
// paid resources.
type Plan struct {
	ID          string
	OwnerID     string
	WorkspaceID string
	Title       string
	Objective   string
	Spec        PlanSpec
	PlanHash    string
	Execution   Execution
	Integrity   Integrity
	Status      PlanStatus
	Tags        []string
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("plan id is required")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if NormalizePlanStatus(string(p.Status)) == "" {
		return fmt.Errorf("invalid plan status %q", p.Status)
	}
	if strings.TrimSpace(p.Spec.Budget.NotToExceed) == "" {
		return errors.New("budget not_to_exceed is required")
	}
	seen := make(map[string]struct{}, len(p.Spec.Steps))
	for _, step := range p.Spec.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return errors.New("step id is required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// CanTransitionPlanStatus reports whether the state machine permits moving
// from current to next. Self-transitions on approved, running, paused,
// canceled and failed are idempotent no-ops and therefore allowed.
func CanTransitionPlanStatus(current, next PlanStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return current != PlanStatusDraft && current != PlanStatusCompleted
	}
	switch next {
	case PlanStatusRunning:
		return current == PlanStatusDraft || current == PlanStatusApproved || current == PlanStatusPaused
	case PlanStatusPaused:
		return current == PlanStatusRunning
	case PlanStatusCanceled:
		return current == PlanStatusApproved || current == PlanStatusRunning || current == PlanStatusPaused
	case PlanStatusCompleted:
		return current == PlanStatusRunning || current == PlanStatusPaused
	case PlanStatusFailed:
		return current == PlanStatusRunning || current == PlanStatusPaused
	default:
		return false
	}
}
