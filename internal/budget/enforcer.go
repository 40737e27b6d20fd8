// Package budget evaluates a prospective receipt against a plan's layered
// spending policy. Validate is pure: it operates on the plan snapshot it is
// given, touches no storage, and has no side effects.
package budget

import (
	"fmt"
	"strings"

	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/money"
)

// Validate accepts or rejects a prospective receipt against the plan's
// policy. Checks run cheapest-and-most-specific first: tool policy, step
// existence, per-step caps, per-tool caps, total budget, approval threshold.
// The first failing check wins and nothing after it is evaluated.
func Validate(plan domain.Plan, input domain.ReceiptInput) error {
	if err := checkToolPolicy(plan.Spec.ToolPolicy, input.Tool.URL); err != nil {
		return err
	}

	step, ok := plan.Spec.Step(strings.TrimSpace(input.StepID))
	if !ok {
		return &StepNotFoundError{StepID: input.StepID}
	}

	amount, err := money.Parse(input.Cost.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	// The step-specific max_cost and the plan-wide per_step_default_cap are
	// independent ceilings; a step cap does not waive the default cap.
	if strings.TrimSpace(step.MaxCost) != "" {
		limit, err := money.Parse(step.MaxCost)
		if err != nil {
			return fmt.Errorf("step %q max_cost: %w", step.ID, err)
		}
		if amount.GreaterThan(limit) {
			return &BudgetExceededError{Cap: CapStepMax, StepID: step.ID, Attempted: amount, Limit: limit}
		}
	}
	if strings.TrimSpace(plan.Spec.Budget.PerStepDefaultCap) != "" {
		limit, err := money.Parse(plan.Spec.Budget.PerStepDefaultCap)
		if err != nil {
			return fmt.Errorf("per_step_default_cap: %w", err)
		}
		if amount.GreaterThan(limit) {
			return &BudgetExceededError{Cap: CapStepDefault, StepID: step.ID, Attempted: amount, Limit: limit}
		}
	}

	// First matching per-tool cap wins; caps are an ordered list so the
	// match is deterministic.
	for _, toolCap := range plan.Spec.Budget.PerToolCaps {
		if !MatchPattern(toolCap.Pattern, input.Tool.URL) {
			continue
		}
		limit, err := money.Parse(toolCap.Limit)
		if err != nil {
			return fmt.Errorf("per_tool_cap %q: %w", toolCap.Pattern, err)
		}
		if amount.GreaterThan(limit) {
			return &BudgetExceededError{Cap: CapPerTool, Pattern: toolCap.Pattern, Attempted: amount, Limit: limit}
		}
		break
	}

	total, err := money.Parse(plan.Execution.Spend.Total)
	if err != nil {
		return fmt.Errorf("plan spend total: %w", err)
	}
	limit, err := money.Parse(plan.Spec.Budget.NotToExceed)
	if err != nil {
		return fmt.Errorf("budget not_to_exceed: %w", err)
	}
	if total.Add(amount).GreaterThan(limit) {
		return &BudgetExceededError{Cap: CapTotal, Attempted: amount, CurrentTotal: total, Limit: limit}
	}

	if strings.TrimSpace(plan.Spec.Budget.ApprovalThreshold) != "" {
		threshold, err := money.Parse(plan.Spec.Budget.ApprovalThreshold)
		if err != nil {
			return fmt.Errorf("approval_threshold: %w", err)
		}
		if amount.GreaterThan(threshold) {
			return &ApprovalRequiredError{Attempted: amount, Threshold: threshold}
		}
	}

	return nil
}

func checkToolPolicy(policy domain.ToolPolicy, url string) error {
	if !policy.RequireAllowlist {
		return nil
	}
	for _, pattern := range policy.Denylist {
		if MatchPattern(pattern, url) {
			return &ToolNotAllowedError{URL: url, Denied: true}
		}
	}
	for _, pattern := range policy.Allowlist {
		if MatchPattern(pattern, url) {
			return nil
		}
	}
	return &ToolNotAllowedError{URL: url}
}

// MatchPattern matches a tool URL against a policy pattern: exact string
// equality, or a trailing-* wildcard matching any URL sharing the literal
// prefix. No other wildcard syntax is supported.
func MatchPattern(pattern, url string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(url, prefix)
	}
	return pattern == url
}
