package budget

import (
	"errors"
	"fmt"

	"github.com/planledger-labs/planledger-go/internal/money"
)

// ErrInvalidAmount marks receipt inputs whose cost is missing, malformed, or
// not strictly positive.
var ErrInvalidAmount = errors.New("cost amount must be a positive decimal")

// Cap scopes reported by BudgetExceededError.
const (
	CapStepMax     = "step_max_cost"
	CapStepDefault = "per_step_default_cap"
	CapPerTool     = "per_tool_cap"
	CapTotal       = "not_to_exceed"
)

// BudgetExceededError reports which ceiling would be exceeded, the attempted
// amount, and the limit that was hit. For the total-budget ceiling it also
// carries the plan's current spend total.
type BudgetExceededError struct {
	Cap          string
	StepID       string
	Pattern      string
	Attempted    money.Amount
	CurrentTotal money.Amount
	Limit        money.Amount
}

func (e *BudgetExceededError) Error() string {
	switch e.Cap {
	case CapTotal:
		return fmt.Sprintf("budget exceeded: total %s + attempted %s exceeds limit %s",
			e.CurrentTotal, e.Attempted, e.Limit)
	case CapPerTool:
		return fmt.Sprintf("budget exceeded: attempted %s exceeds per-tool cap %s for pattern %q",
			e.Attempted, e.Limit, e.Pattern)
	default:
		return fmt.Sprintf("budget exceeded: attempted %s exceeds %s %s for step %q",
			e.Attempted, e.Cap, e.Limit, e.StepID)
	}
}

// ToolNotAllowedError reports a URL failing the plan's allowlist/denylist
// policy.
type ToolNotAllowedError struct {
	URL    string
	Denied bool // matched a denylist pattern, as opposed to missing the allowlist
}

func (e *ToolNotAllowedError) Error() string {
	if e.Denied {
		return fmt.Sprintf("tool not allowed: %q matches denylist", e.URL)
	}
	return fmt.Sprintf("tool not allowed: %q matches no allowlist pattern", e.URL)
}

// ApprovalRequiredError signals that the amount exceeds the plan's approval
// threshold and the caller must obtain out-of-band approval before
// resubmitting.
type ApprovalRequiredError struct {
	Attempted money.Amount
	Threshold money.Amount
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required: amount %s exceeds approval threshold %s", e.Attempted, e.Threshold)
}

// StepNotFoundError reports a receipt referencing a step id absent from the
// plan spec.
type StepNotFoundError struct {
	StepID string
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step %q not found in plan spec", e.StepID)
}
