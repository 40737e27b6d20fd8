package budget

import (
	"errors"
	"testing"

	"github.com/planledger-labs/planledger-go/internal/domain"
)

func fixturePlan() domain.Plan {
	return domain.Plan{
		ID:      "plan-1",
		OwnerID: "owner-1",
		Status:  domain.PlanStatusRunning,
		Spec: domain.PlanSpec{
			Steps: []domain.PlanStep{
				{ID: "s1", Tool: domain.ToolRef{Method: "GET", URL: "https://api.example.com/data"}},
				{ID: "s2", Tool: domain.ToolRef{Method: "POST", URL: "https://api.example.com/submit"}, MaxCost: "0.100000"},
			},
			ToolPolicy: domain.ToolPolicy{
				Allowlist:        []string{"https://api.example.com/*"},
				RequireAllowlist: true,
			},
			Budget: domain.Budget{Currency: "USDC", NotToExceed: "1.000000"},
		},
		Execution: domain.Execution{Spend: domain.Spend{Total: "0.000000", Remaining: "1.000000"}},
	}
}

func receipt(stepID, url, amount string) domain.ReceiptInput {
	return domain.ReceiptInput{
		StepID: stepID,
		Tool:   domain.ToolRef{Method: "GET", URL: url},
		Cost:   domain.ReceiptCost{Currency: "USDC", Amount: amount},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(fixturePlan(), receipt("s1", "https://api.example.com/data", "0.500000")); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestValidateToolNotAllowedRunsBeforeBudgetChecks(t *testing.T) {
	plan := fixturePlan()
	// Amount exceeds the total budget too, but the policy check must win.
	err := Validate(plan, receipt("s1", "https://other.com/x", "5.000000"))
	var toolErr *ToolNotAllowedError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolNotAllowedError, got %v", err)
	}
	if toolErr.Denied {
		t.Fatalf("expected allowlist miss, not denylist hit")
	}
}

func TestValidateDenylistWinsOverAllowlist(t *testing.T) {
	plan := fixturePlan()
	plan.Spec.ToolPolicy.Denylist = []string{"https://api.example.com/private/*"}
	err := Validate(plan, receipt("s1", "https://api.example.com/private/key", "0.100000"))
	var toolErr *ToolNotAllowedError
	if !errors.As(err, &toolErr) || !toolErr.Denied {
		t.Fatalf("expected denylist rejection, got %v", err)
	}
}

func TestValidateSkipsPolicyWhenAllowlistNotRequired(t *testing.T) {
	plan := fixturePlan()
	plan.Spec.ToolPolicy.RequireAllowlist = false
	if err := Validate(plan, receipt("s1", "https://other.com/x", "0.100000")); err != nil {
		t.Fatalf("expected accept with require_allowlist=false, got %v", err)
	}
}

func TestValidateStepNotFound(t *testing.T) {
	err := Validate(fixturePlan(), receipt("missing", "https://api.example.com/data", "0.100000"))
	var stepErr *StepNotFoundError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepNotFoundError, got %v", err)
	}
	if stepErr.StepID != "missing" {
		t.Fatalf("unexpected step id %q", stepErr.StepID)
	}
}

func TestValidateRejectsNonPositiveAmounts(t *testing.T) {
	for _, amount := range []string{"0.000000", "-0.100000", "", "abc"} {
		err := Validate(fixturePlan(), receipt("s1", "https://api.example.com/data", amount))
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestValidateStepMaxCost(t *testing.T) {
	err := Validate(fixturePlan(), receipt("s2", "https://api.example.com/submit", "0.200000"))
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if budgetErr.Cap != CapStepMax {
		t.Fatalf("expected step max cap, got %s", budgetErr.Cap)
	}
	if budgetErr.Limit.String() != "0.100000" {
		t.Fatalf("expected cited limit 0.100000, got %s", budgetErr.Limit)
	}
}

// The step-specific max_cost does not waive the plan-wide default cap: both
// ceilings apply independently.
func TestValidateStepCapAndDefaultCapBothApply(t *testing.T) {
	plan := fixturePlan()
	plan.Spec.Budget.PerStepDefaultCap = "0.050000"

	// Within s2's own max_cost (0.1) but above the default cap (0.05).
	err := Validate(plan, receipt("s2", "https://api.example.com/submit", "0.080000"))
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if budgetErr.Cap != CapStepDefault {
		t.Fatalf("expected default cap violation, got %s", budgetErr.Cap)
	}

	// Above s2's max_cost: the step-specific check fires first.
	err = Validate(plan, receipt("s2", "https://api.example.com/submit", "0.200000"))
	if !errors.As(err, &budgetErr) || budgetErr.Cap != CapStepMax {
		t.Fatalf("expected step max violation, got %v", err)
	}
}

func TestValidatePerToolCapFirstMatchWins(t *testing.T) {
	plan := fixturePlan()
	plan.Spec.Budget.PerToolCaps = []domain.ToolCap{
		{Pattern: "https://api.example.com/*", Limit: "0.100000"},
		{Pattern: "https://api.example.com/data", Limit: "0.900000"},
	}
	err := Validate(plan, receipt("s1", "https://api.example.com/data", "0.500000"))
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if budgetErr.Cap != CapPerTool || budgetErr.Pattern != "https://api.example.com/*" {
		t.Fatalf("expected first-match per-tool cap, got %+v", budgetErr)
	}
}

func TestValidateTotalBudget(t *testing.T) {
	plan := fixturePlan()
	plan.Execution.Spend.Total = "0.500000"
	err := Validate(plan, receipt("s1", "https://api.example.com/data", "0.600000"))
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if budgetErr.Cap != CapTotal {
		t.Fatalf("expected total budget cap, got %s", budgetErr.Cap)
	}
	if budgetErr.CurrentTotal.String() != "0.500000" || budgetErr.Limit.String() != "1.000000" {
		t.Fatalf("expected current total and limit cited, got %+v", budgetErr)
	}

	// Exactly reaching the limit is allowed.
	if err := Validate(plan, receipt("s1", "https://api.example.com/data", "0.500000")); err != nil {
		t.Fatalf("expected accept at exact limit, got %v", err)
	}
}

func TestValidateApprovalThreshold(t *testing.T) {
	plan := fixturePlan()
	plan.Spec.Budget.ApprovalThreshold = "0.250000"
	err := Validate(plan, receipt("s1", "https://api.example.com/data", "0.300000"))
	var approvalErr *ApprovalRequiredError
	if !errors.As(err, &approvalErr) {
		t.Fatalf("expected ApprovalRequiredError, got %v", err)
	}
	if approvalErr.Threshold.String() != "0.250000" {
		t.Fatalf("unexpected threshold %s", approvalErr.Threshold)
	}
	if err := Validate(plan, receipt("s1", "https://api.example.com/data", "0.250000")); err != nil {
		t.Fatalf("expected accept at threshold, got %v", err)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, url string
		want         bool
	}{
		{"https://api.example.com/data", "https://api.example.com/data", true},
		{"https://api.example.com/data", "https://api.example.com/other", false},
		{"https://api.example.com/*", "https://api.example.com/anything", true},
		{"https://api.example.com/*", "https://api.example.com/", true},
		{"https://api.example.com/*", "https://api.example.org/x", false},
		{"*", "https://anything", true},
		{"", "https://anything", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.url); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.url, got, tc.want)
		}
	}
}
