package budget

import (
	"testing"

	"github.com/planledger-labs/planledger-go/internal/domain"
)

const templateYAML = `schema: planledger.policy_template.v1
default_tool_policy:
  require_allowlist: true
  allowlist:
    - "https://api.example.com/*"
default_budget:
  currency: USDC
  not_to_exceed: "5.000000"
  approval_threshold: "1.000000"
`

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate([]byte(templateYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tpl.DefaultBudget == nil || tpl.DefaultBudget.NotToExceed != "5.000000" {
		t.Fatalf("unexpected default budget: %+v", tpl.DefaultBudget)
	}
	if tpl.DefaultToolPolicy == nil || !tpl.DefaultToolPolicy.RequireAllowlist {
		t.Fatalf("unexpected default tool policy: %+v", tpl.DefaultToolPolicy)
	}
}

func TestParseTemplateRejectsUnknownSchema(t *testing.T) {
	if _, err := ParseTemplate([]byte("schema: something.else.v2\n")); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestParseTemplateRejectsBadBudget(t *testing.T) {
	bad := "schema: planledger.policy_template.v1\ndefault_budget:\n  currency: USDC\n  not_to_exceed: \"nope\"\n"
	if _, err := ParseTemplate([]byte(bad)); err == nil {
		t.Fatalf("expected budget parse error")
	}
}

func TestTemplateApplyFillsOnlyMissingSections(t *testing.T) {
	tpl, err := ParseTemplate([]byte(templateYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	empty := tpl.Apply(domain.PlanSpec{})
	if empty.Budget.NotToExceed != "5.000000" || !empty.ToolPolicy.RequireAllowlist {
		t.Fatalf("expected defaults applied, got %+v", empty)
	}

	provided := domain.PlanSpec{
		ToolPolicy: domain.ToolPolicy{Allowlist: []string{"https://mine.example/*"}, RequireAllowlist: true},
		Budget:     domain.Budget{Currency: "USDC", NotToExceed: "1.000000"},
	}
	kept := tpl.Apply(provided)
	if kept.Budget.NotToExceed != "1.000000" || kept.ToolPolicy.Allowlist[0] != "https://mine.example/*" {
		t.Fatalf("expected provided sections kept, got %+v", kept)
	}
}
