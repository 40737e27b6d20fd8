package budget

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/money"
)

const TemplateSchemaV1 = "planledger.policy_template.v1"

// Template supplies default tool policy and budget sections for plans created
// without them. Loaded once at startup from a YAML document.
type Template struct {
	Schema            string             `json:"schema" yaml:"schema"`
	DefaultToolPolicy *domain.ToolPolicy `json:"default_tool_policy,omitempty" yaml:"default_tool_policy,omitempty"`
	DefaultBudget     *domain.Budget     `json:"default_budget,omitempty" yaml:"default_budget,omitempty"`
}

func ParseTemplate(input []byte) (Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(input, &tpl); err != nil {
		return Template{}, fmt.Errorf("decode policy template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

func LoadTemplateFile(path string) (Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read policy template: %w", err)
	}
	return ParseTemplate(raw)
}

func (t Template) Validate() error {
	if strings.TrimSpace(t.Schema) != TemplateSchemaV1 {
		return fmt.Errorf("unsupported policy template schema %q", t.Schema)
	}
	if t.DefaultBudget != nil {
		if strings.TrimSpace(t.DefaultBudget.Currency) == "" {
			return errors.New("default_budget currency is required")
		}
		if _, err := money.Parse(t.DefaultBudget.NotToExceed); err != nil {
			return fmt.Errorf("default_budget not_to_exceed: %w", err)
		}
	}
	if t.DefaultToolPolicy != nil && t.DefaultToolPolicy.RequireAllowlist && len(t.DefaultToolPolicy.Allowlist) == 0 {
		return errors.New("default_tool_policy requires an allowlist when require_allowlist is set")
	}
	return nil
}

// Apply fills in missing tool policy or budget sections on a plan spec.
// Sections the caller provided are left untouched.
func (t Template) Apply(spec domain.PlanSpec) domain.PlanSpec {
	if t.DefaultToolPolicy != nil && len(spec.ToolPolicy.Allowlist) == 0 && len(spec.ToolPolicy.Denylist) == 0 && !spec.ToolPolicy.RequireAllowlist {
		spec.ToolPolicy = *t.DefaultToolPolicy
	}
	if t.DefaultBudget != nil && strings.TrimSpace(spec.Budget.NotToExceed) == "" {
		spec.Budget = *t.DefaultBudget
	}
	return spec
}
