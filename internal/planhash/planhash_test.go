package planhash

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/planledger-labs/planledger-go/internal/domain"
)

func fixturePlan() domain.Plan {
	return domain.Plan{
		ID:        "plan-1",
		OwnerID:   "owner-1",
		Title:     "Crawl listings",
		Objective: "Fetch paid market data",
		Status:    domain.PlanStatusDraft,
		Tags:      []string{"market", "crawl"},
		Metadata:  domain.Metadata{"priority": "high", "team": "research"},
		Spec: domain.PlanSpec{
			Scope: domain.PlanScope{Assumptions: []string{"api stays up"}},
			Steps: []domain.PlanStep{
				{ID: "s1", Title: "fetch", Tool: domain.ToolRef{Method: "GET", URL: "https://api.example.com/data"}, MaxCost: "0.250000"},
			},
			ToolPolicy: domain.ToolPolicy{
				Allowlist:        []string{"https://api.example.com/*"},
				RequireAllowlist: true,
			},
			Budget: domain.Budget{Currency: "USDC", NotToExceed: "1.000000"},
		},
	}
}

func TestHashDeterministicAcrossTagOrder(t *testing.T) {
	a := fixturePlan()
	b := fixturePlan()
	b.Tags = []string{"crawl", "market"}

	hashA, err := Hash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hashB, err := Hash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("tag order changed hash: %s vs %s", hashA, hashB)
	}
	if len(hashA) != 64 {
		t.Fatalf("expected hex sha256, got %q", hashA)
	}
}

func TestHashIgnoresRunState(t *testing.T) {
	a := fixturePlan()
	b := fixturePlan()
	now := time.Now()
	b.ID = "plan-other"
	b.Status = domain.PlanStatusRunning
	b.PlanHash = "bogus"
	b.Execution.Spend = domain.Spend{Total: "0.500000", Remaining: "0.500000"}
	b.Integrity = domain.Integrity{ApprovedAt: &now, ApprovedBy: "owner-1"}
	b.CreatedAt = now

	hashA, _ := Hash(a)
	hashB, _ := Hash(b)
	if hashA != hashB {
		t.Fatalf("run state leaked into hash")
	}
}

func TestHashChangesWithContract(t *testing.T) {
	a := fixturePlan()
	b := fixturePlan()
	b.Spec.Budget.NotToExceed = "2.000000"

	hashA, _ := Hash(a)
	hashB, _ := Hash(b)
	if hashA == hashB {
		t.Fatalf("budget change did not change hash")
	}

	c := fixturePlan()
	c.Title = "Other title"
	hashC, _ := Hash(c)
	if hashA == hashC {
		t.Fatalf("title change did not change hash")
	}
}

func TestCanonicalKeysSorted(t *testing.T) {
	canonical, err := Canonicalize(fixturePlan())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	// Decode the top-level object and compare key order; a substring search
	// would also match nested keys like the step title.
	dec := json.NewDecoder(strings.NewReader(canonical))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		t.Fatalf("expected a JSON object, got %v (%v)", tok, err)
	}
	keys := make([]string, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("read key: %v", err)
		}
		keys = append(keys, tok.(string))
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			t.Fatalf("skip value for %v: %v", tok, err)
		}
	}
	want := []string{"metadata", "objective", "spec", "tags", "title"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("top-level keys = %v, want %v", keys, want)
	}
}
