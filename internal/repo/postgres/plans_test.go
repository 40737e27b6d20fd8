package postgres

import (
	"context"
	"testing"

	"github.com/planledger-labs/planledger-go/internal/repo"
)

func TestPlanStoreNilGuards(t *testing.T) {
	if NewPlanStore(nil) != nil {
		t.Fatalf("expected nil store for nil db")
	}
	var s *PlanStore
	if _, err := s.Get(context.Background(), "owner", "plan"); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if _, _, err := s.List(context.Background(), repo.PlanFilter{OwnerID: "owner"}); err == nil {
		t.Fatalf("expected error from nil store")
	}
}

func TestPlanSortColumnWhitelist(t *testing.T) {
	cases := map[string]string{
		"created_at": "created_at",
		"status":     "status",
		"title":      "title",
		"":           "created_at",
		"spend; --":  "created_at",
	}
	for in, want := range cases {
		if got := planSortColumn(in); got != want {
			t.Errorf("planSortColumn(%q) = %q, want %q", in, got, want)
		}
	}
}
