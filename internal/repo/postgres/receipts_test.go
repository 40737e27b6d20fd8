package postgres

import (
	"context"
	"testing"
)

func TestReceiptStoreNilGuards(t *testing.T) {
	if NewReceiptStore(nil) != nil {
		t.Fatalf("expected nil store for nil db")
	}
	var s *ReceiptStore
	if _, err := s.FindByPaymentReference(context.Background(), "plan", "step", "ref"); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if _, err := s.ReceiptedStepIDs(context.Background(), "plan"); err == nil {
		t.Fatalf("expected error from nil store")
	}
}
