package domain

import (
	"errors"
	"strings"
	"time"
)

// ReceiptCost is the amount charged for a single receipt.
type ReceiptCost struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// X402Details carries the payment-protocol correlation fields attested by
// the caller. PaymentReference, when present, is the dedup key for retried
// submissions.
type X402Details struct {
	PaymentReference string `json:"payment_reference,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	ResponseStatus   int    `json:"response_status,omitempty"`
}

// Receipt is an immutable audit record of one paid call executed against one
// step of a plan. Receipts are never updated or deleted.
type Receipt struct {
	ID        string
	PlanID    string
	StepID    string
	Tool      ToolRef
	Cost      ReceiptCost
	X402      X402Details
	Output    string
	Notes     string
	CreatedAt time.Time
}

func (r Receipt) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("receipt id is required")
	}
	if strings.TrimSpace(r.PlanID) == "" {
		return errors.New("plan id is required")
	}
	if strings.TrimSpace(r.StepID) == "" {
		return errors.New("step id is required")
	}
	if strings.TrimSpace(r.Cost.Amount) == "" {
		return errors.New("cost amount is required")
	}
	return nil
}

// ReceiptInput is the caller-supplied record of a paid call, prior to
// validation and persistence.
type ReceiptInput struct {
	StepID string      `json:"step_id"`
	Tool   ToolRef     `json:"tool"`
	Cost   ReceiptCost `json:"cost"`
	X402   X402Details `json:"x402"`
	Output string      `json:"output,omitempty"`
	Notes  string      `json:"notes,omitempty"`
}
