package repo

import (
	"context"
	"errors"
	"time"

	"github.com/planledger-labs/planledger-go/internal/domain"
)

// ErrNotFound is returned when an entity does not exist or is not visible to
// the requesting owner.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint, e.g. a retried receipt submission with the same payment
// reference.
var ErrDuplicate = errors.New("duplicate")

// Plan list sort keys.
const (
	PlanSortCreatedAt = "created_at"
	PlanSortStatus    = "status"
	PlanSortTitle     = "title"
)

type PlanFilter struct {
	OwnerID     string
	Statuses    []domain.PlanStatus
	Tags        []string // contains-any
	WorkspaceID string
	SortBy      string // created_at | status | title; default created_at
	SortAsc     bool   // default newest-first
	Limit       int
	Offset      int
}

type ReceiptFilter struct {
	PlanID string
	Limit  int
	Offset int
}

// PlanRepository manages plan rows. Get is owner-scoped at every read; GetByID
// exists only for system-invoked derivation (auto-completion).
type PlanRepository interface {
	Create(ctx context.Context, plan domain.Plan) error
	Get(ctx context.Context, ownerID, id string) (domain.Plan, error)
	GetByID(ctx context.Context, id string) (domain.Plan, error)
	List(ctx context.Context, filter PlanFilter) ([]domain.Plan, int, error)

	// ReplaceDraft rewrites the mutable contract fields of a draft plan.
	// The status guard is enforced in the store; ErrNotFound is returned when
	// no draft row matches.
	ReplaceDraft(ctx context.Context, plan domain.Plan) error

	// Approve freezes the contract: sets the plan hash, approval integrity
	// fields, active step pointer and running status, guarded on draft.
	Approve(ctx context.Context, ownerID, id, planHash string, approvedAt time.Time, activeStepID string) error

	// TransitionStatus moves the plan to next if its current status is one of
	// from, atomically. It reports whether a row changed.
	TransitionStatus(ctx context.Context, id string, from []domain.PlanStatus, next domain.PlanStatus) (bool, error)

	UpdateSpend(ctx context.Context, id string, total, remaining string) error
	UpdateMetadata(ctx context.Context, id string, metadata domain.Metadata) error
}

// ReceiptRepository manages append-only receipt rows.
type ReceiptRepository interface {
	// Create inserts a receipt; ErrDuplicate is returned when the
	// (plan_id, step_id, payment_reference) uniqueness constraint collides.
	Create(ctx context.Context, receipt domain.Receipt) error
	FindByPaymentReference(ctx context.Context, planID, stepID, paymentReference string) (domain.Receipt, error)
	ListByPlan(ctx context.Context, filter ReceiptFilter) ([]domain.Receipt, error)

	// ReceiptedStepIDs returns the distinct step ids with at least one
	// recorded receipt for the plan.
	ReceiptedStepIDs(ctx context.Context, planID string) ([]string, error)

	// SumCostByPlan recomputes total spend from the receipt table, the
	// authoritative source.
	SumCostByPlan(ctx context.Context, planID string) (string, error)
}

// DeliverableRepository manages plan deliverable records.
type DeliverableRepository interface {
	Create(ctx context.Context, deliverable domain.Deliverable) error
	ListByPlan(ctx context.Context, planID string) ([]domain.Deliverable, error)
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
