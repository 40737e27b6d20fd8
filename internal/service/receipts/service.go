// Package receipts implements the receipt pipeline: idempotent, budget-gated
// recording of paid calls, denormalized spend upkeep and completion
// derivation.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planledger-labs/planledger-go/internal/budget"
	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/money"
	"github.com/planledger-labs/planledger-go/internal/repo"
)

// Completer derives plan completion from recorded receipts.
type Completer interface {
	AutoComplete(ctx context.Context, planID string) (bool, error)
}

// AuditInfo carries request attribution for the audit trail.
type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

type Service struct {
	plans     repo.PlanRepository
	receipts  repo.ReceiptRepository
	audit     repo.AuditEventAppender
	completer Completer
	logger    *slog.Logger
	locks     *planLocks
	now       func() time.Time
	newID     func() string
}

func New(planRepo repo.PlanRepository, receiptRepo repo.ReceiptRepository, audit repo.AuditEventAppender, completer Completer, logger *slog.Logger) *Service {
	if planRepo == nil || receiptRepo == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		plans:     planRepo,
		receipts:  receiptRepo,
		audit:     audit,
		completer: completer,
		logger:    logger,
		locks:     newPlanLocks(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create records one paid call against a plan step. Retried submissions
// carrying the same payment reference return the original receipt unchanged.
// Processing is serialized per plan so concurrent submissions cannot both
// pass the total-budget check against the same stale spend total; the
// storage-level uniqueness constraint on (plan, step, payment reference)
// remains the cross-process idempotency guarantee.
func (s *Service) Create(ctx context.Context, ownerID, planID string, input domain.ReceiptInput, info AuditInfo) (domain.Receipt, error) {
	if s == nil || s.receipts == nil {
		return domain.Receipt{}, fmt.Errorf("receipt service not initialized")
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return domain.Receipt{}, repo.ErrNotFound
	}

	release := s.locks.Acquire(planID)
	defer release()

	plan, err := s.plans.Get(ctx, ownerID, planID)
	if err != nil {
		return domain.Receipt{}, err
	}

	reference := strings.TrimSpace(input.X402.PaymentReference)
	if reference != "" {
		existing, err := s.receipts.FindByPaymentReference(ctx, planID, strings.TrimSpace(input.StepID), reference)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Receipt{}, err
		}
	}

	// Budget errors propagate unchanged; nothing is persisted on rejection.
	if err := budget.Validate(plan, input); err != nil {
		return domain.Receipt{}, err
	}

	amount, err := money.Parse(input.Cost.Amount)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", budget.ErrInvalidAmount, err)
	}
	total, err := money.Parse(plan.Execution.Spend.Total)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("plan spend total: %w", err)
	}
	limit, err := money.Parse(plan.Spec.Budget.NotToExceed)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("budget not_to_exceed: %w", err)
	}
	newTotal := total.Add(amount)

	currency := strings.TrimSpace(input.Cost.Currency)
	if currency == "" {
		currency = plan.Spec.Budget.Currency
	}
	receipt := domain.Receipt{
		ID:     s.newID(),
		PlanID: planID,
		StepID: strings.TrimSpace(input.StepID),
		Tool:   input.Tool,
		Cost:   domain.ReceiptCost{Currency: currency, Amount: amount.String()},
		X402: domain.X402Details{
			PaymentReference: reference,
			RequestID:        strings.TrimSpace(input.X402.RequestID),
			ResponseStatus:   input.X402.ResponseStatus,
		},
		Output:    input.Output,
		Notes:     input.Notes,
		CreatedAt: s.now().UTC(),
	}
	if err := s.receipts.Create(ctx, receipt); err != nil {
		if errors.Is(err, repo.ErrDuplicate) && reference != "" {
			// Lost the insert race to a concurrent retry; its row wins.
			return s.receipts.FindByPaymentReference(ctx, planID, receipt.StepID, reference)
		}
		return domain.Receipt{}, err
	}

	// The receipt row is the durable fact. Spend upkeep and completion
	// derivation are best-effort: the total is recomputed from the receipt
	// table, the authoritative source, so a previously missed update heals on
	// the next submission, and completion catches up the same way.
	spendTotal := newTotal
	if summed, sumErr := s.receipts.SumCostByPlan(ctx, planID); sumErr != nil {
		s.logger.Error("sum receipt cost", "plan_id", planID, "error", sumErr)
	} else if parsed, parseErr := money.Parse(summed); parseErr != nil {
		s.logger.Error("sum receipt cost", "plan_id", planID, "error", parseErr)
	} else {
		spendTotal = parsed
	}
	if err := s.plans.UpdateSpend(ctx, planID, spendTotal.String(), limit.Sub(spendTotal).String()); err != nil {
		s.logger.Error("update plan spend", "plan_id", planID, "error", err)
	}
	if s.completer != nil {
		if _, err := s.completer.AutoComplete(ctx, planID); err != nil {
			s.logger.Error("auto-complete plan", "plan_id", planID, "error", err)
		}
	}
	s.appendAudit(ctx, info, receipt, spendTotal.String())
	return receipt, nil
}

// List returns a plan's receipts oldest-first, ownership-checked.
func (s *Service) List(ctx context.Context, ownerID, planID string, limit, offset int) ([]domain.Receipt, error) {
	if s == nil || s.receipts == nil {
		return nil, fmt.Errorf("receipt service not initialized")
	}
	if _, err := s.plans.Get(ctx, ownerID, planID); err != nil {
		return nil, err
	}
	return s.receipts.ListByPlan(ctx, repo.ReceiptFilter{PlanID: planID, Limit: limit, Offset: offset})
}

func (s *Service) appendAudit(ctx context.Context, info AuditInfo, receipt domain.Receipt, newTotal string) {
	if s.audit == nil {
		return
	}
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = "system"
	}
	event := domain.AuditEvent{
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
		Action:       "receipt.recorded",
		ResourceType: "receipt",
		ResourceID:   receipt.ID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload: domain.Metadata{
			"plan_id":     receipt.PlanID,
			"step_id":     receipt.StepID,
			"amount":      receipt.Cost.Amount,
			"spend_total": newTotal,
		},
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Error("append audit event", "action", event.Action, "plan_id", receipt.PlanID, "error", err)
	}
}
