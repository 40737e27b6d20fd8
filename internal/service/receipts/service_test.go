package receipts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/planledger-labs/planledger-go/internal/budget"
	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/money"
	"github.com/planledger-labs/planledger-go/internal/repo"
)

type fakePlanRepo struct {
	mu    sync.Mutex
	plans map[string]domain.Plan

	spendErr error
}

func (f *fakePlanRepo) Create(_ context.Context, plan domain.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[plan.ID] = plan
	return nil
}

func (f *fakePlanRepo) Get(_ context.Context, ownerID, id string) (domain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[id]
	if !ok || plan.OwnerID != ownerID {
		return domain.Plan{}, repo.ErrNotFound
	}
	return plan, nil
}

func (f *fakePlanRepo) GetByID(_ context.Context, id string) (domain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[id]
	if !ok {
		return domain.Plan{}, repo.ErrNotFound
	}
	return plan, nil
}

func (f *fakePlanRepo) List(context.Context, repo.PlanFilter) ([]domain.Plan, int, error) {
	return nil, 0, nil
}

func (f *fakePlanRepo) ReplaceDraft(context.Context, domain.Plan) error { return nil }

func (f *fakePlanRepo) Approve(context.Context, string, string, string, time.Time, string) error {
	return nil
}

func (f *fakePlanRepo) TransitionStatus(context.Context, string, []domain.PlanStatus, domain.PlanStatus) (bool, error) {
	return false, nil
}

func (f *fakePlanRepo) UpdateSpend(_ context.Context, id string, total, remaining string) error {
	if f.spendErr != nil {
		return f.spendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[id]
	if !ok {
		return repo.ErrNotFound
	}
	plan.Execution.Spend = domain.Spend{Total: total, Remaining: remaining}
	f.plans[id] = plan
	return nil
}

func (f *fakePlanRepo) UpdateMetadata(context.Context, string, domain.Metadata) error { return nil }

type receiptKey struct{ planID, stepID, reference string }

type fakeReceiptRepo struct {
	mu       sync.Mutex
	receipts []domain.Receipt
	byRef    map[receiptKey]domain.Receipt

	createErr error
	sumErr    error
}

func newFakeReceiptRepo() *fakeReceiptRepo {
	return &fakeReceiptRepo{byRef: make(map[receiptKey]domain.Receipt)}
}

func (f *fakeReceiptRepo) Create(_ context.Context, receipt domain.Receipt) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt.X402.PaymentReference != "" {
		key := receiptKey{receipt.PlanID, receipt.StepID, receipt.X402.PaymentReference}
		if _, ok := f.byRef[key]; ok {
			return repo.ErrDuplicate
		}
		f.byRef[key] = receipt
	}
	f.receipts = append(f.receipts, receipt)
	return nil
}

func (f *fakeReceiptRepo) FindByPaymentReference(_ context.Context, planID, stepID, reference string) (domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.byRef[receiptKey{planID, stepID, reference}]
	if !ok {
		return domain.Receipt{}, repo.ErrNotFound
	}
	return receipt, nil
}

func (f *fakeReceiptRepo) ListByPlan(_ context.Context, filter repo.ReceiptFilter) ([]domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Receipt, 0)
	for _, receipt := range f.receipts {
		if receipt.PlanID == filter.PlanID {
			out = append(out, receipt)
		}
	}
	return out, nil
}

func (f *fakeReceiptRepo) ReceiptedStepIDs(_ context.Context, planID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, receipt := range f.receipts {
		if receipt.PlanID != planID {
			continue
		}
		if _, ok := seen[receipt.StepID]; ok {
			continue
		}
		seen[receipt.StepID] = struct{}{}
		ids = append(ids, receipt.StepID)
	}
	return ids, nil
}

func (f *fakeReceiptRepo) SumCostByPlan(_ context.Context, planID string) (string, error) {
	if f.sumErr != nil {
		return "", f.sumErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	total := money.Zero()
	for _, receipt := range f.receipts {
		if receipt.PlanID != planID {
			continue
		}
		amount, err := money.Parse(receipt.Cost.Amount)
		if err != nil {
			return "", err
		}
		total = total.Add(amount)
	}
	return total.String(), nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCompleter) AutoComplete(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return false, f.err
}

func runningPlan() domain.Plan {
	return domain.Plan{
		ID:      "plan-1",
		OwnerID: "owner-1",
		Title:   "Market scan",
		Status:  domain.PlanStatusRunning,
		Spec: domain.PlanSpec{
			Steps: []domain.PlanStep{
				{ID: "s1", Tool: domain.ToolRef{Method: "GET", URL: "https://api.example.com/feed"}},
				{ID: "s2", Tool: domain.ToolRef{Method: "POST", URL: "https://api.example.com/summarize"}},
			},
			Budget: domain.Budget{Currency: "USDC", NotToExceed: "10.000000"},
		},
		Execution: domain.Execution{
			Spend: domain.Spend{Total: "0.000000", Remaining: "10.000000"},
		},
	}
}

func testService(t *testing.T) (*Service, *fakePlanRepo, *fakeReceiptRepo, *fakeCompleter) {
	t.Helper()
	planRepo := &fakePlanRepo{plans: map[string]domain.Plan{"plan-1": runningPlan()}}
	receiptRepo := newFakeReceiptRepo()
	completer := &fakeCompleter{}
	svc := New(planRepo, receiptRepo, nil, completer, slog.New(slog.DiscardHandler))
	if svc == nil {
		t.Fatalf("expected service")
	}
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, planRepo, receiptRepo, completer
}

func feedInput(amount, reference string) domain.ReceiptInput {
	return domain.ReceiptInput{
		StepID: "s1",
		Tool:   domain.ToolRef{Method: "GET", URL: "https://api.example.com/feed"},
		Cost:   domain.ReceiptCost{Currency: "USDC", Amount: amount},
		X402:   domain.X402Details{PaymentReference: reference, ResponseStatus: 200},
	}
}

func TestCreateRecordsReceiptAndUpdatesSpend(t *testing.T) {
	svc, planRepo, receiptRepo, completer := testService(t)
	ctx := context.Background()

	receipt, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("2.5", "pay-1"), AuditInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if receipt.Cost.Amount != "2.500000" {
		t.Fatalf("amount = %q", receipt.Cost.Amount)
	}
	if len(receiptRepo.receipts) != 1 {
		t.Fatalf("receipt count = %d", len(receiptRepo.receipts))
	}
	plan, _ := planRepo.GetByID(ctx, "plan-1")
	if plan.Execution.Spend.Total != "2.500000" {
		t.Fatalf("spend total = %q", plan.Execution.Spend.Total)
	}
	if plan.Execution.Spend.Remaining != "7.500000" {
		t.Fatalf("spend remaining = %q", plan.Execution.Spend.Remaining)
	}
	if completer.calls != 1 {
		t.Fatalf("completer calls = %d", completer.calls)
	}
}

func TestCreateDefaultsCurrencyFromBudget(t *testing.T) {
	svc, _, _, _ := testService(t)

	input := feedInput("1", "pay-1")
	input.Cost.Currency = ""
	receipt, err := svc.Create(context.Background(), "owner-1", "plan-1", input, AuditInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if receipt.Cost.Currency != "USDC" {
		t.Fatalf("currency = %q", receipt.Cost.Currency)
	}
}

func TestCreateIdempotentOnPaymentReference(t *testing.T) {
	svc, planRepo, receiptRepo, _ := testService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("2.5", "pay-1"), AuditInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("2.5", "pay-1"), AuditInfo{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry returned a new receipt")
	}
	if len(receiptRepo.receipts) != 1 {
		t.Fatalf("receipt count = %d, want 1", len(receiptRepo.receipts))
	}
	plan, _ := planRepo.GetByID(ctx, "plan-1")
	if plan.Execution.Spend.Total != "2.500000" {
		t.Fatalf("spend double-counted: total = %q", plan.Execution.Spend.Total)
	}
}

func TestCreateInsertRaceReturnsExisting(t *testing.T) {
	svc, _, receiptRepo, _ := testService(t)
	ctx := context.Background()

	// Simulate losing the insert race: the pre-check misses but the store
	// already holds a row for the same reference.
	existing := domain.Receipt{
		ID:     "winner",
		PlanID: "plan-1",
		StepID: "s1",
		Cost:   domain.ReceiptCost{Currency: "USDC", Amount: "2.500000"},
		X402:   domain.X402Details{PaymentReference: "pay-1"},
	}
	receiptRepo.createErr = repo.ErrDuplicate
	receiptRepo.byRef[receiptKey{"plan-1", "s1", "pay-1"}] = existing

	receipt, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("2.5", "pay-1"), AuditInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if receipt.ID != "winner" {
		t.Fatalf("receipt id = %q, want the pre-existing row", receipt.ID)
	}
}

func TestCreatePropagatesBudgetErrors(t *testing.T) {
	svc, _, receiptRepo, _ := testService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("15", "pay-1"), AuditInfo{})
	var exceeded *budget.BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if exceeded.Cap != budget.CapTotal {
		t.Fatalf("cap = %q", exceeded.Cap)
	}
	if len(receiptRepo.receipts) != 0 {
		t.Fatalf("rejected receipt was persisted")
	}
}

func TestCreateRejectsUnknownStep(t *testing.T) {
	svc, _, _, _ := testService(t)

	input := feedInput("1", "")
	input.StepID = "nope"
	_, err := svc.Create(context.Background(), "owner-1", "plan-1", input, AuditInfo{})
	var notFound *budget.StepNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want StepNotFoundError", err)
	}
}

func TestCreateUnknownPlanOrWrongOwner(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "owner-1", "missing", feedInput("1", ""), AuditInfo{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Create(ctx, "intruder", "plan-1", feedInput("1", ""), AuditInfo{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateReconcilesSpendFromReceipts(t *testing.T) {
	svc, planRepo, receiptRepo, _ := testService(t)
	ctx := context.Background()

	// A receipt whose spend update was lost: the row exists but the plan
	// total still reads zero. The next submission must heal the total by
	// summing the receipt table instead of incrementing the stale value.
	receiptRepo.receipts = append(receiptRepo.receipts, domain.Receipt{
		ID:     "earlier",
		PlanID: "plan-1",
		StepID: "s2",
		Cost:   domain.ReceiptCost{Currency: "USDC", Amount: "1.500000"},
	})

	if _, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("1", "pay-1"), AuditInfo{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	plan, _ := planRepo.GetByID(ctx, "plan-1")
	if plan.Execution.Spend.Total != "2.500000" {
		t.Fatalf("spend total = %q, want the summed 2.500000", plan.Execution.Spend.Total)
	}
	if plan.Execution.Spend.Remaining != "7.500000" {
		t.Fatalf("spend remaining = %q", plan.Execution.Spend.Remaining)
	}
}

func TestCreateSumFailureFallsBackToIncrement(t *testing.T) {
	svc, planRepo, receiptRepo, _ := testService(t)
	ctx := context.Background()
	receiptRepo.sumErr = errors.New("sum query down")

	if _, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("1", "pay-1"), AuditInfo{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	plan, _ := planRepo.GetByID(ctx, "plan-1")
	if plan.Execution.Spend.Total != "1.000000" {
		t.Fatalf("spend total = %q, want the incremented 1.000000", plan.Execution.Spend.Total)
	}
}

func TestCreateSpendFailureDoesNotFailReceipt(t *testing.T) {
	svc, planRepo, receiptRepo, _ := testService(t)
	planRepo.spendErr = errors.New("spend store down")

	receipt, err := svc.Create(context.Background(), "owner-1", "plan-1", feedInput("1", "pay-1"), AuditInfo{})
	if err != nil {
		t.Fatalf("create should succeed despite spend failure: %v", err)
	}
	if receipt.ID == "" {
		t.Fatalf("expected a persisted receipt")
	}
	if len(receiptRepo.receipts) != 1 {
		t.Fatalf("receipt count = %d", len(receiptRepo.receipts))
	}
}

func TestCreateCompleterFailureDoesNotFailReceipt(t *testing.T) {
	svc, _, _, completer := testService(t)
	completer.err = errors.New("completion check down")

	if _, err := svc.Create(context.Background(), "owner-1", "plan-1", feedInput("1", "pay-1"), AuditInfo{}); err != nil {
		t.Fatalf("create should succeed despite completer failure: %v", err)
	}
}

func TestConcurrentSubmissionsRespectBudget(t *testing.T) {
	svc, planRepo, receiptRepo, _ := testService(t)
	ctx := context.Background()

	// Budget admits four units; six concurrent 1-unit submissions must not
	// jointly exceed it.
	plan := runningPlan()
	plan.Spec.Budget.NotToExceed = "4.000000"
	plan.Execution.Spend.Remaining = "4.000000"
	planRepo.plans["plan-1"] = plan

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := feedInput("1", "")
			_, errs[i] = svc.Create(ctx, "owner-1", "plan-1", input, AuditInfo{})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var exceeded *budget.BudgetExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 4 {
		t.Fatalf("accepted = %d, want 4", accepted)
	}
	if len(receiptRepo.receipts) != 4 {
		t.Fatalf("receipt count = %d, want 4", len(receiptRepo.receipts))
	}
	got, _ := planRepo.GetByID(ctx, "plan-1")
	if got.Execution.Spend.Total != "4.000000" {
		t.Fatalf("spend total = %q, want 4.000000", got.Execution.Spend.Total)
	}
}

func TestListChecksOwnership(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "owner-1", "plan-1", feedInput("1", ""), AuditInfo{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	receipts, err := svc.List(ctx, "owner-1", "plan-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("receipt count = %d", len(receipts))
	}
	if _, err := svc.List(ctx, "intruder", "plan-1", 0, 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
