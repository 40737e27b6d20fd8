package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/repo"
)

type ReceiptStore struct {
	db DB
}

func NewReceiptStore(db DB) *ReceiptStore {
	if db == nil {
		return nil
	}
	return &ReceiptStore{db: db}
}

const receiptColumns = `receipt_id, plan_id, step_id, tool, cost_currency, cost_amount,
	payment_reference, x402_request_id, x402_response_status, output, notes, created_at`

// Create inserts a receipt row. The partial unique index on
// (plan_id, step_id, payment_reference) is the real idempotency guarantee:
// a colliding concurrent insert surfaces here as repo.ErrDuplicate.
func (s *ReceiptStore) Create(ctx context.Context, receipt domain.Receipt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("receipt store not initialized")
	}
	if err := receipt.Validate(); err != nil {
		return err
	}
	toolJSON, err := encodeJSON(receipt.Tool)
	if err != nil {
		return fmt.Errorf("encode tool: %w", err)
	}
	var responseStatus sql.NullInt64
	if receipt.X402.ResponseStatus != 0 {
		responseStatus = sql.NullInt64{Int64: int64(receipt.X402.ResponseStatus), Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO receipts (
			receipt_id,
			plan_id,
			step_id,
			tool,
			cost_currency,
			cost_amount,
			payment_reference,
			x402_request_id,
			x402_response_status,
			output,
			notes,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(receipt.ID),
		strings.TrimSpace(receipt.PlanID),
		strings.TrimSpace(receipt.StepID),
		toolJSON,
		strings.TrimSpace(receipt.Cost.Currency),
		strings.TrimSpace(receipt.Cost.Amount),
		nullIfEmpty(receipt.X402.PaymentReference),
		nullIfEmpty(receipt.X402.RequestID),
		responseStatus,
		nullIfEmpty(receipt.Output),
		nullIfEmpty(receipt.Notes),
		normalizeTime(receipt.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicate
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *ReceiptStore) FindByPaymentReference(ctx context.Context, planID, stepID, paymentReference string) (domain.Receipt, error) {
	if s == nil || s.db == nil {
		return domain.Receipt{}, fmt.Errorf("receipt store not initialized")
	}
	planID = strings.TrimSpace(planID)
	stepID = strings.TrimSpace(stepID)
	paymentReference = strings.TrimSpace(paymentReference)
	if planID == "" || stepID == "" || paymentReference == "" {
		return domain.Receipt{}, fmt.Errorf("plan id, step id and payment reference are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE plan_id = $1 AND step_id = $2 AND payment_reference = $3`,
		planID,
		stepID,
		paymentReference,
	)
	return scanReceipt(row)
}

func (s *ReceiptStore) ListByPlan(ctx context.Context, filter repo.ReceiptFilter) ([]domain.Receipt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("receipt store not initialized")
	}
	planID := strings.TrimSpace(filter.PlanID)
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	args := []any{planID}
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE plan_id = $1 ORDER BY created_at ASC, receipt_id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]domain.Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return receipts, nil
}

func (s *ReceiptStore) ReceiptedStepIDs(ctx context.Context, planID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("receipt store not initialized")
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT step_id FROM receipts WHERE plan_id = $1`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("receipted step ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan step id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipted step ids: %w", err)
	}
	return ids, nil
}

func (s *ReceiptStore) SumCostByPlan(ctx context.Context, planID string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("receipt store not initialized")
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return "", fmt.Errorf("plan id is required")
	}
	var total string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(cost_amount::numeric), 0)::text FROM receipts WHERE plan_id = $1`,
		planID,
	).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("sum receipt cost: %w", err)
	}
	return total, nil
}

func scanReceipt(row rowScanner) (domain.Receipt, error) {
	var receipt domain.Receipt
	var toolJSON []byte
	var paymentReference sql.NullString
	var requestID sql.NullString
	var responseStatus sql.NullInt64
	var output sql.NullString
	var notes sql.NullString

	if err := row.Scan(
		&receipt.ID,
		&receipt.PlanID,
		&receipt.StepID,
		&toolJSON,
		&receipt.Cost.Currency,
		&receipt.Cost.Amount,
		&paymentReference,
		&requestID,
		&responseStatus,
		&output,
		&notes,
		&receipt.CreatedAt,
	); err != nil {
		return domain.Receipt{}, handleNotFound(err)
	}
	if err := json.Unmarshal(toolJSON, &receipt.Tool); err != nil {
		return domain.Receipt{}, fmt.Errorf("decode tool: %w", err)
	}
	if paymentReference.Valid {
		receipt.X402.PaymentReference = paymentReference.String
	}
	if requestID.Valid {
		receipt.X402.RequestID = requestID.String
	}
	if responseStatus.Valid {
		receipt.X402.ResponseStatus = int(responseStatus.Int64)
	}
	if output.Valid {
		receipt.Output = output.String
	}
	if notes.Valid {
		receipt.Notes = notes.String
	}
	receipt.CreatedAt = receipt.CreatedAt.UTC()
	return receipt, nil
}
