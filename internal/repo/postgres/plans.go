package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/repo"
)

type PlanStore struct {
	db DB
}

func NewPlanStore(db DB) *PlanStore {
	if db == nil {
		return nil
	}
	return &PlanStore{db: db}
}

const planColumns = `plan_id, owner_id, workspace_id, title, objective, spec, plan_hash, status,
	active_step_id, completed_steps, failed_steps, spend_total, spend_remaining,
	approved_at, approved_by, tags, metadata, created_at, updated_at`

func (s *PlanStore) Create(ctx context.Context, plan domain.Plan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plan store not initialized")
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	specJSON, err := encodeJSON(plan.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	tagsJSON, err := encodeStrings(plan.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metadataJSON, err := encodeMetadata(plan.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	completedJSON, err := encodeStrings(plan.Execution.Progress.CompletedSteps)
	if err != nil {
		return fmt.Errorf("encode completed steps: %w", err)
	}
	failedJSON, err := encodeStrings(plan.Execution.Progress.FailedSteps)
	if err != nil {
		return fmt.Errorf("encode failed steps: %w", err)
	}
	createdAt := normalizeTime(plan.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO plans (
			plan_id,
			owner_id,
			workspace_id,
			title,
			objective,
			spec,
			plan_hash,
			status,
			active_step_id,
			completed_steps,
			failed_steps,
			spend_total,
			spend_remaining,
			approved_at,
			approved_by,
			tags,
			metadata,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)`,
		strings.TrimSpace(plan.ID),
		strings.TrimSpace(plan.OwnerID),
		nullIfEmpty(plan.WorkspaceID),
		plan.Title,
		plan.Objective,
		specJSON,
		nullIfEmpty(plan.PlanHash),
		string(plan.Status),
		nullIfEmpty(plan.Execution.ActiveStepID),
		completedJSON,
		failedJSON,
		plan.Execution.Spend.Total,
		plan.Execution.Spend.Remaining,
		nullTime(plan.Integrity.ApprovedAt),
		nullIfEmpty(plan.Integrity.ApprovedBy),
		tagsJSON,
		metadataJSON,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicate
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PlanStore) Get(ctx context.Context, ownerID, id string) (domain.Plan, error) {
	if s == nil || s.db == nil {
		return domain.Plan{}, fmt.Errorf("plan store not initialized")
	}
	ownerID = strings.TrimSpace(ownerID)
	id = strings.TrimSpace(id)
	if ownerID == "" {
		return domain.Plan{}, fmt.Errorf("owner id is required")
	}
	if id == "" {
		return domain.Plan{}, fmt.Errorf("plan id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+planColumns+` FROM plans WHERE owner_id = $1 AND plan_id = $2`,
		ownerID,
		id,
	)
	return scanPlan(row)
}

func (s *PlanStore) GetByID(ctx context.Context, id string) (domain.Plan, error) {
	if s == nil || s.db == nil {
		return domain.Plan{}, fmt.Errorf("plan store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Plan{}, fmt.Errorf("plan id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+planColumns+` FROM plans WHERE plan_id = $1`,
		id,
	)
	return scanPlan(row)
}

func (s *PlanStore) List(ctx context.Context, filter repo.PlanFilter) ([]domain.Plan, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("plan store not initialized")
	}
	if strings.TrimSpace(filter.OwnerID) == "" {
		return nil, 0, fmt.Errorf("owner id is required")
	}

	clauses := make([]string, 0, 4)
	args := make([]any, 0, 8)

	args = append(args, strings.TrimSpace(filter.OwnerID))
	clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(filter.Tags) > 0 {
		// contains-any: one jsonb containment clause per tag, OR-joined.
		tagClauses := make([]string, 0, len(filter.Tags))
		for _, tag := range filter.Tags {
			single, err := json.Marshal([]string{tag})
			if err != nil {
				return nil, 0, fmt.Errorf("encode tag filter: %w", err)
			}
			args = append(args, string(single))
			tagClauses = append(tagClauses, fmt.Sprintf("tags @> $%d::jsonb", len(args)))
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}
	if strings.TrimSpace(filter.WorkspaceID) != "" {
		args = append(args, strings.TrimSpace(filter.WorkspaceID))
		clauses = append(clauses, fmt.Sprintf("workspace_id = $%d", len(args)))
	}

	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count plans: %w", err)
	}

	query := `SELECT ` + planColumns + ` FROM plans` + where + ` ORDER BY ` + planSortColumn(filter.SortBy)
	if filter.SortAsc {
		query += " ASC"
	} else {
		query += " DESC"
	}
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
		return nil, 0, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]domain.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list plans: %w", err)
	}
	return plans, total, nil
}

func (s *PlanStore) ReplaceDraft(ctx context.Context, plan domain.Plan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plan store not initialized")
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	specJSON, err := encodeJSON(plan.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	tagsJSON, err := encodeStrings(plan.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metadataJSON, err := encodeMetadata(plan.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE plans SET
			title = $1,
			objective = $2,
			spec = $3,
			tags = $4,
			metadata = $5,
			spend_remaining = $6,
			updated_at = $7
		WHERE owner_id = $8 AND plan_id = $9 AND status = $10`,
		plan.Title,
		plan.Objective,
		specJSON,
		tagsJSON,
		metadataJSON,
		plan.Execution.Spend.Remaining,
		time.Now().UTC(),
		strings.TrimSpace(plan.OwnerID),
		strings.TrimSpace(plan.ID),
		string(domain.PlanStatusDraft),
	)
	if err != nil {
		return fmt.Errorf("replace draft: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace draft: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *PlanStore) Approve(ctx context.Context, ownerID, id, planHash string, approvedAt time.Time, activeStepID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plan store not initialized")
	}
	ownerID = strings.TrimSpace(ownerID)
	id = strings.TrimSpace(id)
	planHash = strings.TrimSpace(planHash)
	if ownerID == "" || id == "" {
		return fmt.Errorf("owner id and plan id are required")
	}
	if planHash == "" {
		return fmt.Errorf("plan hash is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE plans SET
			plan_hash = $1,
			status = $2,
			active_step_id = $3,
			approved_at = $4,
			approved_by = $5,
			updated_at = $4
		WHERE owner_id = $6 AND plan_id = $7 AND status = $8`,
		planHash,
		string(domain.PlanStatusRunning),
		nullIfEmpty(activeStepID),
		approvedAt.UTC(),
		ownerID,
		ownerID,
		id,
		string(domain.PlanStatusDraft),
	)
	if err != nil {
		return fmt.Errorf("approve plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve plan: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *PlanStore) TransitionStatus(ctx context.Context, id string, from []domain.PlanStatus, next domain.PlanStatus) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("plan store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("plan id is required")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("source statuses are required")
	}
	args := []any{string(next), time.Now().UTC(), id}
	placeholders := make([]string, 0, len(from))
	for _, status := range from {
		args = append(args, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE plans SET status = $1, updated_at = $2 WHERE plan_id = $3 AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition plan status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition plan status: %w", err)
	}
	return affected > 0, nil
}

func (s *PlanStore) UpdateSpend(ctx context.Context, id string, total, remaining string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plan store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("plan id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE plans SET spend_total = $1, spend_remaining = $2, updated_at = $3 WHERE plan_id = $4`,
		total,
		remaining,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update plan spend: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plan spend: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *PlanStore) UpdateMetadata(ctx context.Context, id string, metadata domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plan store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("plan id is required")
	}
	metadataJSON, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE plans SET metadata = $1, updated_at = $2 WHERE plan_id = $3`,
		metadataJSON,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update plan metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plan metadata: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (domain.Plan, error) {
	var plan domain.Plan
	var workspaceID sql.NullString
	var planHash sql.NullString
	var status string
	var activeStepID sql.NullString
	var specJSON []byte
	var completedJSON []byte
	var failedJSON []byte
	var approvedAt sql.NullTime
	var approvedBy sql.NullString
	var tagsJSON []byte
	var metadataJSON []byte

	if err := row.Scan(
		&plan.ID,
		&plan.OwnerID,
		&workspaceID,
		&plan.Title,
		&plan.Objective,
		&specJSON,
		&planHash,
		&status,
		&activeStepID,
		&completedJSON,
		&failedJSON,
		&plan.Execution.Spend.Total,
		&plan.Execution.Spend.Remaining,
		&approvedAt,
		&approvedBy,
		&tagsJSON,
		&metadataJSON,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	); err != nil {
		return domain.Plan{}, handleNotFound(err)
	}
	if workspaceID.Valid {
		plan.WorkspaceID = workspaceID.String
	}
	if planHash.Valid {
		plan.PlanHash = planHash.String
	}
	plan.Status = domain.PlanStatus(status)
	if activeStepID.Valid {
		plan.Execution.ActiveStepID = activeStepID.String
	}
	if approvedAt.Valid {
		approved := approvedAt.Time.UTC()
		plan.Integrity.ApprovedAt = &approved
	}
	if approvedBy.Valid {
		plan.Integrity.ApprovedBy = approvedBy.String
	}
	if err := json.Unmarshal(specJSON, &plan.Spec); err != nil {
		return domain.Plan{}, fmt.Errorf("decode spec: %w", err)
	}
	completed, err := decodeStrings(completedJSON)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("decode completed steps: %w", err)
	}
	failed, err := decodeStrings(failedJSON)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("decode failed steps: %w", err)
	}
	plan.Execution.Progress.CompletedSteps = completed
	plan.Execution.Progress.FailedSteps = failed
	tags, err := decodeStrings(tagsJSON)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("decode tags: %w", err)
	}
	plan.Tags = tags
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("decode metadata: %w", err)
	}
	plan.Metadata = metadata
	plan.CreatedAt = plan.CreatedAt.UTC()
	plan.UpdatedAt = plan.UpdatedAt.UTC()
	return plan, nil
}

func planSortColumn(sortBy string) string {
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case repo.PlanSortStatus:
		return "status"
	case repo.PlanSortTitle:
		return "title"
	default:
		return "created_at"
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
