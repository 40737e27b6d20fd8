package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/repo"
)

type DeliverableStore struct {
	db DB
}

func NewDeliverableStore(db DB) *DeliverableStore {
	if db == nil {
		return nil
	}
	return &DeliverableStore{db: db}
}

func (s *DeliverableStore) Create(ctx context.Context, deliverable domain.Deliverable) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("deliverable store not initialized")
	}
	if err := deliverable.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(deliverable.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO deliverables (
			deliverable_id,
			plan_id,
			title,
			cid,
			content_type,
			size_bytes,
			metadata,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(deliverable.ID),
		strings.TrimSpace(deliverable.PlanID),
		deliverable.Title,
		strings.TrimSpace(deliverable.CID),
		nullIfEmpty(deliverable.ContentType),
		deliverable.SizeBytes,
		metadataJSON,
		normalizeTime(deliverable.CreatedAt),
		nullIfEmpty(deliverable.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicate
		}
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

func (s *DeliverableStore) ListByPlan(ctx context.Context, planID string) ([]domain.Deliverable, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("deliverable store not initialized")
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT deliverable_id, plan_id, title, cid, content_type, size_bytes, metadata, created_at, created_by
		 FROM deliverables WHERE plan_id = $1 ORDER BY created_at ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	deliverables := make([]domain.Deliverable, 0)
	for rows.Next() {
		var d domain.Deliverable
		var contentType, createdBy *string
		var metadataJSON []byte
		if err := rows.Scan(&d.ID, &d.PlanID, &d.Title, &d.CID, &contentType, &d.SizeBytes, &metadataJSON, &d.CreatedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("scan deliverable: %w", err)
		}
		if contentType != nil {
			d.ContentType = *contentType
		}
		if createdBy != nil {
			d.CreatedBy = *createdBy
		}
		metadata, err := decodeMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		d.Metadata = metadata
		d.CreatedAt = d.CreatedAt.UTC()
		deliverables = append(deliverables, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	return deliverables, nil
}
