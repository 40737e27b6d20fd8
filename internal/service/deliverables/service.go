// Package deliverables stores plan outputs: bytes go to object storage under
// a content id, the record row goes to postgres.
package deliverables

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planledger-labs/planledger-go/internal/domain"
	"github.com/planledger-labs/planledger-go/internal/repo"
	"github.com/planledger-labs/planledger-go/internal/storage/objectstore"
)

type Service struct {
	plans        repo.PlanRepository
	deliverables repo.DeliverableRepository
	store        objectstore.Store
	bucket       string
	audit        repo.AuditEventAppender
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
}

func New(planRepo repo.PlanRepository, deliverableRepo repo.DeliverableRepository, store objectstore.Store, bucket string, audit repo.AuditEventAppender, logger *slog.Logger) *Service {
	if planRepo == nil || deliverableRepo == nil || store == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		plans:        planRepo,
		deliverables: deliverableRepo,
		store:        store,
		bucket:       bucket,
		audit:        audit,
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

type UploadInput struct {
	Title       string
	ContentType string
	Metadata    domain.Metadata
	Content     []byte
}

// AuditInfo carries request attribution for the audit trail.
type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

// Upload stores the content and records the deliverable. The content id is
// the SHA-256 of the bytes, so re-uploading identical content yields the same
// object key.
func (s *Service) Upload(ctx context.Context, ownerID, planID string, input UploadInput, info AuditInfo) (domain.Deliverable, error) {
	if s == nil || s.deliverables == nil {
		return domain.Deliverable{}, fmt.Errorf("deliverable service not initialized")
	}
	if len(input.Content) == 0 {
		return domain.Deliverable{}, fmt.Errorf("content is required")
	}
	plan, err := s.plans.Get(ctx, ownerID, planID)
	if err != nil {
		return domain.Deliverable{}, err
	}

	sum := sha256.Sum256(input.Content)
	cid := hex.EncodeToString(sum[:])
	key := plan.ID + "/" + cid

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(input.Content), int64(len(input.Content)), contentType); err != nil {
		return domain.Deliverable{}, fmt.Errorf("store content: %w", err)
	}

	deliverable := domain.Deliverable{
		ID:          s.newID(),
		PlanID:      plan.ID,
		Title:       input.Title,
		CID:         cid,
		ContentType: contentType,
		SizeBytes:   int64(len(input.Content)),
		Metadata:    input.Metadata.Clone(),
		CreatedAt:   s.now().UTC(),
		CreatedBy:   ownerID,
	}
	if err := s.deliverables.Create(ctx, deliverable); err != nil {
		return domain.Deliverable{}, err
	}
	s.appendAudit(ctx, info, deliverable)
	return deliverable, nil
}

// List returns a plan's deliverables oldest-first, ownership-checked.
func (s *Service) List(ctx context.Context, ownerID, planID string) ([]domain.Deliverable, error) {
	if s == nil || s.deliverables == nil {
		return nil, fmt.Errorf("deliverable service not initialized")
	}
	plan, err := s.plans.Get(ctx, ownerID, planID)
	if err != nil {
		return nil, err
	}
	return s.deliverables.ListByPlan(ctx, plan.ID)
}

// DownloadURL returns a short-lived presigned link for one deliverable.
func (s *Service) DownloadURL(ctx context.Context, ownerID, planID, deliverableID string, ttl time.Duration) (string, error) {
	if s == nil || s.deliverables == nil {
		return "", fmt.Errorf("deliverable service not initialized")
	}
	plan, err := s.plans.Get(ctx, ownerID, planID)
	if err != nil {
		return "", err
	}
	listed, err := s.deliverables.ListByPlan(ctx, plan.ID)
	if err != nil {
		return "", err
	}
	for _, deliverable := range listed {
		if deliverable.ID == strings.TrimSpace(deliverableID) {
			return s.store.PresignGet(ctx, s.bucket, plan.ID+"/"+deliverable.CID, ttl)
		}
	}
	return "", repo.ErrNotFound
}

func (s *Service) appendAudit(ctx context.Context, info AuditInfo, deliverable domain.Deliverable) {
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
		Action:       "deliverable.uploaded",
		ResourceType: "deliverable",
		ResourceID:   deliverable.ID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload: domain.Metadata{
			"plan_id":    deliverable.PlanID,
			"cid":        deliverable.CID,
			"size_bytes": deliverable.SizeBytes,
		},
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Error("append audit event", "action", event.Action, "plan_id", deliverable.PlanID, "error", err)
	}
}
