package domain

import (
	"errors"
	"strings"
	"time"
)

// Deliverable is an artifact produced by a plan, referencing content-addressed
// object storage by CID. Deliverables have no budget or state-machine
// interaction.
type Deliverable struct {
	ID          string
	PlanID      string
	Title       string
	CID         string
	ContentType string
	SizeBytes   int64
	Metadata    Metadata
	CreatedAt   time.Time
	CreatedBy   string
}

func (d Deliverable) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("deliverable id is required")
	}
	if strings.TrimSpace(d.PlanID) == "" {
		return errors.New("plan id is required")
	}
	if strings.TrimSpace(d.CID) == "" {
		return errors.New("cid is required")
	}
	return nil
}
