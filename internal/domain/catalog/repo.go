package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository reads and edits catalog reference data.
type Repository interface {
	ListStages(ctx context.Context, scope Scope) ([]Stage, error)
	StepLabel(ctx context.Context, code string) (string, bool, error)
	CreatePathway(ctx context.Context, p *Pathway) error
	GetPathway(ctx context.Context, id uuid.UUID) (*Pathway, error)
	ListPathways(ctx context.Context, limit, offset int) ([]*Pathway, int, error)
	// UpdatePathway applies p only when the stored updated_at equals
	// expectedUpdatedAt. It reports false when the row moved on.
	UpdatePathway(ctx context.Context, p *Pathway, expectedUpdatedAt time.Time) (bool, error)
}
