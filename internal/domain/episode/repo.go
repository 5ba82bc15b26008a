package episode

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, e *Episode) error
	GetByID(ctx context.Context, id uuid.UUID) (*Episode, error)
	// GetForUpdate locks the episode row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Episode, error)
	// FindOpen returns nil when the patient has no open episode with c.
	FindOpen(ctx context.Context, patientID uuid.UUID, c Classification) (*Episode, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Episode, error)
	UpdateAssignment(ctx context.Context, e *Episode) error
	Close(ctx context.Context, id uuid.UUID, at time.Time) error

	AppendStage(ctx context.Context, ev *StageEvent) error
	// CurrentStage returns nil when no stage has been recorded.
	CurrentStage(ctx context.Context, episodeID uuid.UUID) (*StageEvent, error)
	ListStages(ctx context.Context, episodeID uuid.UUID) ([]*StageEvent, error)

	// CreateFollowUp reports false when an identical task already exists.
	CreateFollowUp(ctx context.Context, t *FollowUpTask) (bool, error)
	ListFollowUps(ctx context.Context, episodeID uuid.UUID) ([]*FollowUpTask, error)
}
