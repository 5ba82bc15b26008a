package overrideaudit

import (
	"context"

	"github.com/google/uuid"
)

// Repository has no update or delete: audit rows are never mutated.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListByEpisode(ctx context.Context, episodeID uuid.UUID, limit, offset int) ([]*Entry, int, error)
}
