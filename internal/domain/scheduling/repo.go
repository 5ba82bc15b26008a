package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carepath/internal/domain/catalog"
)

type Repository interface {
	CreateSlot(ctx context.Context, s *Slot) error
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// LockSlot reads the slot with a row lock held until the transaction ends.
	LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	SetSlotState(ctx context.Context, id uuid.UUID, state SlotState) error
	ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error)

	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	SetAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, reason *string) error
	// ActiveAppointmentForSlot returns nil when the slot has no booked appointment.
	ActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error)
	ListAppointmentsByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Appointment, error)
	// CountFutureBooked counts the episode's booked appointments in pool
	// whose slot starts after the given instant.
	CountFutureBooked(ctx context.Context, episodeID uuid.UUID, pool catalog.Pool, after time.Time) (int, error)

	// UpsertIntent inserts unless (episode, step, seq) exists; it reports
	// whether a row was created.
	UpsertIntent(ctx context.Context, in *SlotIntent) (bool, error)
	ListIntents(ctx context.Context, episodeID uuid.UUID) ([]*SlotIntent, error)
	ConsumeIntent(ctx context.Context, id uuid.UUID, at time.Time) error
	// ReopenIntent clears consumed_at so a cancelled step can be rebooked
	// against its window.
	ReopenIntent(ctx context.Context, episodeID uuid.UUID, stepCode string, seq int) error
}
