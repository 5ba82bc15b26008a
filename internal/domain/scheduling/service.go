package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/platform/apperr"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) CreateSlot(ctx context.Context, sl *Slot) error {
	if sl.ProviderID == uuid.Nil {
		return apperr.Validation("providerId is required")
	}
	if sl.StartTime.IsZero() || sl.EndTime.IsZero() {
		return apperr.Validation("startTime and endTime are required")
	}
	if !sl.EndTime.After(sl.StartTime) {
		return apperr.Validation("endTime must be after startTime")
	}
	if !sl.Pool.Valid() {
		return apperr.Validation("invalid pool %q", sl.Pool)
	}
	if sl.State == "" {
		sl.State = SlotFree
	}
	if sl.State == SlotBooked || !sl.State.Valid() {
		return apperr.Validation("a new slot must be free or intent, got %q", sl.State)
	}
	sl.StartTime, sl.EndTime = sl.StartTime.UTC(), sl.EndTime.UTC()
	if err := s.repo.CreateSlot(ctx, sl); err != nil {
		return err
	}
	s.logger.Info().
		Str("slot_id", sl.ID.String()).
		Str("pool", string(sl.Pool)).
		Time("start", sl.StartTime).
		Msg("slot created")
	return nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.repo.GetSlot(ctx, id)
}

func (s *Service) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	for _, p := range f.Pools {
		if !p.Valid() {
			return nil, 0, apperr.Validation("invalid pool %q", p)
		}
	}
	if f.State != "" && !f.State.Valid() {
		return nil, 0, apperr.Validation("invalid state %q", f.State)
	}
	return s.repo.ListSlots(ctx, f, limit, offset)
}

// ListFreeSlots returns free slots that can serve a step of pool, starting
// inside [from, to]. A nil provider matches any provider.
func (s *Service) ListFreeSlots(ctx context.Context, pool catalog.Pool, provider *uuid.UUID, from, to time.Time, limit int) ([]*Slot, error) {
	items, _, err := s.ListSlots(ctx, SlotFilter{
		Pools:      pool.SlotPools(),
		ProviderID: provider,
		State:      SlotFree,
		From:       &from,
		To:         &to,
	}, limit, 0)
	return items, err
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

func (s *Service) ListAppointmentsByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Appointment, error) {
	return s.repo.ListAppointmentsByEpisode(ctx, episodeID)
}

func (s *Service) ListIntents(ctx context.Context, episodeID uuid.UUID) ([]*SlotIntent, error) {
	return s.repo.ListIntents(ctx, episodeID)
}
