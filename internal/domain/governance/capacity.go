package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/scheduling"
)

// BlockedCapacity is the block reason reported when no free slot exists
// inside the next step's window. It is a status value, not an error.
const BlockedCapacity = "BLOCKED_CAPACITY"

// EpisodeView is everything the capacity derivation reads.
type EpisodeView struct {
	Episode      *episode.Episode
	Pathway      *catalog.Pathway
	CurrentStage *episode.StageEvent
	Appointments []*scheduling.Appointment
	Intents      []*scheduling.SlotIntent
	// FreeSlots are candidate slots for the next step. DeriveStatus
	// re-checks state, pool, provider and window on each of them.
	FreeSlots []*scheduling.Slot
}

// Status is the derived, never persisted, state of an episode.
type Status struct {
	Status      episode.Status `json:"status"`
	Blocked     bool           `json:"blocked"`
	BlockReason *string        `json:"blockReason"`
	NextStep    *StepState     `json:"-"`
	WindowStart *time.Time     `json:"windowStart,omitempty"`
	WindowEnd   *time.Time     `json:"windowEnd,omitempty"`
}

// searchWindow clamps a step window to now. ok is false when the window
// has already closed.
func searchWindow(st *StepState, now time.Time) (from, to time.Time, ok bool) {
	from, to = st.WindowStart, st.WindowEnd
	if from.Before(now) {
		from = now
	}
	return from, to, !to.Before(from)
}

// DeriveStatus is a pure function of its inputs. A closed episode is
// closed; an episode with a pathway and an unsettled next step is blocked
// when none of v.FreeSlots can serve that step inside its window.
func DeriveStatus(v EpisodeView, slack time.Duration, now time.Time) Status {
	ep := v.Episode
	if ep.Status == episode.StatusClosed {
		return Status{Status: episode.StatusClosed}
	}
	open := Status{Status: episode.StatusOpen}
	if v.Pathway == nil {
		return open
	}

	steps := deriveSteps(v.Pathway, anchor(ep, v.CurrentStage), slack, v.Appointments, v.Intents)
	next, ok := nextStep(steps)
	if !ok {
		return open
	}
	st := *next
	open.NextStep = &st
	open.WindowStart, open.WindowEnd = &st.WindowStart, &st.WindowEnd

	if from, to, ok := searchWindow(&st, now); ok {
		for _, s := range v.FreeSlots {
			if feasible(s, st.Step.Pool, ep.AssignedProviderID, from, to) {
				return open
			}
		}
	}

	reason := BlockedCapacity
	open.Status = episode.StatusBlocked
	open.Blocked = true
	open.BlockReason = &reason
	return open
}

func feasible(s *scheduling.Slot, pool catalog.Pool, provider *uuid.UUID, from, to time.Time) bool {
	if s.State != scheduling.SlotFree || !pool.Accepts(s.Pool) {
		return false
	}
	if provider != nil && s.ProviderID != *provider {
		return false
	}
	return s.StartsWithin(from, to)
}

// Monitor loads an EpisodeView without taking locks and derives its
// status. Results are advisory: the governor re-validates on booking.
type Monitor struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewMonitor(deps Deps, opts Options) *Monitor {
	return &Monitor{deps: deps, opts: opts.withDefaults(), now: utcNow}
}

// Load gathers the view for episodeID, including free slots for the next
// step's window.
func (m *Monitor) Load(ctx context.Context, episodeID uuid.UUID) (*EpisodeView, error) {
	ep, err := m.deps.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	v := &EpisodeView{Episode: ep}
	if v.CurrentStage, err = m.deps.Episodes.CurrentStage(ctx, episodeID); err != nil {
		return nil, err
	}
	if v.Appointments, err = m.deps.Slots.ListAppointmentsByEpisode(ctx, episodeID); err != nil {
		return nil, err
	}
	if v.Intents, err = m.deps.Slots.ListIntents(ctx, episodeID); err != nil {
		return nil, err
	}
	if ep.CarePathwayID != nil {
		if v.Pathway, err = m.deps.Pathways.GetPathway(ctx, *ep.CarePathwayID); err != nil {
			return nil, err
		}
	}
	if v.Pathway == nil || ep.Status == episode.StatusClosed {
		return v, nil
	}

	steps := deriveSteps(v.Pathway, anchor(ep, v.CurrentStage), m.opts.IntentSlack, v.Appointments, v.Intents)
	next, ok := nextStep(steps)
	if !ok {
		return v, nil
	}
	from, to, ok := searchWindow(next, m.now())
	if !ok {
		return v, nil
	}
	v.FreeSlots, _, err = m.deps.Slots.ListSlots(ctx, scheduling.SlotFilter{
		Pools:      next.Step.Pool.SlotPools(),
		ProviderID: ep.AssignedProviderID,
		State:      scheduling.SlotFree,
		From:       &from,
		To:         &to,
	}, 1, 0)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Evaluate derives the current status of an episode.
func (m *Monitor) Evaluate(ctx context.Context, episodeID uuid.UUID) (*Status, error) {
	ctx, span := tracer.Start(ctx, "governance.EvaluateCapacity")
	defer span.End()
	span.SetAttributes(attribute.String("episode_id", episodeID.String()))

	v, err := m.Load(ctx, episodeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	st := DeriveStatus(*v, m.opts.IntentSlack, m.now())
	span.SetAttributes(attribute.Bool("blocked", st.Blocked))
	m.deps.Metrics.ObserveCapacity(st.Blocked)
	if st.Blocked {
		m.deps.Logger.Debug().
			Str("episode_id", episodeID.String()).
			Str("step_code", st.NextStep.Step.StepCode).
			Msg("episode blocked on capacity")
	}
	return &st, nil
}
