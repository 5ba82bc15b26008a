package governance

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/overrideaudit"
	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/internal/platform/notification"
)

// BookingRequest asks to bind a slot to an episode step. StepCode and Seq
// are optional; without them the step is implied by an open intent whose
// window covers the slot, then by the first unsettled step whose pool the
// slot can serve. Consult and control slots never skip a pending work step.
type BookingRequest struct {
	EpisodeID       *uuid.UUID
	PatientID       *uuid.UUID
	SlotID          uuid.UUID
	StepCode        *string
	Seq             *int
	CreatedVia      scheduling.CreatedVia
	OverrideReason  *string
	RequireApproval bool
	Actor           auth.Actor
}

// Booking is a committed appointment and, when a rule was bypassed, the
// audit row written for it.
type Booking struct {
	Appointment *scheduling.Appointment `json:"appointment"`
	Override    *overrideaudit.Entry    `json:"override,omitempty"`
}

// slotConflict is attached to SLOT_NOT_FREE so a retrying caller can
// recognise its own earlier booking.
type slotConflict struct {
	Slot        *scheduling.Slot        `json:"slot"`
	Appointment *scheduling.Appointment `json:"appointment,omitempty"`
}

// hardNextState is attached to ONE_HARD_NEXT_VIOLATION. Cause names the
// override check that failed when a reason was supplied.
type hardNextState struct {
	FutureWorkBookings int    `json:"futureWorkBookings"`
	Limit              int    `json:"limit"`
	Cause              string `json:"cause,omitempty"`
}

// Governor is the only writer of bookings.
type Governor struct {
	deps Deps
	now  func() time.Time
}

func NewGovernor(deps Deps) *Governor {
	return &Governor{deps: deps, now: utcNow}
}

// AttemptBooking runs every governance check and the commit in one
// transaction holding the slot row lock. A rejection leaves no writes.
func (g *Governor) AttemptBooking(ctx context.Context, req BookingRequest) (*Booking, error) {
	ctx, span := tracer.Start(ctx, "governance.AttemptBooking", trace.WithAttributes(
		attribute.String("slot_id", req.SlotID.String()),
		attribute.String("created_via", string(req.CreatedVia)),
		attribute.String("actor_role", req.Actor.Role),
	))
	defer span.End()
	start := time.Now()

	booking, pool, err := g.attempt(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		code := errorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		g.deps.Metrics.ObserveBooking(string(pool), code, elapsed)
		g.deps.Logger.Info().
			Str("slot_id", req.SlotID.String()).
			Str("created_via", string(req.CreatedVia)).
			Str("actor", req.Actor.ID).
			Str("code", code).
			Msg("booking rejected")
		return nil, err
	}

	appt := booking.Appointment
	span.SetAttributes(
		attribute.String("appointment_id", appt.ID.String()),
		attribute.String("pool", string(pool)),
		attribute.Bool("override", booking.Override != nil),
	)
	g.deps.Metrics.ObserveBooking(string(pool), "", elapsed)
	if booking.Override != nil {
		g.deps.Audit.Announce(ctx, booking.Override)
	}

	episodeID := ""
	if appt.EpisodeID != nil {
		episodeID = appt.EpisodeID.String()
	}
	g.deps.notifier().Notify(ctx, notification.Event{
		Type:      notification.EventBookingCreated,
		EpisodeID: episodeID,
		Data: map[string]string{
			"appointment_id": appt.ID.String(),
			"slot_id":        appt.SlotID.String(),
			"pool":           string(appt.Pool),
			"slot_start":     appt.SlotStart.Format(time.RFC3339),
			"created_via":    string(appt.CreatedVia),
		},
	})
	g.deps.Logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("episode_id", episodeID).
		Str("slot_id", appt.SlotID.String()).
		Str("pool", string(pool)).
		Bool("override", booking.Override != nil).
		Msg("booking committed")
	return booking, nil
}

func (g *Governor) attempt(ctx context.Context, req BookingRequest) (*Booking, catalog.Pool, error) {
	if req.SlotID == uuid.Nil {
		return nil, "", apperr.Validation("slotId is required")
	}
	if !req.CreatedVia.Valid() {
		return nil, "", apperr.Validation("createdVia must be one of worklist, override, patient_portal, consult")
	}
	if req.Actor.ID == "" {
		return nil, "", apperr.Validation("actor is required")
	}
	if req.EpisodeID == nil && (req.StepCode != nil || req.Seq != nil) {
		return nil, "", apperr.Validation("stepCode and seq require an episodeId")
	}

	var (
		booking *Booking
		pool    catalog.Pool
	)
	err := g.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		now := g.now()
		slot, err := g.deps.Slots.LockSlot(ctx, req.SlotID)
		if err != nil {
			return err
		}
		pool = slot.Pool

		// Patients are refused work and control capacity whether or not
		// the slot is free.
		if req.CreatedVia == scheduling.ViaPatientPortal &&
			(slot.Pool == catalog.PoolWork || slot.Pool == catalog.PoolControl) {
			return apperr.ErrPatientPoolForbidden
		}
		if slot.State != scheduling.SlotFree {
			return g.slotNotFree(ctx, slot)
		}

		var (
			ep     *episode.Episode
			step   *catalog.PathwayStep
			intent *scheduling.SlotIntent
		)
		if req.EpisodeID != nil {
			if ep, err = g.deps.Episodes.GetForUpdate(ctx, *req.EpisodeID); err != nil {
				return err
			}
			if step, intent, err = g.resolveStep(ctx, ep, slot, req); err != nil {
				return err
			}
		}
		if step != nil && !step.Pool.Accepts(slot.Pool) {
			return apperr.ErrPoolMismatch.Withf("step %s requires a %s slot, slot is %s", step.StepCode, step.Pool, slot.Pool)
		}
		if slot.Pool == catalog.PoolWork {
			if req.CreatedVia != scheduling.ViaWorklist && req.CreatedVia != scheduling.ViaOverride {
				return apperr.ErrWorkPoolProtected
			}
			if ep == nil && req.CreatedVia != scheduling.ViaOverride {
				return apperr.ErrWorkRequiresEpisode
			}
		}
		if ep != nil && !ep.IsOpen() {
			return apperr.ErrEpisodeNotOpen.WithCurrent(ep)
		}
		// Work capacity outside a pathway step goes through the override
		// channel only.
		if slot.Pool == catalog.PoolWork && ep != nil && step == nil && req.CreatedVia != scheduling.ViaOverride {
			return apperr.ErrPoolMismatch.Withf("episode has no pending work step for slot %s", slot.ID)
		}

		rule, err := g.overrideRule(ctx, slot, ep, step, req, now)
		if err != nil {
			return err
		}
		var entry *overrideaudit.Entry
		if rule != "" {
			if entry, err = g.recordOverride(ctx, rule, slot, ep, req); err != nil {
				return err
			}
		}

		if err := g.deps.Slots.SetSlotState(ctx, slot.ID, scheduling.SlotBooked); err != nil {
			return err
		}
		appt := newAppointment(slot, ep, step, req)
		if err := g.deps.Slots.CreateAppointment(ctx, appt); err != nil {
			return err
		}
		if intent != nil {
			if err := g.deps.Slots.ConsumeIntent(ctx, intent.ID, now); err != nil {
				return err
			}
		}
		booking = &Booking{Appointment: appt, Override: entry}
		return nil
	})
	return booking, pool, err
}

func (g *Governor) slotNotFree(ctx context.Context, slot *scheduling.Slot) error {
	appt, err := g.deps.Slots.ActiveAppointmentForSlot(ctx, slot.ID)
	if err != nil {
		return err
	}
	return apperr.ErrSlotNotFree.WithCurrent(slotConflict{Slot: slot, Appointment: appt})
}

// resolveStep picks the pathway step a booking consumes and the intent it
// fulfils, if any.
func (g *Governor) resolveStep(ctx context.Context, ep *episode.Episode, slot *scheduling.Slot,
	req BookingRequest) (*catalog.PathwayStep, *scheduling.SlotIntent, error) {
	explicit := req.StepCode != nil || req.Seq != nil
	if ep.CarePathwayID == nil {
		if explicit {
			return nil, nil, apperr.Validation("episode has no care pathway")
		}
		return nil, nil, nil
	}

	pathway, err := g.deps.Pathways.GetPathway(ctx, *ep.CarePathwayID)
	if err != nil {
		return nil, nil, err
	}
	appts, err := g.deps.Slots.ListAppointmentsByEpisode(ctx, ep.ID)
	if err != nil {
		return nil, nil, err
	}
	intents, err := g.deps.Slots.ListIntents(ctx, ep.ID)
	if err != nil {
		return nil, nil, err
	}
	steps := deriveSteps(pathway, ep.OpenedAt, 0, appts, intents)

	if explicit {
		st, err := explicitStep(steps, req.StepCode, req.Seq)
		if err != nil {
			return nil, nil, err
		}
		var in *scheduling.SlotIntent
		if st.Intent != nil && st.Intent.Open() {
			in = st.Intent
		}
		return &st.Step, in, nil
	}

	for i := range steps {
		in := steps[i].Intent
		if steps[i].Status == StepIntent && in.Covers(slot.StartTime) && steps[i].Step.Pool.Accepts(slot.Pool) {
			return &steps[i].Step, in, nil
		}
	}
	for i := range steps {
		st := &steps[i]
		if st.Status.Settled() {
			continue
		}
		if st.Step.Pool.Accepts(slot.Pool) {
			return &st.Step, nil, nil
		}
		// A consult or control slot does not jump a pending work step; it
		// books ad hoc instead.
		if st.Step.Pool == catalog.PoolWork && slot.Pool != catalog.PoolWork {
			return nil, nil, nil
		}
	}
	return nil, nil, nil
}

// explicitStep finds the requested step. A bare StepCode names the first
// unsettled step carrying that code.
func explicitStep(steps []StepState, code *string, seq *int) (*StepState, error) {
	var match *StepState
	for i := range steps {
		st := &steps[i]
		if seq != nil && st.Seq() != *seq {
			continue
		}
		if code != nil && st.Step.StepCode != *code {
			continue
		}
		if match == nil {
			match = st
		}
		if !st.Status.Settled() {
			match = st
			break
		}
	}
	if match == nil {
		return nil, apperr.Validation("step is not on the episode's care pathway")
	}
	if match.Status.Settled() {
		return nil, apperr.Validation("step %s/%d is already %s", match.Step.StepCode, match.Seq(), match.Status)
	}
	return match, nil
}

// overrideRule reports which rule, if any, this booking bypasses.
func (g *Governor) overrideRule(ctx context.Context, slot *scheduling.Slot, ep *episode.Episode,
	step *catalog.PathwayStep, req BookingRequest, now time.Time) (overrideaudit.Rule, error) {
	if slot.Pool == catalog.PoolWork {
		if ep == nil {
			return overrideaudit.RuleWorkRequiresEpisode, nil
		}
		limit := 1
		if step != nil && step.RequiresPrecommit {
			limit = 2
		}
		n, err := g.deps.Slots.CountFutureBooked(ctx, ep.ID, catalog.PoolWork, now)
		if err != nil {
			return "", err
		}
		if n >= limit {
			state := hardNextState{FutureWorkBookings: n, Limit: limit}
			if req.OverrideReason == nil || strings.TrimSpace(*req.OverrideReason) == "" {
				return "", apperr.ErrOneHardNextViolation.WithCurrent(state)
			}
			if _, err := overrideaudit.ValidateReason(*req.OverrideReason); err != nil {
				state.Cause = apperr.CodeReasonTooShort
				return "", apperr.ErrOneHardNextViolation.
					Withf("override reason must be at least %d characters", overrideaudit.MinReasonLength).
					WithCurrent(state)
			}
			if !overrideaudit.CanOverride(req.Actor.Role) {
				state.Cause = apperr.CodeOverrideNotAuthorized
				return "", apperr.ErrOneHardNextViolation.
					Withf("role %q cannot override the one-hard-next limit", req.Actor.Role).
					WithCurrent(state)
			}
			return overrideaudit.RuleOneHardNext, nil
		}
	}
	if req.CreatedVia == scheduling.ViaOverride {
		return overrideaudit.RuleOverrideBooking, nil
	}
	return "", nil
}

// recordOverride writes the audit row inside the booking transaction,
// before any slot or appointment write.
func (g *Governor) recordOverride(ctx context.Context, rule overrideaudit.Rule, slot *scheduling.Slot,
	ep *episode.Episode, req BookingRequest) (*overrideaudit.Entry, error) {
	if req.OverrideReason == nil {
		return nil, apperr.ErrReasonTooShort
	}
	in := overrideaudit.Input{
		Actor:  req.Actor,
		Rule:   rule,
		Reason: *req.OverrideReason,
		SlotID: &slot.ID,
	}
	if ep != nil {
		in.EpisodeID = &ep.ID
	}
	return g.deps.Audit.RecordOverride(ctx, in)
}

func newAppointment(slot *scheduling.Slot, ep *episode.Episode, step *catalog.PathwayStep, req BookingRequest) *scheduling.Appointment {
	a := &scheduling.Appointment{
		SlotID:     slot.ID,
		PatientID:  req.PatientID,
		Pool:       slot.Pool,
		CreatedVia: req.CreatedVia,
		Status:     scheduling.AppointmentBooked,
		CreatedBy:  req.Actor.ID,
		SlotStart:  slot.StartTime,
	}
	if ep != nil {
		epID, patientID := ep.ID, ep.PatientID
		a.EpisodeID, a.PatientID = &epID, &patientID
	}
	if step != nil {
		code, seq := step.StepCode, step.OrderIndex
		a.StepCode, a.Seq = &code, &seq
	}
	if req.RequireApproval {
		pending := scheduling.ApprovalPending
		a.ApprovalStatus = &pending
	}
	return a
}

// CancelAppointment releases a booked appointment's slot and reopens the
// intent it consumed.
func (g *Governor) CancelAppointment(ctx context.Context, id uuid.UUID, actor auth.Actor, reason string) (*scheduling.Appointment, error) {
	ctx, span := tracer.Start(ctx, "governance.CancelAppointment",
		trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer span.End()

	var appt *scheduling.Appointment
	err := g.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		a, err := g.deps.Slots.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsActive() {
			return apperr.ErrAppointmentNotActive.WithCurrent(a)
		}
		if _, err := g.deps.Slots.LockSlot(ctx, a.SlotID); err != nil {
			return err
		}

		var why *string
		if r := strings.TrimSpace(reason); r != "" {
			why = &r
		}
		if err := g.deps.Slots.SetAppointmentStatus(ctx, a.ID, scheduling.AppointmentCancelled, why); err != nil {
			return err
		}
		if err := g.deps.Slots.SetSlotState(ctx, a.SlotID, scheduling.SlotFree); err != nil {
			return err
		}
		if a.EpisodeID != nil && a.StepCode != nil && a.Seq != nil {
			if err := g.deps.Slots.ReopenIntent(ctx, *a.EpisodeID, *a.StepCode, *a.Seq); err != nil {
				return err
			}
		}
		a.Status = scheduling.AppointmentCancelled
		a.CancelReason = why
		appt = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorCode(err))
		return nil, err
	}

	episodeID := ""
	if appt.EpisodeID != nil {
		episodeID = appt.EpisodeID.String()
	}
	g.deps.notifier().Notify(ctx, notification.Event{
		Type:      notification.EventAppointmentCancelled,
		EpisodeID: episodeID,
		Data: map[string]string{
			"appointment_id": appt.ID.String(),
			"slot_id":        appt.SlotID.String(),
			"actor":          actor.ID,
		},
	})
	g.deps.Logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("slot_id", appt.SlotID.String()).
		Str("actor", actor.ID).
		Msg("appointment cancelled")
	return appt, nil
}

// Completion is the result of completing an appointment.
type Completion struct {
	Appointment   *scheduling.Appointment `json:"appointment"`
	EpisodeClosed bool                    `json:"episodeClosed"`
}

// CompleteAppointment marks a booked appointment completed. Completing the
// pathway's terminal step closes the episode in the same transaction.
func (g *Governor) CompleteAppointment(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "governance.CompleteAppointment",
		trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer span.End()

	var out Completion
	err := g.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		a, err := g.deps.Slots.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsActive() {
			return apperr.ErrAppointmentNotActive.WithCurrent(a)
		}
		if err := g.deps.Slots.SetAppointmentStatus(ctx, a.ID, scheduling.AppointmentCompleted, nil); err != nil {
			return err
		}
		a.Status = scheduling.AppointmentCompleted
		out.Appointment = a

		if a.EpisodeID == nil || a.StepCode == nil || a.Seq == nil {
			return nil
		}
		ep, err := g.deps.Episodes.GetForUpdate(ctx, *a.EpisodeID)
		if err != nil {
			return err
		}
		if !ep.IsOpen() || ep.CarePathwayID == nil {
			return nil
		}
		pathway, err := g.deps.Pathways.GetPathway(ctx, *ep.CarePathwayID)
		if err != nil {
			return err
		}
		if last, ok := pathway.Terminal(); ok && last.StepCode == *a.StepCode && last.OrderIndex == *a.Seq {
			if err := g.deps.Episodes.Close(ctx, ep.ID, g.now()); err != nil {
				return err
			}
			out.EpisodeClosed = true
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorCode(err))
		return nil, err
	}

	appt := out.Appointment
	episodeID := ""
	if appt.EpisodeID != nil {
		episodeID = appt.EpisodeID.String()
	}
	stepCode := ""
	if appt.StepCode != nil {
		stepCode = *appt.StepCode
	}
	g.deps.notifier().Notify(ctx, notification.Event{
		Type:      notification.EventAppointmentCompleted,
		EpisodeID: episodeID,
		Data:      map[string]string{"appointment_id": appt.ID.String(), "step_code": stepCode},
	})
	if out.EpisodeClosed {
		g.deps.notifier().Notify(ctx, notification.Event{
			Type:      notification.EventEpisodeClosed,
			EpisodeID: episodeID,
			Data:      map[string]string{"actor": actor.ID},
		})
	}
	g.deps.Logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("episode_id", episodeID).
		Bool("episode_closed", out.EpisodeClosed).
		Msg("appointment completed")
	return &out, nil
}

func errorCode(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return "INTERNAL"
}
