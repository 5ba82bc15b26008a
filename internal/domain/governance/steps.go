package governance

import (
	"time"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/scheduling"
)

// StepStatus is the derived progress of one pathway step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepBooked    StepStatus = "booked"
	StepIntent    StepStatus = "intent"
	StepPending   StepStatus = "pending"
)

// Settled reports whether the step no longer needs a slot.
func (s StepStatus) Settled() bool { return s == StepCompleted || s == StepBooked }

// StepState joins a pathway step with the appointment and intent that
// refer to it.
type StepState struct {
	Step        catalog.PathwayStep
	Status      StepStatus
	WindowStart time.Time
	WindowEnd   time.Time
	Appointment *scheduling.Appointment
	Intent      *scheduling.SlotIntent
}

func (s StepState) Seq() int { return s.Step.OrderIndex }

// anchor is the instant step offsets count from: the current stage, or
// the episode opening when no stage was recorded.
func anchor(ep *episode.Episode, current *episode.StageEvent) time.Time {
	if current != nil {
		return current.At
	}
	return ep.OpenedAt
}

func stepWindow(step catalog.PathwayStep, from time.Time, slack time.Duration) (time.Time, time.Time) {
	target := from.AddDate(0, 0, step.DefaultDaysOffset)
	return target.Add(-slack), target.Add(slack)
}

func refersTo(code *string, seq *int, step catalog.PathwayStep) bool {
	return code != nil && seq != nil && *code == step.StepCode && *seq == step.OrderIndex
}

// deriveSteps computes every step's state in pathway order. A completed
// appointment outranks a booked one; an intent supplies the window when
// present, otherwise the window is computed from the anchor.
func deriveSteps(p *catalog.Pathway, from time.Time, slack time.Duration,
	appts []*scheduling.Appointment, intents []*scheduling.SlotIntent) []StepState {
	if p == nil {
		return nil
	}
	ordered := *p
	ordered.Steps = append([]catalog.PathwayStep(nil), p.Steps...)
	ordered.SortSteps()

	out := make([]StepState, 0, len(ordered.Steps))
	for _, step := range ordered.Steps {
		st := StepState{Step: step, Status: StepPending}
		st.WindowStart, st.WindowEnd = stepWindow(step, from, slack)

		for _, a := range appts {
			if !refersTo(a.StepCode, a.Seq, step) {
				continue
			}
			switch a.Status {
			case scheduling.AppointmentCompleted:
				st.Status, st.Appointment = StepCompleted, a
			case scheduling.AppointmentBooked:
				if st.Status != StepCompleted {
					st.Status, st.Appointment = StepBooked, a
				}
			}
		}
		for _, in := range intents {
			if in.StepCode != step.StepCode || in.Seq != step.OrderIndex {
				continue
			}
			st.Intent = in
			st.WindowStart, st.WindowEnd = in.WindowStart, in.WindowEnd
			if st.Status == StepPending && in.Open() {
				st.Status = StepIntent
			}
		}
		out = append(out, st)
	}
	return out
}

// nextStep returns the first step still needing a slot.
func nextStep(steps []StepState) (*StepState, bool) {
	for i := range steps {
		if !steps[i].Status.Settled() {
			return &steps[i], true
		}
	}
	return nil, false
}
