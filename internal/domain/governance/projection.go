package governance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
)

type ProjectedStep struct {
	StepCode          string       `json:"stepCode"`
	Label             string       `json:"label"`
	Seq               int          `json:"seq"`
	Pool              catalog.Pool `json:"pool"`
	OrderIndex        int          `json:"orderIndex"`
	RequiresPrecommit bool         `json:"requiresPrecommit"`
	Status            StepStatus   `json:"status"`
	WindowStart       time.Time    `json:"windowStart"`
	WindowEnd         time.Time    `json:"windowEnd"`
	AppointmentID     *uuid.UUID   `json:"appointmentId,omitempty"`
	SlotStart         *time.Time   `json:"slotStart,omitempty"`
}

type Summary struct {
	CurrentStage       *string        `json:"currentStage"`
	CurrentStageAt     *time.Time     `json:"currentStageAt"`
	NextStep           *string        `json:"nextStep"`
	FutureWorkBookings int            `json:"futureWorkBookings"`
	CompletedSteps     int            `json:"completedSteps"`
	TotalSteps         int            `json:"totalSteps"`
	OpenIntents        int            `json:"openIntents"`
	Status             episode.Status `json:"status"`
}

// Projection is the read model served for one episode.
type Projection struct {
	EpisodeID     uuid.UUID       `json:"episodeId"`
	PatientID     uuid.UUID       `json:"patientId"`
	CarePathwayID *uuid.UUID      `json:"carePathwayId"`
	Steps         []ProjectedStep `json:"steps"`
	Blocked       bool            `json:"blocked"`
	BlockReason   *string         `json:"blockReason"`
	Summary       Summary         `json:"summary"`
}

// Projector assembles projections from the monitor's view.
type Projector struct {
	monitor *Monitor
	labels  PathwayReader
}

func NewProjector(monitor *Monitor) *Projector {
	return &Projector{monitor: monitor, labels: monitor.deps.Pathways}
}

func (p *Projector) Project(ctx context.Context, episodeID uuid.UUID) (*Projection, error) {
	v, err := p.monitor.Load(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	now := p.monitor.now()
	status := DeriveStatus(*v, p.monitor.opts.IntentSlack, now)
	p.monitor.deps.Metrics.ObserveCapacity(status.Blocked)

	ep := v.Episode
	out := &Projection{
		EpisodeID:     ep.ID,
		PatientID:     ep.PatientID,
		CarePathwayID: ep.CarePathwayID,
		Steps:         []ProjectedStep{},
		Blocked:       status.Blocked,
		BlockReason:   status.BlockReason,
		Summary:       Summary{Status: status.Status},
	}
	if v.CurrentStage != nil {
		code, at := v.CurrentStage.StageCode, v.CurrentStage.At
		out.Summary.CurrentStage, out.Summary.CurrentStageAt = &code, &at
	}
	if status.NextStep != nil {
		code := status.NextStep.Step.StepCode
		out.Summary.NextStep = &code
	}
	for _, a := range v.Appointments {
		if a.IsActive() && a.Pool == catalog.PoolWork && a.SlotStart.After(now) {
			out.Summary.FutureWorkBookings++
		}
	}
	for _, in := range v.Intents {
		if in.Open() {
			out.Summary.OpenIntents++
		}
	}

	steps := deriveSteps(v.Pathway, anchor(ep, v.CurrentStage), p.monitor.opts.IntentSlack, v.Appointments, v.Intents)
	out.Summary.TotalSteps = len(steps)
	for _, st := range steps {
		label, err := p.labels.GetStepLabel(ctx, st.Step.StepCode)
		if err != nil {
			return nil, err
		}
		ps := ProjectedStep{
			StepCode:          st.Step.StepCode,
			Label:             label,
			Seq:               st.Seq(),
			Pool:              st.Step.Pool,
			OrderIndex:        st.Step.OrderIndex,
			RequiresPrecommit: st.Step.RequiresPrecommit,
			Status:            st.Status,
			WindowStart:       st.WindowStart,
			WindowEnd:         st.WindowEnd,
		}
		if st.Appointment != nil {
			id, start := st.Appointment.ID, st.Appointment.SlotStart
			ps.AppointmentID, ps.SlotStart = &id, &start
		}
		if st.Status == StepCompleted {
			out.Summary.CompletedSteps++
		}
		out.Steps = append(out.Steps, ps)
	}
	return out, nil
}
