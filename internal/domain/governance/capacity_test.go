package governance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/apperr"
)

func TestDeriveStatus(t *testing.T) {
	slack := DefaultOptions().IntentSlack
	pathway := &catalog.Pathway{ID: uuid.New(), Steps: standardSteps()}
	prov := provider
	openEp := func(openedAt time.Time) *episode.Episode {
		return &episode.Episode{ID: uuid.New(), Status: episode.StatusOpen, OpenedAt: openedAt,
			CarePathwayID: &pathway.ID, AssignedProviderID: &prov}
	}
	slotAt := func(pool catalog.Pool, start time.Time, state scheduling.SlotState, owner uuid.UUID) *scheduling.Slot {
		return &scheduling.Slot{ID: uuid.New(), ProviderID: owner, StartTime: start, Pool: pool, State: state}
	}
	booked := func(code string, seq int, status scheduling.AppointmentStatus) *scheduling.Appointment {
		return &scheduling.Appointment{ID: uuid.New(), StepCode: &code, Seq: &seq, Status: status}
	}

	tests := []struct {
		name        string
		view        EpisodeView
		wantStatus  episode.Status
		wantBlocked bool
		wantNext    string
	}{
		{
			name:       "closed episode",
			view:       EpisodeView{Episode: &episode.Episode{Status: episode.StatusClosed}, Pathway: pathway},
			wantStatus: episode.StatusClosed,
		},
		{
			name:       "no pathway",
			view:       EpisodeView{Episode: &episode.Episode{Status: episode.StatusOpen, OpenedAt: now}},
			wantStatus: episode.StatusOpen,
		},
		{
			name:       "consult slot in window",
			view:       EpisodeView{Episode: openEp(now), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolConsult, now.Add(days(2)), scheduling.SlotFree, provider)}},
			wantStatus: episode.StatusOpen,
			wantNext:   "CONSULT",
		},
		{
			name:       "flexible slot serves consult",
			view:       EpisodeView{Episode: openEp(now), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolFlexible, now.Add(days(1)), scheduling.SlotFree, provider)}},
			wantStatus: episode.StatusOpen,
			wantNext:   "CONSULT",
		},
		{
			name:        "no slots at all",
			view:        EpisodeView{Episode: openEp(now), Pathway: pathway},
			wantStatus:  episode.StatusBlocked,
			wantBlocked: true,
			wantNext:    "CONSULT",
		},
		{
			name:        "slot after window",
			view:        EpisodeView{Episode: openEp(now), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolConsult, now.Add(days(8)), scheduling.SlotFree, provider)}},
			wantStatus:  episode.StatusBlocked,
			wantBlocked: true,
			wantNext:    "CONSULT",
		},
		{
			name:        "slot of another provider",
			view:        EpisodeView{Episode: openEp(now), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolConsult, now.Add(days(2)), scheduling.SlotFree, uuid.New())}},
			wantStatus:  episode.StatusBlocked,
			wantBlocked: true,
			wantNext:    "CONSULT",
		},
		{
			name:        "slot already booked",
			view:        EpisodeView{Episode: openEp(now), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolConsult, now.Add(days(2)), scheduling.SlotBooked, provider)}},
			wantStatus:  episode.StatusBlocked,
			wantBlocked: true,
			wantNext:    "CONSULT",
		},
		{
			name:        "work slot cannot serve consult",
			view:        EpisodeView{Episode: openEp(now), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolWork, now.Add(days(2)), scheduling.SlotFree, provider)}},
			wantStatus:  episode.StatusBlocked,
			wantBlocked: true,
			wantNext:    "CONSULT",
		},
		{
			name:        "window already closed",
			view:        EpisodeView{Episode: openEp(now.Add(-days(30))), Pathway: pathway, FreeSlots: []*scheduling.Slot{slotAt(catalog.PoolConsult, now.Add(days(1)), scheduling.SlotFree, provider)}},
			wantStatus:  episode.StatusBlocked,
			wantBlocked: true,
			wantNext:    "CONSULT",
		},
		{
			name: "next step follows settled ones",
			view: EpisodeView{
				Episode:      openEp(now.Add(-days(14))),
				Pathway:      pathway,
				Appointments: []*scheduling.Appointment{booked("CONSULT", 1, scheduling.AppointmentCompleted)},
				FreeSlots:    []*scheduling.Slot{slotAt(catalog.PoolWork, now.Add(days(3)), scheduling.SlotFree, provider)},
			},
			wantStatus: episode.StatusOpen,
			wantNext:   "SURGERY",
		},
		{
			name: "every step settled",
			view: EpisodeView{
				Episode: openEp(now),
				Pathway: pathway,
				Appointments: []*scheduling.Appointment{
					booked("CONSULT", 1, scheduling.AppointmentCompleted),
					booked("SURGERY", 2, scheduling.AppointmentCompleted),
					booked("REVISION", 3, scheduling.AppointmentBooked),
					booked("CONTROL", 4, scheduling.AppointmentBooked),
				},
			},
			wantStatus: episode.StatusOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(tt.view, slack, now)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantBlocked, got.Blocked)
			if tt.wantBlocked {
				require.NotNil(t, got.BlockReason)
				assert.Equal(t, BlockedCapacity, *got.BlockReason)
			} else {
				assert.Nil(t, got.BlockReason)
			}
			if tt.wantNext == "" {
				assert.Nil(t, got.NextStep)
			} else {
				require.NotNil(t, got.NextStep)
				assert.Equal(t, tt.wantNext, got.NextStep.Step.StepCode)
			}
		})
	}
}

func TestDeriveStatus_Pure(t *testing.T) {
	p := &catalog.Pathway{ID: uuid.New(), Steps: standardSteps()}
	v := EpisodeView{Episode: &episode.Episode{Status: episode.StatusOpen, OpenedAt: now, CarePathwayID: &p.ID}, Pathway: p}
	first := DeriveStatus(v, time.Hour, now)
	second := DeriveStatus(v, time.Hour, now)
	assert.Equal(t, first, second)
}

func TestMonitor_EvaluateFlipsWhenCapacityAppears(t *testing.T) {
	f := newFixture(t)
	ep := f.episode(f.pathway(standardSteps()))
	ctx := context.Background()

	st, err := f.mon.Evaluate(ctx, ep.ID)
	require.NoError(t, err)
	assert.True(t, st.Blocked)
	assert.Equal(t, episode.StatusBlocked, st.Status)

	// Another provider's capacity does not help.
	other := &scheduling.Slot{ProviderID: uuid.New(), StartTime: now.Add(days(2)), Pool: catalog.PoolConsult}
	require.NoError(t, memSlots{f.store}.CreateSlot(ctx, other))
	st, err = f.mon.Evaluate(ctx, ep.ID)
	require.NoError(t, err)
	assert.True(t, st.Blocked)

	f.slot(catalog.PoolConsult, now.Add(days(2)))
	st, err = f.mon.Evaluate(ctx, ep.ID)
	require.NoError(t, err)
	assert.False(t, st.Blocked)
	assert.Equal(t, episode.StatusOpen, st.Status)
}

func TestMonitor_EvaluateUnknownEpisode(t *testing.T) {
	f := newFixture(t)
	_, err := f.mon.Evaluate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrEpisodeNotFound)
}
