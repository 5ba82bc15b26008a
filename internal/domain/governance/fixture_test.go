package governance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/overrideaudit"
	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/internal/platform/metrics"
	"github.com/ehr/carepath/internal/platform/notification"
)

var (
	now      = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	provider = uuid.MustParse("0f8e4c1a-9a51-4d3e-8d0c-2b7f4f6a1c01")

	scheduler = auth.Actor{ID: "sched-1", Role: auth.RoleScheduler}
	surgeon   = auth.Actor{ID: "dr-ortiz", Role: auth.RoleSurgeon}
	admin     = auth.Actor{ID: "root", Role: auth.RoleAdmin}
	patient   = auth.Actor{ID: "pt-portal", Role: auth.RolePatient}
)

// standardSteps is consult, two work steps and a control visit.
func standardSteps() []catalog.PathwayStep {
	return []catalog.PathwayStep{
		{StepCode: "CONSULT", Pool: catalog.PoolConsult, DurationMinutes: 30, DefaultDaysOffset: 0, OrderIndex: 1},
		{StepCode: "SURGERY", Pool: catalog.PoolWork, DurationMinutes: 120, DefaultDaysOffset: 14, OrderIndex: 2},
		{StepCode: "REVISION", Pool: catalog.PoolWork, DurationMinutes: 90, DefaultDaysOffset: 28, OrderIndex: 3},
		{StepCode: "CONTROL", Pool: catalog.PoolControl, DurationMinutes: 20, DefaultDaysOffset: 42, OrderIndex: 4},
	}
}

func precommitSteps() []catalog.PathwayStep {
	return []catalog.PathwayStep{
		{StepCode: "STAGE_1", Pool: catalog.PoolWork, DefaultDaysOffset: 7, RequiresPrecommit: true, OrderIndex: 1},
		{StepCode: "STAGE_2", Pool: catalog.PoolWork, DefaultDaysOffset: 14, RequiresPrecommit: true, OrderIndex: 2},
		{StepCode: "STAGE_3", Pool: catalog.PoolWork, DefaultDaysOffset: 21, RequiresPrecommit: true, OrderIndex: 3},
	}
}

type fixture struct {
	t        *testing.T
	store    *memStore
	notes    *notification.Recorder
	registry *prometheus.Registry
	deps     Deps
	gov      *Governor
	mon      *Monitor
	pre      *PreScheduler
	proj     *Projector
	audit    *overrideaudit.Service
	episodes *episode.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore(now)
	notes := &notification.Recorder{}
	reg := prometheus.NewRegistry()
	m := metrics.NewGovernanceMetrics(reg)
	audit := overrideaudit.NewService(memAudit{store}, store, notes, m, zerolog.Nop())

	deps := Deps{
		Episodes: memEpisodes{store},
		Slots:    memSlots{store},
		Pathways: store,
		Audit:    audit,
		Tx:       store,
		Notifier: notes,
		Metrics:  m,
		Logger:   zerolog.Nop(),
	}
	opts := DefaultOptions()

	gov := NewGovernor(deps)
	gov.now = func() time.Time { return now }
	mon := NewMonitor(deps, opts)
	mon.now = func() time.Time { return now }
	pre := NewPreScheduler(deps, opts)

	episodes := episode.NewService(memEpisodes{store}, store, nil, store, notes,
		episode.RecallPolicy{}, zerolog.Nop())
	episodes.SetActivator(pre)

	return &fixture{
		t: t, store: store, notes: notes, registry: reg, deps: deps,
		gov: gov, mon: mon, pre: pre, proj: NewProjector(mon), audit: audit, episodes: episodes,
	}
}

func (f *fixture) pathway(steps []catalog.PathwayStep) *catalog.Pathway {
	p := catalog.Pathway{ID: uuid.New(), Name: "test pathway", Steps: steps}
	f.store.PutPathway(p)
	return &p
}

// episode opens an episode at now. A non-nil pathway is assigned together
// with provider straight through the repository, so no intents are laid.
func (f *fixture) episode(p *catalog.Pathway) *episode.Episode {
	f.t.Helper()
	c, err := episode.ByReason(catalog.ReasonTraumatic)
	require.NoError(f.t, err)
	ep := &episode.Episode{PatientID: uuid.New(), Classification: c, Status: episode.StatusOpen, OpenedAt: now}
	require.NoError(f.t, memEpisodes{f.store}.Create(context.Background(), ep))
	if p == nil {
		return ep
	}
	pid, prov := p.ID, provider
	ep.CarePathwayID, ep.AssignedProviderID = &pid, &prov
	require.NoError(f.t, memEpisodes{f.store}.UpdateAssignment(context.Background(), ep))
	return ep
}

func (f *fixture) slot(pool catalog.Pool, start time.Time) *scheduling.Slot {
	f.t.Helper()
	s := &scheduling.Slot{ProviderID: provider, StartTime: start, EndTime: start.Add(time.Hour), Pool: pool}
	require.NoError(f.t, memSlots{f.store}.CreateSlot(context.Background(), s))
	return s
}

func (f *fixture) book(ep *episode.Episode, slot *scheduling.Slot, via scheduling.CreatedVia, actor auth.Actor, reason *string) (*Booking, error) {
	req := BookingRequest{SlotID: slot.ID, CreatedVia: via, Actor: actor, OverrideReason: reason}
	if ep != nil {
		req.EpisodeID = &ep.ID
	}
	return f.gov.AttemptBooking(context.Background(), req)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func ptr[T any](v T) *T { return &v }
