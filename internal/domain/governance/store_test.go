package governance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/overrideaudit"
	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/apperr"
)

// memStore is an in-memory database for governance tests. Transactions
// are serialized, which stands in for row locks, and roll back to a
// snapshot on error. Nested InTx calls join the outer transaction.
type memStore struct {
	txMu sync.Mutex

	mu        sync.Mutex
	data      memData
	journal   []string
	failWrite string
	clock     time.Time
}

type memData struct {
	episodes  map[uuid.UUID]episode.Episode
	stages    []episode.StageEvent
	followUps []episode.FollowUpTask
	slots     map[uuid.UUID]scheduling.Slot
	appts     []scheduling.Appointment
	intents   []scheduling.SlotIntent
	audit     []overrideaudit.Entry
	pathways  map[uuid.UUID]catalog.Pathway
}

func (d memData) clone() memData {
	c := memData{
		episodes:  make(map[uuid.UUID]episode.Episode, len(d.episodes)),
		stages:    append([]episode.StageEvent(nil), d.stages...),
		followUps: append([]episode.FollowUpTask(nil), d.followUps...),
		slots:     make(map[uuid.UUID]scheduling.Slot, len(d.slots)),
		appts:     append([]scheduling.Appointment(nil), d.appts...),
		intents:   append([]scheduling.SlotIntent(nil), d.intents...),
		audit:     append([]overrideaudit.Entry(nil), d.audit...),
		pathways:  make(map[uuid.UUID]catalog.Pathway, len(d.pathways)),
	}
	for k, v := range d.episodes {
		c.episodes[k] = v
	}
	for k, v := range d.slots {
		c.slots[k] = v
	}
	for k, v := range d.pathways {
		c.pathways[k] = v
	}
	return c
}

func newMemStore(clock time.Time) *memStore {
	return &memStore{
		clock: clock,
		data: memData{
			episodes: make(map[uuid.UUID]episode.Episode),
			slots:    make(map[uuid.UUID]scheduling.Slot),
			pathways: make(map[uuid.UUID]catalog.Pathway),
		},
	}
}

type txKey struct{}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = snap
		s.mu.Unlock()
		return err
	}
	return nil
}

// write records a mutation in the journal and fails it when asked to.
// Callers hold s.mu.
func (s *memStore) write(name string) error {
	if s.failWrite == name {
		return fmt.Errorf("injected failure on %s", name)
	}
	s.journal = append(s.journal, name)
	return nil
}

func (s *memStore) Journal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.journal...)
}

func (s *memStore) FailOn(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = name
}

// ---- pathways ----

func (s *memStore) PutPathway(p catalog.Pathway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.pathways[p.ID] = p
}

func (s *memStore) GetPathway(_ context.Context, id uuid.UUID) (*catalog.Pathway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.pathways[id]
	if !ok {
		return nil, apperr.ErrPathwayNotFound
	}
	p.Steps = append([]catalog.PathwayStep(nil), p.Steps...)
	p.SortSteps()
	return &p, nil
}

func (s *memStore) GetStepLabel(_ context.Context, code string) (string, error) {
	return code, nil
}

func (s *memStore) EpisodeExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.episodes[id]
	return ok, nil
}

// ---- episodes: memEpisodes implements episode.Repository ----

type memEpisodes struct{ *memStore }

func (s memEpisodes) Create(_ context.Context, e *episode.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OpenedAt.IsZero() {
		e.OpenedAt = s.clock
	}
	s.data.episodes[e.ID] = *e
	return nil
}

func (s memEpisodes) GetByID(_ context.Context, id uuid.UUID) (*episode.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.episodes[id]
	if !ok {
		return nil, apperr.ErrEpisodeNotFound
	}
	return &e, nil
}

func (s memEpisodes) GetForUpdate(ctx context.Context, id uuid.UUID) (*episode.Episode, error) {
	return s.GetByID(ctx, id)
}

func (s memEpisodes) FindOpen(_ context.Context, patientID uuid.UUID, c episode.Classification) (*episode.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.data.episodes {
		if e.PatientID == patientID && e.Classification == c && e.IsOpen() {
			return &e, nil
		}
	}
	return nil, nil
}

func (s memEpisodes) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*episode.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*episode.Episode
	for _, e := range s.data.episodes {
		if e.PatientID == patientID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s memEpisodes) UpdateAssignment(_ context.Context, e *episode.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.data.episodes[e.ID]
	if !ok {
		return apperr.ErrEpisodeNotFound
	}
	stored.CarePathwayID, stored.AssignedProviderID = e.CarePathwayID, e.AssignedProviderID
	s.data.episodes[e.ID] = stored
	return nil
}

func (s memEpisodes) Close(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.episodes[id]
	if !ok || !e.IsOpen() {
		return apperr.ErrEpisodeNotOpen
	}
	e.Status, e.ClosedAt = episode.StatusClosed, &at
	s.data.episodes[id] = e
	return nil
}

func (s memEpisodes) AppendStage(_ context.Context, ev *episode.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.data.stages) + 1)
	ev.CreatedAt = s.clock
	s.data.stages = append(s.data.stages, *ev)
	return nil
}

func (s memEpisodes) CurrentStage(_ context.Context, episodeID uuid.UUID) (*episode.StageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *episode.StageEvent
	for i := range s.data.stages {
		ev := s.data.stages[i]
		if ev.EpisodeID != episodeID {
			continue
		}
		if cur == nil || ev.At.After(cur.At) || (ev.At.Equal(cur.At) && ev.ID > cur.ID) {
			cur = &ev
		}
	}
	return cur, nil
}

func (s memEpisodes) ListStages(_ context.Context, episodeID uuid.UUID) ([]*episode.StageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*episode.StageEvent
	for _, ev := range s.data.stages {
		if ev.EpisodeID == episodeID {
			ev := ev
			out = append(out, &ev)
		}
	}
	return out, nil
}

func (s memEpisodes) CreateFollowUp(_ context.Context, t *episode.FollowUpTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.data.followUps {
		if f.EpisodeID == t.EpisodeID && f.Kind == t.Kind && f.DueAt.Equal(t.DueAt) {
			return false, nil
		}
	}
	t.ID = uuid.New()
	s.data.followUps = append(s.data.followUps, *t)
	return true, nil
}

func (s memEpisodes) ListFollowUps(_ context.Context, episodeID uuid.UUID) ([]*episode.FollowUpTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*episode.FollowUpTask
	for _, f := range s.data.followUps {
		if f.EpisodeID == episodeID {
			f := f
			out = append(out, &f)
		}
	}
	return out, nil
}

// ---- slots: memSlots implements scheduling.Repository ----

type memSlots struct{ *memStore }

func (s memSlots) CreateSlot(_ context.Context, sl *scheduling.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.ID == uuid.Nil {
		sl.ID = uuid.New()
	}
	if sl.State == "" {
		sl.State = scheduling.SlotFree
	}
	s.data.slots[sl.ID] = *sl
	return nil
}

func (s memSlots) GetSlot(_ context.Context, id uuid.UUID) (*scheduling.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.data.slots[id]
	if !ok {
		return nil, apperr.ErrSlotNotFound
	}
	return &sl, nil
}

func (s memSlots) LockSlot(ctx context.Context, id uuid.UUID) (*scheduling.Slot, error) {
	return s.GetSlot(ctx, id)
}

func (s memSlots) SetSlotState(_ context.Context, id uuid.UUID, state scheduling.SlotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write("slot:" + string(state)); err != nil {
		return err
	}
	sl, ok := s.data.slots[id]
	if !ok {
		return apperr.ErrSlotNotFound
	}
	sl.State = state
	s.data.slots[id] = sl
	return nil
}

func (s memSlots) ListSlots(_ context.Context, f scheduling.SlotFilter, limit, offset int) ([]*scheduling.Slot, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*scheduling.Slot
	for _, sl := range s.data.slots {
		if len(f.Pools) > 0 && !containsPool(f.Pools, sl.Pool) {
			continue
		}
		if f.ProviderID != nil && sl.ProviderID != *f.ProviderID {
			continue
		}
		if f.State != "" && sl.State != f.State {
			continue
		}
		if f.From != nil && sl.StartTime.Before(*f.From) {
			continue
		}
		if f.To != nil && sl.StartTime.After(*f.To) {
			continue
		}
		sl := sl
		all = append(all, &sl)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.Before(all[j].StartTime) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func containsPool(pools []catalog.Pool, p catalog.Pool) bool {
	for _, x := range pools {
		if x == p {
			return true
		}
	}
	return false
}

func (s memSlots) CreateAppointment(_ context.Context, a *scheduling.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write("appointment"); err != nil {
		return err
	}
	for _, x := range s.data.appts {
		if x.SlotID == a.SlotID && x.IsActive() {
			return apperr.ErrSlotNotFree
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = s.clock
	a.SlotStart = s.data.slots[a.SlotID].StartTime
	s.data.appts = append(s.data.appts, *a)
	return nil
}

func (s memSlots) GetAppointment(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.data.appts {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, apperr.ErrAppointmentNotFound
}

func (s memSlots) LockAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return s.GetAppointment(ctx, id)
}

func (s memSlots) SetAppointmentStatus(_ context.Context, id uuid.UUID, status scheduling.AppointmentStatus, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write("appointment:" + string(status)); err != nil {
		return err
	}
	for i := range s.data.appts {
		if s.data.appts[i].ID == id {
			s.data.appts[i].Status = status
			if reason != nil {
				s.data.appts[i].CancelReason = reason
			}
			return nil
		}
	}
	return apperr.ErrAppointmentNotFound
}

func (s memSlots) ActiveAppointmentForSlot(_ context.Context, slotID uuid.UUID) (*scheduling.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.data.appts {
		if a.SlotID == slotID && a.IsActive() {
			return &a, nil
		}
	}
	return nil, nil
}

func (s memSlots) ListAppointmentsByEpisode(_ context.Context, episodeID uuid.UUID) ([]*scheduling.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduling.Appointment
	for _, a := range s.data.appts {
		if a.EpisodeID != nil && *a.EpisodeID == episodeID {
			a := a
			out = append(out, &a)
		}
	}
	return out, nil
}

func (s memSlots) CountFutureBooked(_ context.Context, episodeID uuid.UUID, pool catalog.Pool, after time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.data.appts {
		if a.EpisodeID != nil && *a.EpisodeID == episodeID && a.IsActive() && a.Pool == pool && a.SlotStart.After(after) {
			n++
		}
	}
	return n, nil
}

func (s memSlots) UpsertIntent(_ context.Context, in *scheduling.SlotIntent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.data.intents {
		if x.EpisodeID == in.EpisodeID && x.StepCode == in.StepCode && x.Seq == in.Seq {
			return false, nil
		}
	}
	if err := s.write("intent:upsert"); err != nil {
		return false, err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	in.CreatedAt = s.clock
	s.data.intents = append(s.data.intents, *in)
	return true, nil
}

func (s memSlots) ListIntents(_ context.Context, episodeID uuid.UUID) ([]*scheduling.SlotIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduling.SlotIntent
	for _, in := range s.data.intents {
		if in.EpisodeID == episodeID {
			in := in
			out = append(out, &in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s memSlots) ConsumeIntent(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write("intent:consume"); err != nil {
		return err
	}
	for i := range s.data.intents {
		if s.data.intents[i].ID == id {
			s.data.intents[i].ConsumedAt = &at
		}
	}
	return nil
}

func (s memSlots) ReopenIntent(_ context.Context, episodeID uuid.UUID, stepCode string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.intents {
		in := &s.data.intents[i]
		if in.EpisodeID == episodeID && in.StepCode == stepCode && in.Seq == seq {
			in.ConsumedAt = nil
		}
	}
	return nil
}

// ---- audit: memAudit implements overrideaudit.Repository ----

type memAudit struct{ *memStore }

func (s memAudit) Insert(_ context.Context, e *overrideaudit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write("audit"); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = s.clock
	s.data.audit = append(s.data.audit, *e)
	return nil
}

func (s memAudit) GetByID(_ context.Context, id uuid.UUID) (*overrideaudit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.data.audit {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, apperr.ErrOverrideNotFound
}

func (s memAudit) ListByEpisode(_ context.Context, episodeID uuid.UUID, limit, offset int) ([]*overrideaudit.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*overrideaudit.Entry
	for _, e := range s.data.audit {
		if e.EpisodeID != nil && *e.EpisodeID == episodeID {
			e := e
			out = append(out, &e)
		}
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// ---- assertions helpers ----

func (s *memStore) auditRows() []overrideaudit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]overrideaudit.Entry(nil), s.data.audit...)
}

func (s *memStore) appointmentsForSlot(slotID uuid.UUID) []scheduling.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduling.Appointment
	for _, a := range s.data.appts {
		if a.SlotID == slotID {
			out = append(out, a)
		}
	}
	return out
}

func (s *memStore) slotState(id uuid.UUID) scheduling.SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.slots[id].State
}

var (
	_ episode.Repository       = memEpisodes{}
	_ scheduling.Repository    = memSlots{}
	_ overrideaudit.Repository = memAudit{}
)
