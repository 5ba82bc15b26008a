package episode

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/internal/platform/db"
	"github.com/ehr/carepath/internal/platform/notification"
)

// StageCatalog validates stage codes against the catalog for a scope.
type StageCatalog interface {
	IsValidStage(ctx context.Context, scope catalog.Scope, code string) (bool, error)
}

type PathwayReader interface {
	GetPathway(ctx context.Context, id uuid.UUID) (*catalog.Pathway, error)
}

// Activator runs when an episode gains both a pathway and a provider. It
// executes inside the assignment transaction.
type Activator interface {
	Activate(ctx context.Context, episodeID uuid.UUID) (int, error)
}

// RecallPolicy raises follow-up tasks when StageCode is recorded.
type RecallPolicy struct {
	StageCode      string
	IntervalMonths []int
}

type Service struct {
	repo      Repository
	tx        db.TxRunner
	stages    StageCatalog
	pathways  PathwayReader
	notifier  notification.Notifier
	recall    RecallPolicy
	activator Activator
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, stages StageCatalog, pathways PathwayReader,
	notifier notification.Notifier, recall RecallPolicy, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{
		repo:     repo,
		tx:       tx,
		stages:   stages,
		pathways: pathways,
		notifier: notifier,
		recall:   recall,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetActivator wires the activation hook. The pre-scheduler depends on
// this package, so it is attached after construction.
func (s *Service) SetActivator(a Activator) { s.activator = a }

func (s *Service) CreateEpisode(ctx context.Context, patientID uuid.UUID, c Classification) (*Episode, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patientId is required")
	}
	if c.IsZero() {
		return nil, apperr.Validation("classification is required")
	}

	ep := &Episode{PatientID: patientID, Classification: c, Status: StatusOpen}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.FindOpen(ctx, patientID, c)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.ErrEpisodeAlreadyOpen.WithCurrent(existing)
		}
		if err := s.repo.Create(ctx, ep); err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.ErrEpisodeAlreadyOpen.Wrap(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("episode_id", ep.ID.String()).Str("classification", c.String()).Msg("episode opened")
	return ep, nil
}

func (s *Service) GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return s.repo.GetByID(ctx, id)
}

// EpisodeExists reports whether id names an episode.
func (s *Service) EpisodeExists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, apperr.ErrEpisodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Episode, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// StageInput records a stage transition. At defaults to now.
type StageInput struct {
	EpisodeID uuid.UUID
	StageCode string
	At        *time.Time
	Note      *string
	Actor     auth.Actor
}

// RecordStage appends a stage event to an open episode. Recording the
// recall stage also raises the recall follow-ups.
func (s *Service) RecordStage(ctx context.Context, in StageInput) (*StageEvent, error) {
	code := strings.TrimSpace(in.StageCode)
	if in.EpisodeID == uuid.Nil {
		return nil, apperr.Validation("episodeId is required")
	}
	if code == "" {
		return nil, apperr.Validation("stageCode is required")
	}

	at := s.now()
	if in.At != nil {
		at = in.At.UTC()
	}
	ev := &StageEvent{EpisodeID: in.EpisodeID, StageCode: code, At: at, Note: in.Note, CreatedBy: in.Actor.ID}
	var recalls []*FollowUpTask

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ep, err := s.repo.GetForUpdate(ctx, in.EpisodeID)
		if err != nil {
			return err
		}
		if !ep.IsOpen() {
			return apperr.ErrEpisodeNotOpen.WithCurrent(ep)
		}
		scope := ep.Classification.Scope()
		ok, err := s.stages.IsValidStage(ctx, scope, code)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrInvalidStage.Withf("stage %s is not in the %s catalog", code, scope.Key())
		}
		if err := s.repo.AppendStage(ctx, ev); err != nil {
			return err
		}
		if code == s.recall.StageCode {
			recalls, err = s.raiseRecalls(ctx, ev)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, notification.Event{
		Type:      notification.EventStageRecorded,
		EpisodeID: ev.EpisodeID.String(),
		Data:      map[string]string{"stage_code": code, "at": at.Format(time.RFC3339), "actor": in.Actor.ID},
	})
	if len(recalls) > 0 {
		s.notifier.Notify(ctx, notification.Event{
			Type:      notification.EventRecallScheduled,
			EpisodeID: ev.EpisodeID.String(),
			Data: map[string]string{
				"count":     strconv.Itoa(len(recalls)),
				"first_due": recalls[0].DueAt.Format("2006-01-02"),
			},
		})
	}
	s.logger.Info().
		Str("episode_id", ev.EpisodeID.String()).
		Str("stage_code", code).
		Int("recalls", len(recalls)).
		Msg("stage recorded")
	return ev, nil
}

// raiseRecalls creates one recall task per configured interval. Tasks
// that already exist for the same due date are skipped.
func (s *Service) raiseRecalls(ctx context.Context, ev *StageEvent) ([]*FollowUpTask, error) {
	var created []*FollowUpTask
	for _, months := range s.recall.IntervalMonths {
		t := &FollowUpTask{
			EpisodeID: ev.EpisodeID,
			Kind:      FollowUpRecall,
			DueAt:     ev.At.AddDate(0, months, 0),
		}
		ok, err := s.repo.CreateFollowUp(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			created = append(created, t)
		}
	}
	return created, nil
}

// CurrentStage returns the latest stage event, or nil before the first.
func (s *Service) CurrentStage(ctx context.Context, episodeID uuid.UUID) (*StageEvent, error) {
	if _, err := s.repo.GetByID(ctx, episodeID); err != nil {
		return nil, err
	}
	return s.repo.CurrentStage(ctx, episodeID)
}

func (s *Service) ListStages(ctx context.Context, episodeID uuid.UUID) ([]*StageEvent, error) {
	if _, err := s.repo.GetByID(ctx, episodeID); err != nil {
		return nil, err
	}
	return s.repo.ListStages(ctx, episodeID)
}

func (s *Service) ListFollowUps(ctx context.Context, episodeID uuid.UUID) ([]*FollowUpTask, error) {
	if _, err := s.repo.GetByID(ctx, episodeID); err != nil {
		return nil, err
	}
	return s.repo.ListFollowUps(ctx, episodeID)
}

// AssignInput carries the fields to set. Nil fields are left unchanged.
type AssignInput struct {
	PathwayID  *uuid.UUID `json:"carePathwayId"`
	ProviderID *uuid.UUID `json:"assignedProviderId"`
}

// AssignPathway sets the pathway and provider. Once both are set the
// activation hook runs in the same transaction, and again whenever the
// pathway changes.
func (s *Service) AssignPathway(ctx context.Context, episodeID uuid.UUID, in AssignInput) (*Episode, error) {
	if in.PathwayID == nil && in.ProviderID == nil {
		return nil, apperr.Validation("carePathwayId or assignedProviderId is required")
	}

	var (
		ep      *Episode
		intents int
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		ep, err = s.repo.GetForUpdate(ctx, episodeID)
		if err != nil {
			return err
		}
		if !ep.IsOpen() {
			return apperr.ErrEpisodeNotOpen.WithCurrent(ep)
		}

		wasActive := ep.Activated()
		pathwayChanged := false
		if in.PathwayID != nil {
			if _, err := s.pathways.GetPathway(ctx, *in.PathwayID); err != nil {
				return err
			}
			pathwayChanged = ep.CarePathwayID == nil || *ep.CarePathwayID != *in.PathwayID
			id := *in.PathwayID
			ep.CarePathwayID = &id
		}
		if in.ProviderID != nil {
			id := *in.ProviderID
			ep.AssignedProviderID = &id
		}
		if err := s.repo.UpdateAssignment(ctx, ep); err != nil {
			return err
		}

		if s.activator != nil && ep.Activated() && (!wasActive || pathwayChanged) {
			intents, err = s.activator.Activate(ctx, ep.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if intents > 0 {
		s.notifier.Notify(ctx, notification.Event{
			Type:      notification.EventIntentsCreated,
			EpisodeID: ep.ID.String(),
			Data:      map[string]string{"count": strconv.Itoa(intents)},
		})
	}
	s.logger.Info().
		Str("episode_id", ep.ID.String()).
		Bool("activated", ep.Activated()).
		Int("intents_created", intents).
		Msg("episode assignment updated")
	return ep, nil
}

// CloseEpisode closes an open episode on staff request.
func (s *Service) CloseEpisode(ctx context.Context, episodeID uuid.UUID, actor auth.Actor) (*Episode, error) {
	var ep *Episode
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		ep, err = s.repo.GetForUpdate(ctx, episodeID)
		if err != nil {
			return err
		}
		if !ep.IsOpen() {
			return apperr.ErrEpisodeNotOpen.WithCurrent(ep)
		}
		at := s.now()
		if err := s.repo.Close(ctx, episodeID, at); err != nil {
			return err
		}
		ep.Status = StatusClosed
		ep.ClosedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notification.Event{
		Type:      notification.EventEpisodeClosed,
		EpisodeID: ep.ID.String(),
		Data:      map[string]string{"actor": actor.ID},
	})
	s.logger.Info().Str("episode_id", ep.ID.String()).Str("actor", actor.ID).Msg("episode closed")
	return ep, nil
}
