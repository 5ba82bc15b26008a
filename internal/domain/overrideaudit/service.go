package overrideaudit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/internal/platform/notification"
)

// EpisodeChecker confirms an episode exists.
type EpisodeChecker interface {
	EpisodeExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Observer counts granted overrides; *metrics.GovernanceMetrics satisfies it.
type Observer interface {
	ObserveOverride(rule, role string)
}

type Service struct {
	repo     Repository
	episodes EpisodeChecker
	notifier notification.Notifier
	observer Observer
	logger   zerolog.Logger
}

func NewService(repo Repository, episodes EpisodeChecker, notifier notification.Notifier,
	observer Observer, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{repo: repo, episodes: episodes, notifier: notifier, observer: observer, logger: logger}
}

// CanOverride reports whether role may bypass governance rules.
func CanOverride(role string) bool {
	return role == auth.RoleAdmin || role == auth.RoleSurgeon
}

type Input struct {
	EpisodeID  *uuid.UUID
	Actor      auth.Actor
	Rule       Rule
	Reason     string
	SlotID     *uuid.UUID
	CorrectsID *uuid.UUID
}

// RecordOverride validates and inserts one audit row. It joins the
// caller's transaction when ctx carries one, so a governor can write the
// row before its slot update.
func (s *Service) RecordOverride(ctx context.Context, in Input) (*Entry, error) {
	reason, err := ValidateReason(in.Reason)
	if err != nil {
		return nil, err
	}
	if in.Actor.ID == "" {
		return nil, apperr.Validation("actor is required")
	}
	if !CanOverride(in.Actor.Role) {
		return nil, apperr.ErrOverrideNotAuthorized
	}
	if in.Rule == "" {
		in.Rule = RuleManual
	}
	if !in.Rule.Valid() {
		return nil, apperr.Validation("unknown rule %q", in.Rule)
	}
	if in.EpisodeID != nil && s.episodes != nil {
		ok, err := s.episodes.EpisodeExists(ctx, *in.EpisodeID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.ErrEpisodeNotFound
		}
	}
	if in.CorrectsID != nil {
		orig, err := s.repo.GetByID(ctx, *in.CorrectsID)
		if err != nil {
			return nil, err
		}
		if !sameEpisode(orig.EpisodeID, in.EpisodeID) {
			return nil, apperr.Validation("correctsId belongs to a different episode")
		}
	}

	e := &Entry{
		EpisodeID:  in.EpisodeID,
		Actor:      in.Actor.ID,
		ActorRole:  in.Actor.Role,
		Rule:       in.Rule,
		Reason:     reason,
		SlotID:     in.SlotID,
		CorrectsID: in.CorrectsID,
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Announce logs, counts and publishes a committed override.
func (s *Service) Announce(ctx context.Context, e *Entry) {
	episodeID := ""
	if e.EpisodeID != nil {
		episodeID = e.EpisodeID.String()
	}
	s.logger.Warn().
		Str("override_id", e.ID.String()).
		Str("episode_id", episodeID).
		Str("actor", e.Actor).
		Str("actor_role", e.ActorRole).
		Str("rule", string(e.Rule)).
		Msg("governance override recorded")
	if s.observer != nil {
		s.observer.ObserveOverride(string(e.Rule), e.ActorRole)
	}
	s.notifier.Notify(ctx, notification.Event{
		Type:      notification.EventOverrideGranted,
		EpisodeID: episodeID,
		Data: map[string]string{
			"actor":      e.Actor,
			"actor_role": e.ActorRole,
			"rule":       string(e.Rule),
			"reason":     e.Reason,
		},
	})
}

func (s *Service) GetOverride(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByEpisode(ctx context.Context, episodeID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	if s.episodes != nil {
		ok, err := s.episodes.EpisodeExists(ctx, episodeID)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, apperr.ErrEpisodeNotFound
		}
	}
	return s.repo.ListByEpisode(ctx, episodeID, limit, offset)
}

func sameEpisode(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
