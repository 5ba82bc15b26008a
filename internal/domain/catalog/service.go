package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/db"
)

type Service struct {
	repo   Repository
	tx     db.TxRunner
	cache  StageCache
	logger zerolog.Logger
}

// NewService builds the catalog service. cache may be nil.
func NewService(repo Repository, tx db.TxRunner, cache StageCache, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, cache: cache, logger: logger}
}

func validateScope(scope Scope) error {
	if scope.IsTreatmentType() {
		return nil
	}
	if !scope.Reason.Valid() {
		return apperr.Validation("unknown reason %q", scope.Reason)
	}
	return nil
}

// Stages returns the stage catalog for scope. Cache failures are logged
// and the catalog is read from the database.
func (s *Service) Stages(ctx context.Context, scope Scope) ([]Stage, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	key := scope.Key()
	if s.cache != nil {
		stages, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("scope", key).Msg("stage catalog cache read failed")
		} else if ok {
			return stages, nil
		}
	}

	stages, err := s.repo.ListStages(ctx, scope)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stages); err != nil {
			s.logger.Warn().Err(err).Str("scope", key).Msg("stage catalog cache write failed")
		}
	}
	return stages, nil
}

// GetStageCatalog returns the stage codes valid for scope.
func (s *Service) GetStageCatalog(ctx context.Context, scope Scope) ([]string, error) {
	stages, err := s.Stages(ctx, scope)
	if err != nil {
		return nil, err
	}
	codes := make([]string, len(stages))
	for i, st := range stages {
		codes[i] = st.Code
	}
	return codes, nil
}

func (s *Service) IsValidStage(ctx context.Context, scope Scope, code string) (bool, error) {
	stages, err := s.Stages(ctx, scope)
	if err != nil {
		return false, err
	}
	for _, st := range stages {
		if st.Code == code {
			return true, nil
		}
	}
	return false, nil
}

// GetStepLabel returns the display label for a step code, or the code
// itself when the step catalog has no entry.
func (s *Service) GetStepLabel(ctx context.Context, code string) (string, error) {
	label, ok, err := s.repo.StepLabel(ctx, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return code, nil
	}
	return label, nil
}

func (s *Service) GetPathway(ctx context.Context, id uuid.UUID) (*Pathway, error) {
	p, err := s.repo.GetPathway(ctx, id)
	if err != nil {
		return nil, err
	}
	p.SortSteps()
	return p, nil
}

func (s *Service) ListPathways(ctx context.Context, limit, offset int) ([]*Pathway, int, error) {
	items, total, err := s.repo.ListPathways(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range items {
		p.SortSteps()
	}
	return items, total, nil
}

func validatePathway(p *Pathway) error {
	if p.Name == "" {
		return apperr.Validation("name is required")
	}
	if len(p.Steps) == 0 {
		return apperr.Validation("a pathway needs at least one step")
	}
	seen := make(map[int]bool, len(p.Steps))
	for _, st := range p.Steps {
		if st.StepCode == "" {
			return apperr.Validation("stepCode is required")
		}
		if !st.Pool.Valid() {
			return apperr.Validation("step %s: invalid pool %q", st.StepCode, st.Pool)
		}
		if st.DurationMinutes <= 0 {
			return apperr.Validation("step %s: durationMinutes must be positive", st.StepCode)
		}
		if st.DefaultDaysOffset < 0 {
			return apperr.Validation("step %s: defaultDaysOffset must not be negative", st.StepCode)
		}
		if seen[st.OrderIndex] {
			return apperr.Validation("duplicate orderIndex %d", st.OrderIndex)
		}
		seen[st.OrderIndex] = true
	}
	p.SortSteps()
	return nil
}

func (s *Service) CreatePathway(ctx context.Context, p *Pathway) error {
	if err := validatePathway(p); err != nil {
		return err
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.CreatePathway(ctx, p)
	})
}

// UpdatePathway replaces the pathway's name, description and steps when
// expectedUpdatedAt still matches. A stale edit fails with
// PATHWAY_CONFLICT carrying the stored pathway.
func (s *Service) UpdatePathway(ctx context.Context, p *Pathway, expectedUpdatedAt time.Time) (*Pathway, error) {
	if p.ID == uuid.Nil {
		return nil, apperr.Validation("id is required")
	}
	if expectedUpdatedAt.IsZero() {
		return nil, apperr.Validation("updatedAt is required")
	}
	if err := validatePathway(p); err != nil {
		return nil, err
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.UpdatePathway(ctx, p, expectedUpdatedAt)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		current, err := s.repo.GetPathway(ctx, p.ID)
		if err != nil {
			return err
		}
		current.SortSteps()
		return apperr.ErrPathwayConflict.WithCurrent(current)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
