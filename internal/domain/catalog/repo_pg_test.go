package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"

	"github.com/ehr/carepath/internal/platform/apperr"
)

func TestRepoPG_ListStagesByReason(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT code, label, order_index FROM stage_catalog").
		WithArgs("traumatic").
		WillReturnRows(pgxmock.NewRows([]string{"code", "label", "order_index"}).
			AddRow("INTAKE", "Intake", 1).
			AddRow("SURGERY", "Surgery", 2))

	stages, err := NewRepoPG(mock).ListStages(context.Background(), ReasonScope(ReasonTraumatic))
	if err != nil {
		t.Fatalf("ListStages() error: %v", err)
	}
	if len(stages) != 2 || stages[1].Code != "SURGERY" {
		t.Errorf("unexpected stages %+v", stages)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRepoPG_ListStagesByTreatmentType(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	tt := uuid.New()
	mock.ExpectQuery("WHERE treatment_type_id").
		WithArgs(tt).
		WillReturnRows(pgxmock.NewRows([]string{"code", "label", "order_index"}).AddRow("FITTING", "Fitting", 1))

	stages, err := NewRepoPG(mock).ListStages(context.Background(), TreatmentTypeScope(tt))
	if err != nil || len(stages) != 1 {
		t.Fatalf("ListStages() = %v, %v", stages, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRepoPG_GetPathway(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	id := uuid.New()
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	desc := "two-stage reconstruction"
	mock.ExpectQuery("FROM care_pathway WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at", "updated_at"}).
			AddRow(id, "Mandible", &desc, now, now))
	mock.ExpectQuery("FROM care_pathway_step").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"step_code", "pool", "duration_minutes", "default_days_offset", "requires_precommit", "order_index"}).
			AddRow("CONSULT", "consult", 30, 0, false, 1).
			AddRow("SURGERY", "work", 120, 14, true, 2))

	p, err := NewRepoPG(mock).GetPathway(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPathway() error: %v", err)
	}
	if len(p.Steps) != 2 || p.Steps[1].Pool != PoolWork || !p.Steps[1].RequiresPrecommit {
		t.Errorf("unexpected steps %+v", p.Steps)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRepoPG_GetPathwayNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("FROM care_pathway WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = NewRepoPG(mock).GetPathway(context.Background(), id)
	if !errors.Is(err, apperr.ErrPathwayNotFound) {
		t.Fatalf("expected PATHWAY_NOT_FOUND, got %v", err)
	}
}

func TestRepoPG_UpdatePathwayStale(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	p := samplePathway()
	p.ID = uuid.New()
	stale := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE care_pathway SET").
		WithArgs(p.ID, p.Name, pgxmock.AnyArg(), stale).
		WillReturnError(pgx.ErrNoRows)

	ok, err := NewRepoPG(mock).UpdatePathway(context.Background(), p, stale)
	if err != nil || ok {
		t.Fatalf("expected (false, nil) for stale edit, got (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRepoPG_UpdatePathwayReplacesSteps(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	p := samplePathway()
	p.ID = uuid.New()
	read := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE care_pathway SET").
		WithArgs(p.ID, p.Name, pgxmock.AnyArg(), read).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(read, read.Add(time.Minute)))
	mock.ExpectExec("DELETE FROM care_pathway_step").WithArgs(p.ID).WillReturnResult(pgxmock.NewResult("DELETE", 3))
	for _, s := range p.Steps {
		mock.ExpectExec("INSERT INTO care_pathway_step").
			WithArgs(p.ID, s.OrderIndex, s.StepCode, string(s.Pool), s.DurationMinutes, s.DefaultDaysOffset, s.RequiresPrecommit).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	ok, err := NewRepoPG(mock).UpdatePathway(context.Background(), p, read)
	if err != nil || !ok {
		t.Fatalf("UpdatePathway() = %v, %v", ok, err)
	}
	if !p.UpdatedAt.Equal(read.Add(time.Minute)) {
		t.Errorf("expected updatedAt from RETURNING, got %v", p.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRepoPG_StepLabelMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT label FROM step_catalog").WithArgs("NOPE").WillReturnError(pgx.ErrNoRows)
	label, ok, err := NewRepoPG(mock).StepLabel(context.Background(), "NOPE")
	if err != nil || ok || label != "" {
		t.Fatalf("StepLabel() = %q, %v, %v", label, ok, err)
	}
}
