package episode

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/db"
)

type repoPG struct{ pool db.Querier }

func NewRepoPG(pool db.Querier) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const episodeCols = `id, patient_id, reason, treatment_type_id, care_pathway_id,
	assigned_provider_id, status, opened_at, closed_at`

func scanEpisode(row pgx.Row) (*Episode, error) {
	var (
		e             Episode
		reason        *string
		treatmentType *uuid.UUID
		status        string
	)
	if err := row.Scan(&e.ID, &e.PatientID, &reason, &treatmentType, &e.CarePathwayID,
		&e.AssignedProviderID, &status, &e.OpenedAt, &e.ClosedAt); err != nil {
		return nil, err
	}
	c, err := fromColumns(reason, treatmentType)
	if err != nil {
		return nil, err
	}
	e.Classification = c
	e.Status = Status(status)
	return &e, nil
}

func (r *repoPG) one(ctx context.Context, sql string, args ...interface{}) (*Episode, error) {
	e, err := scanEpisode(r.conn(ctx).QueryRow(ctx, sql, args...))
	if db.IsNoRows(err) {
		return nil, apperr.ErrEpisodeNotFound
	}
	return e, err
}

func (r *repoPG) Create(ctx context.Context, e *Episode) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	reason, treatmentType := e.Classification.columns()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO episode (id, patient_id, reason, treatment_type_id, care_pathway_id,
			assigned_provider_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING opened_at`,
		e.ID, e.PatientID, reason, treatmentType, e.CarePathwayID,
		e.AssignedProviderID, string(e.Status)).Scan(&e.OpenedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return r.one(ctx, `SELECT `+episodeCols+` FROM episode WHERE id = $1`, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return r.one(ctx, `SELECT `+episodeCols+` FROM episode WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) FindOpen(ctx context.Context, patientID uuid.UUID, c Classification) (*Episode, error) {
	reason, treatmentType := c.columns()
	e, err := scanEpisode(r.conn(ctx).QueryRow(ctx, `SELECT `+episodeCols+` FROM episode
		WHERE patient_id = $1 AND status = 'open'
			AND reason IS NOT DISTINCT FROM $2
			AND treatment_type_id IS NOT DISTINCT FROM $3
		LIMIT 1`, patientID, reason, treatmentType))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return e, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Episode, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+episodeCols+` FROM episode
		WHERE patient_id = $1 ORDER BY opened_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) UpdateAssignment(ctx context.Context, e *Episode) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE episode SET care_pathway_id = $2, assigned_provider_id = $3
		WHERE id = $1`,
		e.ID, e.CarePathwayID, e.AssignedProviderID)
	return err
}

func (r *repoPG) Close(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE episode SET status = 'closed', closed_at = $2
		WHERE id = $1 AND status = 'open'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrEpisodeNotOpen
	}
	return nil
}

const stageCols = `id, episode_id, stage_code, at, note, created_by, created_at`

func scanStage(row pgx.Row) (*StageEvent, error) {
	var ev StageEvent
	err := row.Scan(&ev.ID, &ev.EpisodeID, &ev.StageCode, &ev.At, &ev.Note, &ev.CreatedBy, &ev.CreatedAt)
	return &ev, err
}

func (r *repoPG) AppendStage(ctx context.Context, ev *StageEvent) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stage_event (episode_id, stage_code, at, note, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		ev.EpisodeID, ev.StageCode, ev.At, ev.Note, ev.CreatedBy).Scan(&ev.ID, &ev.CreatedAt)
}

func (r *repoPG) CurrentStage(ctx context.Context, episodeID uuid.UUID) (*StageEvent, error) {
	ev, err := scanStage(r.conn(ctx).QueryRow(ctx, `SELECT `+stageCols+` FROM stage_event
		WHERE episode_id = $1 ORDER BY at DESC, id DESC LIMIT 1`, episodeID))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *repoPG) ListStages(ctx context.Context, episodeID uuid.UUID) ([]*StageEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stageCols+` FROM stage_event
		WHERE episode_id = $1 ORDER BY at, id`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StageEvent
	for rows.Next() {
		ev, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateFollowUp(ctx context.Context, t *FollowUpTask) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO follow_up_task (id, episode_id, kind, due_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (episode_id, kind, due_at) DO NOTHING`,
		t.ID, t.EpisodeID, t.Kind, t.DueAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListFollowUps(ctx context.Context, episodeID uuid.UUID) ([]*FollowUpTask, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, episode_id, kind, due_at, created_at
		FROM follow_up_task WHERE episode_id = $1 ORDER BY due_at`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FollowUpTask
	for rows.Next() {
		var t FollowUpTask
		if err := rows.Scan(&t.ID, &t.EpisodeID, &t.Kind, &t.DueAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}
