package catalog

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

func (r *repoPG) ListStages(ctx context.Context, scope Scope) ([]Stage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if scope.IsTreatmentType() {
		rows, err = r.conn(ctx).Query(ctx, `SELECT code, label, order_index FROM stage_catalog
			WHERE treatment_type_id = $1 ORDER BY order_index, code`, scope.TreatmentTypeID)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `SELECT code, label, order_index FROM stage_catalog
			WHERE reason = $1 ORDER BY order_index, code`, string(scope.Reason))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stages []Stage
	for rows.Next() {
		var s Stage
		if err := rows.Scan(&s.Code, &s.Label, &s.OrderIndex); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

func (r *repoPG) StepLabel(ctx context.Context, code string) (string, bool, error) {
	var label string
	err := r.conn(ctx).QueryRow(ctx, `SELECT label FROM step_catalog WHERE code = $1`, code).Scan(&label)
	if db.IsNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return label, true, nil
}

const pathwayCols = `id, name, description, created_at, updated_at`

func scanPathway(row pgx.Row) (*Pathway, error) {
	var p Pathway
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) CreatePathway(ctx context.Context, p *Pathway) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO care_pathway (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	return r.insertSteps(ctx, p)
}

func (r *repoPG) insertSteps(ctx context.Context, p *Pathway) error {
	for _, s := range p.Steps {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO care_pathway_step (pathway_id, order_index, step_code, pool,
				duration_minutes, default_days_offset, requires_precommit)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, s.OrderIndex, s.StepCode, string(s.Pool),
			s.DurationMinutes, s.DefaultDaysOffset, s.RequiresPrecommit)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetPathway(ctx context.Context, id uuid.UUID) (*Pathway, error) {
	p, err := scanPathway(r.conn(ctx).QueryRow(ctx, `SELECT `+pathwayCols+` FROM care_pathway WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.ErrPathwayNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Steps, err = r.steps(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repoPG) steps(ctx context.Context, pathwayID uuid.UUID) ([]PathwayStep, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT step_code, pool, duration_minutes, default_days_offset, requires_precommit, order_index
		FROM care_pathway_step WHERE pathway_id = $1 ORDER BY order_index`, pathwayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []PathwayStep
	for rows.Next() {
		var s PathwayStep
		var pool string
		if err := rows.Scan(&s.StepCode, &pool, &s.DurationMinutes, &s.DefaultDaysOffset, &s.RequiresPrecommit, &s.OrderIndex); err != nil {
			return nil, err
		}
		s.Pool = Pool(pool)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *repoPG) ListPathways(ctx context.Context, limit, offset int) ([]*Pathway, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM care_pathway`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+pathwayCols+` FROM care_pathway ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var items []*Pathway
	for rows.Next() {
		p, err := scanPathway(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, p := range items {
		if p.Steps, err = r.steps(ctx, p.ID); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *repoPG) UpdatePathway(ctx context.Context, p *Pathway, expectedUpdatedAt time.Time) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE care_pathway SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1 AND updated_at = $4
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, expectedUpdatedAt).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM care_pathway_step WHERE pathway_id = $1`, p.ID); err != nil {
		return false, err
	}
	return true, r.insertSteps(ctx, p)
}
