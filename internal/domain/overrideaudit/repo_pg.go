package overrideaudit

import (
	"context"

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

const entryCols = `id, episode_id, actor, actor_role, rule, reason, slot_id, corrects_id, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e    Entry
		rule string
	)
	if err := row.Scan(&e.ID, &e.EpisodeID, &e.Actor, &e.ActorRole, &rule, &e.Reason,
		&e.SlotID, &e.CorrectsID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Rule = Rule(rule)
	return &e, nil
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO override_audit (id, episode_id, actor, actor_role, rule, reason, slot_id, corrects_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		e.ID, e.EpisodeID, e.Actor, e.ActorRole, string(e.Rule), e.Reason, e.SlotID, e.CorrectsID,
	).Scan(&e.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM override_audit WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.ErrOverrideNotFound
	}
	return e, err
}

func (r *repoPG) ListByEpisode(ctx context.Context, episodeID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM override_audit WHERE episode_id = $1`, episodeID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM override_audit
		WHERE episode_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, episodeID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
