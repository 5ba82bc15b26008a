package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/db"
)

type repoPG struct{ pool db.Querier }

func NewRepoPG(pool db.Querier) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// =========== Slots ===========

const slotCols = `id, provider_id, start_time, end_time, pool, state, slot_purpose, created_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var (
		s           Slot
		pool, state string
	)
	if err := row.Scan(&s.ID, &s.ProviderID, &s.StartTime, &s.EndTime, &pool, &state, &s.SlotPurpose, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Pool = catalog.Pool(pool)
	s.State = SlotState(state)
	return &s, nil
}

func (r *repoPG) oneSlot(ctx context.Context, sql string, id uuid.UUID) (*Slot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, apperr.ErrSlotNotFound
	}
	return s, err
}

func (r *repoPG) CreateSlot(ctx context.Context, s *Slot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO slot (id, provider_id, start_time, end_time, pool, state, slot_purpose)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		s.ID, s.ProviderID, s.StartTime, s.EndTime, string(s.Pool), string(s.State), s.SlotPurpose).Scan(&s.CreatedAt)
}

func (r *repoPG) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.oneSlot(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id)
}

func (r *repoPG) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.oneSlot(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) SetSlotState(ctx context.Context, id uuid.UUID, state SlotState) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE slot SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrSlotNotFound
	}
	return nil
}

func (r *repoPG) ListSlots(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if len(f.Pools) > 0 {
		pools := make([]string, len(f.Pools))
		for i, p := range f.Pools {
			pools[i] = string(p)
		}
		where += fmt.Sprintf(` AND pool = ANY($%d)`, idx)
		args = append(args, pools)
		idx++
	}
	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.State != "" {
		where += fmt.Sprintf(` AND state = $%d`, idx)
		args = append(args, string(f.State))
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND start_time >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND start_time <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM slot`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + slotCols + ` FROM slot` + where +
		fmt.Sprintf(` ORDER BY start_time, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Appointments ===========

const apptCols = `a.id, a.slot_id, a.episode_id, a.patient_id, a.step_code, a.seq, a.pool,
	a.created_via, a.status, a.approval_status, a.cancel_reason, a.created_by, a.created_at, s.start_time`

const apptFrom = ` FROM appointment a JOIN slot s ON s.id = a.slot_id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a                 Appointment
		pool, via, status string
	)
	if err := row.Scan(&a.ID, &a.SlotID, &a.EpisodeID, &a.PatientID, &a.StepCode, &a.Seq, &pool,
		&via, &status, &a.ApprovalStatus, &a.CancelReason, &a.CreatedBy, &a.CreatedAt, &a.SlotStart); err != nil {
		return nil, err
	}
	a.Pool = catalog.Pool(pool)
	a.CreatedVia = CreatedVia(via)
	a.Status = AppointmentStatus(status)
	return &a, nil
}

func (r *repoPG) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, slot_id, episode_id, patient_id, step_code, seq, pool,
			created_via, status, approval_status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		a.ID, a.SlotID, a.EpisodeID, a.PatientID, a.StepCode, a.Seq, string(a.Pool),
		string(a.CreatedVia), string(a.Status), a.ApprovalStatus, a.CreatedBy).Scan(&a.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.ErrSlotNotFree.Wrap(err)
	}
	return err
}

func (r *repoPG) oneAppointment(ctx context.Context, sql string, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, apperr.ErrAppointmentNotFound
	}
	return a, err
}

func (r *repoPG) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.oneAppointment(ctx, `SELECT `+apptCols+apptFrom+` WHERE a.id = $1`, id)
}

func (r *repoPG) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.oneAppointment(ctx, `SELECT `+apptCols+apptFrom+` WHERE a.id = $1 FOR UPDATE OF a`, id)
}

func (r *repoPG) SetAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, reason *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status = $2, cancel_reason = COALESCE($3, cancel_reason)
		WHERE id = $1`, id, string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrAppointmentNotFound
	}
	return nil
}

func (r *repoPG) ActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+apptFrom+` WHERE a.slot_id = $1 AND a.status = 'booked'`, slotID))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

func (r *repoPG) ListAppointmentsByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+apptFrom+` WHERE a.episode_id = $1 ORDER BY s.start_time, a.id`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) CountFutureBooked(ctx context.Context, episodeID uuid.UUID, pool catalog.Pool, after time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)`+apptFrom+`
		WHERE a.episode_id = $1 AND a.status = 'booked' AND a.pool = $2 AND s.start_time > $3`,
		episodeID, string(pool), after).Scan(&n)
	return n, err
}

// =========== Intents ===========

const intentCols = `id, episode_id, step_code, seq, pool, window_start, window_end, consumed_at, created_at`

func (r *repoPG) UpsertIntent(ctx context.Context, in *SlotIntent) (bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO slot_intent (id, episode_id, step_code, seq, pool, window_start, window_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (episode_id, step_code, seq) DO NOTHING`,
		in.ID, in.EpisodeID, in.StepCode, in.Seq, string(in.Pool), in.WindowStart, in.WindowEnd)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListIntents(ctx context.Context, episodeID uuid.UUID) ([]*SlotIntent, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+intentCols+` FROM slot_intent
		WHERE episode_id = $1 ORDER BY seq`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SlotIntent
	for rows.Next() {
		var (
			in   SlotIntent
			pool string
		)
		if err := rows.Scan(&in.ID, &in.EpisodeID, &in.StepCode, &in.Seq, &pool,
			&in.WindowStart, &in.WindowEnd, &in.ConsumedAt, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.Pool = catalog.Pool(pool)
		items = append(items, &in)
	}
	return items, rows.Err()
}

func (r *repoPG) ConsumeIntent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE slot_intent SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, id, at)
	return err
}

func (r *repoPG) ReopenIntent(ctx context.Context, episodeID uuid.UUID, stepCode string, seq int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE slot_intent SET consumed_at = NULL
		WHERE episode_id = $1 AND step_code = $2 AND seq = $3`, episodeID, stepCode, seq)
	return err
}
