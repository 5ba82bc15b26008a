package governance

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/scheduling"
)

var _ episode.Activator = (*PreScheduler)(nil)

// PreScheduler lays down slot intents for the next pending work steps of
// an activated episode. It satisfies episode.Activator.
type PreScheduler struct {
	deps Deps
	opts Options
}

func NewPreScheduler(deps Deps, opts Options) *PreScheduler {
	return &PreScheduler{deps: deps, opts: opts.withDefaults()}
}

// Activate upserts intents for up to PrescheduleSteps unsettled work
// steps. Steps already holding an intent count toward the limit, so a
// repeated activation creates nothing new. It joins the caller's
// transaction when there is one.
func (p *PreScheduler) Activate(ctx context.Context, episodeID uuid.UUID) (int, error) {
	ctx, span := tracer.Start(ctx, "governance.Activate")
	defer span.End()
	span.SetAttributes(attribute.String("episode_id", episodeID.String()))

	created := 0
	err := p.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		ep, err := p.deps.Episodes.GetByID(ctx, episodeID)
		if err != nil {
			return err
		}
		if !ep.Activated() || !ep.IsOpen() {
			return nil
		}
		pathway, err := p.deps.Pathways.GetPathway(ctx, *ep.CarePathwayID)
		if err != nil {
			return err
		}
		current, err := p.deps.Episodes.CurrentStage(ctx, episodeID)
		if err != nil {
			return err
		}
		appts, err := p.deps.Slots.ListAppointmentsByEpisode(ctx, episodeID)
		if err != nil {
			return err
		}
		intents, err := p.deps.Slots.ListIntents(ctx, episodeID)
		if err != nil {
			return err
		}

		steps := deriveSteps(pathway, anchor(ep, current), p.opts.IntentSlack, appts, intents)
		taken := 0
		for _, st := range steps {
			if taken >= p.opts.PrescheduleSteps {
				break
			}
			if st.Step.Pool != catalog.PoolWork || st.Status.Settled() {
				continue
			}
			taken++
			if st.Intent != nil {
				continue
			}
			ok, err := p.deps.Slots.UpsertIntent(ctx, &scheduling.SlotIntent{
				EpisodeID:   episodeID,
				StepCode:    st.Step.StepCode,
				Seq:         st.Seq(),
				Pool:        st.Step.Pool,
				WindowStart: st.WindowStart,
				WindowEnd:   st.WindowEnd,
			})
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("intents_created", created))
	p.deps.Metrics.ObserveIntents(created)
	p.deps.Logger.Info().
		Str("episode_id", episodeID.String()).
		Int("intents_created", created).
		Dur("slack", p.opts.IntentSlack).
		Msg("pre-scheduler ran")
	return created, nil
}
