// Package governance decides whether an episode may consume a slot. It
// holds the booking governor, the pre-scheduler that lays down slot
// intents on activation, the capacity monitor that derives a blocked
// status on read, and the episode projection built from all three.
package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/overrideaudit"
	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/db"
	"github.com/ehr/carepath/internal/platform/metrics"
	"github.com/ehr/carepath/internal/platform/notification"
)

var tracer = otel.Tracer("carepath/governance")

// EpisodeStore is the part of episode persistence governance reads and
// locks. episode.Repository satisfies it.
type EpisodeStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*episode.Episode, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*episode.Episode, error)
	CurrentStage(ctx context.Context, episodeID uuid.UUID) (*episode.StageEvent, error)
	Close(ctx context.Context, id uuid.UUID, at time.Time) error
}

// PathwayReader resolves care pathways; *catalog.Service satisfies it.
type PathwayReader interface {
	GetPathway(ctx context.Context, id uuid.UUID) (*catalog.Pathway, error)
	GetStepLabel(ctx context.Context, code string) (string, error)
}

// AuditRecorder writes override rows; *overrideaudit.Service satisfies it.
type AuditRecorder interface {
	RecordOverride(ctx context.Context, in overrideaudit.Input) (*overrideaudit.Entry, error)
	Announce(ctx context.Context, e *overrideaudit.Entry)
}

// Deps are the collaborators shared by every governance component.
type Deps struct {
	Episodes EpisodeStore
	Slots    scheduling.Repository
	Pathways PathwayReader
	Audit    AuditRecorder
	Tx       db.TxRunner
	Notifier notification.Notifier
	Metrics  *metrics.GovernanceMetrics
	Logger   zerolog.Logger
}

// Options tune the pre-scheduler and window arithmetic.
type Options struct {
	// PrescheduleSteps is how many pending work steps receive intents.
	PrescheduleSteps int
	// IntentSlack widens each step window on both sides.
	IntentSlack time.Duration
}

func DefaultOptions() Options {
	return Options{PrescheduleSteps: 2, IntentSlack: 7 * 24 * time.Hour}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PrescheduleSteps <= 0 {
		o.PrescheduleSteps = d.PrescheduleSteps
	}
	if o.IntentSlack < 0 {
		o.IntentSlack = 0
	}
	return o
}

func (d Deps) notifier() notification.Notifier {
	if d.Notifier == nil {
		return notification.Nop{}
	}
	return d.Notifier
}

func utcNow() time.Time { return time.Now().UTC() }
