package overrideaudit

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/carepath/internal/platform/apperr"
)

// MinReasonLength is the minimum override reason, in runes after trimming.
const MinReasonLength = 10

// Rule names the governance rule an override bypassed.
type Rule string

const (
	RuleOneHardNext         Rule = "ONE_HARD_NEXT"
	RuleWorkRequiresEpisode Rule = "WORK_REQUIRES_EPISODE"
	RuleOverrideBooking     Rule = "OVERRIDE_BOOKING"
	RuleManual              Rule = "MANUAL"
)

func (r Rule) Valid() bool {
	switch r {
	case RuleOneHardNext, RuleWorkRequiresEpisode, RuleOverrideBooking, RuleManual:
		return true
	}
	return false
}

// Entry is one insert-only audit row. Corrections reference the entry
// they correct through CorrectsID.
type Entry struct {
	ID         uuid.UUID  `json:"id"`
	EpisodeID  *uuid.UUID `json:"episodeId,omitempty"`
	Actor      string     `json:"actor"`
	ActorRole  string     `json:"actorRole"`
	Rule       Rule       `json:"rule"`
	Reason     string     `json:"reason"`
	SlotID     *uuid.UUID `json:"slotId,omitempty"`
	CorrectsID *uuid.UUID `json:"correctsId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ValidateReason returns the trimmed reason or REASON_TOO_SHORT.
func ValidateReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if utf8.RuneCountInString(trimmed) < MinReasonLength {
		return "", apperr.ErrReasonTooShort
	}
	return trimmed, nil
}
