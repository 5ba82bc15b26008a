package episode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carepath/internal/domain/catalog"
)

// Status of an episode. Only open and closed are stored; blocked is
// derived on read from capacity.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusBlocked Status = "blocked"
)

// Classification is either a clinical reason or a treatment type, never
// both.
type Classification struct {
	reason        catalog.Reason
	treatmentType uuid.UUID
}

func ByReason(r catalog.Reason) (Classification, error) {
	if !r.Valid() {
		return Classification{}, fmt.Errorf("unknown reason %q", r)
	}
	return Classification{reason: r}, nil
}

func ByTreatmentType(id uuid.UUID) (Classification, error) {
	if id == uuid.Nil {
		return Classification{}, fmt.Errorf("treatment type id is required")
	}
	return Classification{treatmentType: id}, nil
}

func (c Classification) Reason() (catalog.Reason, bool) { return c.reason, c.reason != "" }

func (c Classification) TreatmentType() (uuid.UUID, bool) {
	return c.treatmentType, c.treatmentType != uuid.Nil
}

func (c Classification) IsZero() bool { return c.reason == "" && c.treatmentType == uuid.Nil }

// Scope selects the stage catalog that governs this classification.
func (c Classification) Scope() catalog.Scope {
	if id, ok := c.TreatmentType(); ok {
		return catalog.TreatmentTypeScope(id)
	}
	return catalog.ReasonScope(c.reason)
}

func (c Classification) String() string { return c.Scope().Key() }

type classificationJSON struct {
	Reason          *catalog.Reason `json:"reason,omitempty"`
	TreatmentTypeID *uuid.UUID      `json:"treatmentTypeId,omitempty"`
}

func (c Classification) MarshalJSON() ([]byte, error) {
	var out classificationJSON
	if id, ok := c.TreatmentType(); ok {
		out.TreatmentTypeID = &id
	} else if r, ok := c.Reason(); ok {
		out.Reason = &r
	}
	return json.Marshal(out)
}

func (c *Classification) UnmarshalJSON(data []byte) error {
	var in classificationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := fromColumns((*string)(in.Reason), in.TreatmentTypeID)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// columns splits the classification into its two nullable columns.
func (c Classification) columns() (*string, *uuid.UUID) {
	if id, ok := c.TreatmentType(); ok {
		return nil, &id
	}
	r := string(c.reason)
	return &r, nil
}

func fromColumns(reason *string, treatmentType *uuid.UUID) (Classification, error) {
	switch {
	case reason != nil && treatmentType != nil:
		return Classification{}, fmt.Errorf("classification must be a reason or a treatment type, not both")
	case reason != nil:
		return ByReason(catalog.Reason(*reason))
	case treatmentType != nil:
		return ByTreatmentType(*treatmentType)
	}
	return Classification{}, fmt.Errorf("classification requires a reason or a treatment type")
}

// Episode is one patient's course of treatment.
type Episode struct {
	ID                 uuid.UUID      `json:"id"`
	PatientID          uuid.UUID      `json:"patientId"`
	Classification     Classification `json:"classification"`
	CarePathwayID      *uuid.UUID     `json:"carePathwayId,omitempty"`
	AssignedProviderID *uuid.UUID     `json:"assignedProviderId,omitempty"`
	Status             Status         `json:"status"`
	OpenedAt           time.Time      `json:"openedAt"`
	ClosedAt           *time.Time     `json:"closedAt,omitempty"`
}

// Activated reports whether the episode has both a pathway and a provider.
func (e *Episode) Activated() bool {
	return e.CarePathwayID != nil && e.AssignedProviderID != nil
}

func (e *Episode) IsOpen() bool { return e.Status == StatusOpen }

// StageEvent is an append-only record of a stage transition.
type StageEvent struct {
	ID        int64     `json:"id"`
	EpisodeID uuid.UUID `json:"episodeId"`
	StageCode string    `json:"stageCode"`
	At        time.Time `json:"at"`
	Note      *string   `json:"note,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

const FollowUpRecall = "recall"

// FollowUpTask is a dated follow-up raised by a stage transition.
type FollowUpTask struct {
	ID        uuid.UUID `json:"id"`
	EpisodeID uuid.UUID `json:"episodeId"`
	Kind      string    `json:"kind"`
	DueAt     time.Time `json:"dueAt"`
	CreatedAt time.Time `json:"createdAt"`
}
