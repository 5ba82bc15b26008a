package catalog

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Reason is the clinical reason an episode was opened for.
type Reason string

const (
	ReasonTraumatic  Reason = "traumatic"
	ReasonCongenital Reason = "congenital"
	ReasonOncologic  Reason = "oncologic"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonTraumatic, ReasonCongenital, ReasonOncologic:
		return true
	}
	return false
}

// Pool partitions provider capacity.
type Pool string

const (
	PoolConsult  Pool = "consult"
	PoolWork     Pool = "work"
	PoolControl  Pool = "control"
	PoolFlexible Pool = "flexible"
)

func (p Pool) Valid() bool {
	switch p {
	case PoolConsult, PoolWork, PoolControl, PoolFlexible:
		return true
	}
	return false
}

// Accepts reports whether a slot from pool slot can serve a step that
// requires pool p. Flexible slots serve consult and control steps.
func (p Pool) Accepts(slot Pool) bool {
	if p == slot {
		return true
	}
	return slot == PoolFlexible && (p == PoolConsult || p == PoolControl)
}

// SlotPools lists the slot pools that can serve a step of pool p.
func (p Pool) SlotPools() []Pool {
	if p == PoolConsult || p == PoolControl {
		return []Pool{p, PoolFlexible}
	}
	return []Pool{p}
}

// Scope selects a stage catalog: either a reason or a treatment type.
type Scope struct {
	Reason          Reason
	TreatmentTypeID uuid.UUID
}

func ReasonScope(r Reason) Scope { return Scope{Reason: r} }

func TreatmentTypeScope(id uuid.UUID) Scope { return Scope{TreatmentTypeID: id} }

func (s Scope) IsTreatmentType() bool { return s.TreatmentTypeID != uuid.Nil }

// Key is a stable string form used for cache keys and logs.
func (s Scope) Key() string {
	if s.IsTreatmentType() {
		return "treatment:" + s.TreatmentTypeID.String()
	}
	return "reason:" + string(s.Reason)
}

// Stage is one entry in a stage catalog.
type Stage struct {
	Code       string `json:"code"`
	Label      string `json:"label"`
	OrderIndex int    `json:"orderIndex"`
}

// PathwayStep is one step of a care pathway template. OrderIndex doubles
// as the step's sequence number.
type PathwayStep struct {
	StepCode          string `json:"stepCode"`
	Pool              Pool   `json:"pool"`
	DurationMinutes   int    `json:"durationMinutes"`
	DefaultDaysOffset int    `json:"defaultDaysOffset"`
	RequiresPrecommit bool   `json:"requiresPrecommit"`
	OrderIndex        int    `json:"orderIndex"`
}

// Pathway is a care pathway template.
type Pathway struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Description *string       `json:"description,omitempty"`
	Steps       []PathwayStep `json:"steps"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SortSteps orders steps by OrderIndex.
func (p *Pathway) SortSteps() {
	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].OrderIndex < p.Steps[j].OrderIndex })
}

// StepAt returns the step with the given sequence number.
func (p *Pathway) StepAt(seq int) (*PathwayStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].OrderIndex == seq {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// StepsWithCode returns every step carrying code, in pathway order.
func (p *Pathway) StepsWithCode(code string) []PathwayStep {
	var out []PathwayStep
	for _, s := range p.Steps {
		if s.StepCode == code {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// Terminal returns the last step in pathway order.
func (p *Pathway) Terminal() (*PathwayStep, bool) {
	if len(p.Steps) == 0 {
		return nil, false
	}
	last := 0
	for i := range p.Steps {
		if p.Steps[i].OrderIndex > p.Steps[last].OrderIndex {
			last = i
		}
	}
	return &p.Steps[last], true
}
