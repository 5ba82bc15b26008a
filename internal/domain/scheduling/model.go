package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carepath/internal/domain/catalog"
)

type SlotState string

const (
	SlotFree   SlotState = "free"
	SlotHeld   SlotState = "intent"
	SlotBooked SlotState = "booked"
)

func (s SlotState) Valid() bool {
	switch s {
	case SlotFree, SlotHeld, SlotBooked:
		return true
	}
	return false
}

// Slot is one unit of provider capacity.
type Slot struct {
	ID          uuid.UUID    `json:"id"`
	ProviderID  uuid.UUID    `json:"providerId"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     time.Time    `json:"endTime"`
	Pool        catalog.Pool `json:"pool"`
	State       SlotState    `json:"state"`
	SlotPurpose *string      `json:"slotPurpose,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// StartsWithin reports whether the slot starts inside [from, to].
func (s *Slot) StartsWithin(from, to time.Time) bool {
	return !s.StartTime.Before(from) && !s.StartTime.After(to)
}

// CreatedVia records which channel produced a booking.
type CreatedVia string

const (
	ViaWorklist      CreatedVia = "worklist"
	ViaOverride      CreatedVia = "override"
	ViaPatientPortal CreatedVia = "patient_portal"
	ViaConsult       CreatedVia = "consult"
)

func (v CreatedVia) Valid() bool {
	switch v {
	case ViaWorklist, ViaOverride, ViaPatientPortal, ViaConsult:
		return true
	}
	return false
}

type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "booked"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

const ApprovalPending = "pending"

// Appointment binds a slot to an episode step. At most one booked
// appointment exists per slot.
type Appointment struct {
	ID             uuid.UUID         `json:"id"`
	SlotID         uuid.UUID         `json:"slotId"`
	EpisodeID      *uuid.UUID        `json:"episodeId,omitempty"`
	PatientID      *uuid.UUID        `json:"patientId,omitempty"`
	StepCode       *string           `json:"stepCode,omitempty"`
	Seq            *int              `json:"seq,omitempty"`
	Pool           catalog.Pool      `json:"pool"`
	CreatedVia     CreatedVia        `json:"createdVia"`
	Status         AppointmentStatus `json:"status"`
	ApprovalStatus *string           `json:"approvalStatus,omitempty"`
	CancelReason   *string           `json:"cancelReason,omitempty"`
	CreatedBy      string            `json:"createdBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	// SlotStart is read from the slot for projections.
	SlotStart time.Time `json:"slotStart"`
}

func (a *Appointment) IsActive() bool { return a.Status == AppointmentBooked }

// SlotIntent reserves a window for a future step without holding a slot.
type SlotIntent struct {
	ID          uuid.UUID    `json:"id"`
	EpisodeID   uuid.UUID    `json:"episodeId"`
	StepCode    string       `json:"stepCode"`
	Seq         int          `json:"seq"`
	Pool        catalog.Pool `json:"pool"`
	WindowStart time.Time    `json:"windowStart"`
	WindowEnd   time.Time    `json:"windowEnd"`
	ConsumedAt  *time.Time   `json:"consumedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (i *SlotIntent) Open() bool { return i.ConsumedAt == nil }

// Covers reports whether t falls inside the intent window.
func (i *SlotIntent) Covers(t time.Time) bool {
	return !t.Before(i.WindowStart) && !t.After(i.WindowEnd)
}

// SlotFilter narrows slot listings. Zero fields do not filter.
type SlotFilter struct {
	Pools      []catalog.Pool
	ProviderID *uuid.UUID
	State      SlotState
	From       *time.Time
	To         *time.Time
}
