// Package apperr defines the machine-readable error taxonomy shared by the
// governance domains and the echo error handler that renders it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindGovernance Kind = "governance"
)

// Error codes. The strings are part of the public API.
const (
	CodeInvalidInput          = "INVALID_INPUT"
	CodeInvalidStage          = "INVALID_STAGE"
	CodeReasonTooShort        = "REASON_TOO_SHORT"
	CodeEpisodeNotFound       = "EPISODE_NOT_FOUND"
	CodeSlotNotFound          = "SLOT_NOT_FOUND"
	CodePathwayNotFound       = "PATHWAY_NOT_FOUND"
	CodeAppointmentNotFound   = "APPOINTMENT_NOT_FOUND"
	CodeOverrideNotFound      = "OVERRIDE_NOT_FOUND"
	CodeEpisodeNotOpen        = "EPISODE_NOT_OPEN"
	CodeEpisodeAlreadyOpen    = "EPISODE_ALREADY_OPEN"
	CodeSlotNotFree           = "SLOT_NOT_FREE"
	CodePathwayConflict       = "PATHWAY_CONFLICT"
	CodePoolMismatch          = "POOL_MISMATCH"
	CodeWorkPoolProtected     = "WORK_POOL_PROTECTED"
	CodeWorkRequiresEpisode   = "WORK_REQUIRES_EPISODE"
	CodePatientPoolForbidden  = "PATIENT_POOL_FORBIDDEN"
	CodeOneHardNextViolation  = "ONE_HARD_NEXT_VIOLATION"
	CodeOverrideNotAuthorized = "OVERRIDE_NOT_AUTHORIZED"
	CodeAppointmentNotActive  = "APPOINTMENT_NOT_ACTIVE"
)

// Error is a typed failure carrying a stable code. Current, when set, holds
// the server-side state a conflicting caller should re-present.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Current interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinel comparisons work
// through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCurrent returns a copy of e carrying the current server-side state.
func (e *Error) WithCurrent(current interface{}) *Error {
	cp := *e
	cp.Current = current
	return &cp
}

// Wrap returns a copy of e wrapping the given cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// Withf returns a copy of e with a formatted message.
func (e *Error) Withf(format string, args ...interface{}) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Sentinels. Use errors.Is(err, apperr.ErrSlotNotFree) to test.
var (
	ErrInvalidInput          = newErr(KindValidation, CodeInvalidInput, "invalid input")
	ErrInvalidStage          = newErr(KindValidation, CodeInvalidStage, "stage code is not valid for this episode")
	ErrReasonTooShort        = newErr(KindValidation, CodeReasonTooShort, "override reason must be at least 10 characters")
	ErrEpisodeNotFound       = newErr(KindNotFound, CodeEpisodeNotFound, "episode not found")
	ErrSlotNotFound          = newErr(KindNotFound, CodeSlotNotFound, "slot not found")
	ErrPathwayNotFound       = newErr(KindNotFound, CodePathwayNotFound, "care pathway not found")
	ErrAppointmentNotFound   = newErr(KindNotFound, CodeAppointmentNotFound, "appointment not found")
	ErrOverrideNotFound      = newErr(KindNotFound, CodeOverrideNotFound, "override audit entry not found")
	ErrEpisodeNotOpen        = newErr(KindGovernance, CodeEpisodeNotOpen, "episode is not open")
	ErrEpisodeAlreadyOpen    = newErr(KindConflict, CodeEpisodeAlreadyOpen, "patient already has an open episode for this classification")
	ErrSlotNotFree           = newErr(KindConflict, CodeSlotNotFree, "slot is not free")
	ErrPathwayConflict       = newErr(KindConflict, CodePathwayConflict, "care pathway was modified by another request")
	ErrAppointmentNotActive  = newErr(KindConflict, CodeAppointmentNotActive, "appointment is not booked")
	ErrPoolMismatch          = newErr(KindGovernance, CodePoolMismatch, "slot pool does not match the pathway step pool")
	ErrWorkPoolProtected     = newErr(KindGovernance, CodeWorkPoolProtected, "work slots may only be booked from the worklist or by override")
	ErrWorkRequiresEpisode   = newErr(KindGovernance, CodeWorkRequiresEpisode, "work slots require an episode")
	ErrPatientPoolForbidden  = newErr(KindGovernance, CodePatientPoolForbidden, "patients may only book consult or flexible slots")
	ErrOneHardNextViolation  = newErr(KindGovernance, CodeOneHardNextViolation, "episode already holds its allowed future work bookings")
	ErrOverrideNotAuthorized = newErr(KindGovernance, CodeOverrideNotAuthorized, "actor role may not override governance rules")
)

// Validation builds an ad hoc INVALID_INPUT error.
func Validation(format string, args ...interface{}) *Error {
	return ErrInvalidInput.Withf(format, args...)
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an error to its transport status.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGovernance:
		switch e.Code {
		case CodePatientPoolForbidden, CodeOverrideNotAuthorized:
			return http.StatusForbidden
		}
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may retry. Governance and validation
// outcomes are business decisions and are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	_, ok := As(err)
	return !ok
}
