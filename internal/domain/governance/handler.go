package governance

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/auth"
)

type Handler struct {
	governor  *Governor
	monitor   *Monitor
	projector *Projector
}

func NewHandler(governor *Governor, monitor *Monitor, projector *Projector) *Handler {
	return &Handler{governor: governor, monitor: monitor, projector: projector}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	booking := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler, auth.RolePatient))
	booking.POST("/booking-attempts", h.AttemptBooking)

	read := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler))
	read.GET("/episode-projection/:episodeId", h.Projection)
	read.GET("/episodes/:id/status", h.Status)
	read.POST("/appointments/:id/cancel", h.CancelAppointment)

	clinical := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician))
	clinical.POST("/appointments/:id/complete", h.CompleteAppointment)
}

type bookingRequest struct {
	EpisodeID       *uuid.UUID            `json:"episodeId"`
	PatientID       *uuid.UUID            `json:"patientId"`
	SlotID          uuid.UUID             `json:"slotId"`
	StepCode        *string               `json:"stepCode"`
	Seq             *int                  `json:"seq"`
	CreatedVia      scheduling.CreatedVia `json:"createdVia"`
	OverrideReason  *string               `json:"overrideReason"`
	RequireApproval bool                  `json:"requireApproval"`
}

// AttemptBooking answers 201 with the booking or an error body carrying the
// rejection code. Callers holding only the patient role always book
// through the portal channel.
func (h *Handler) AttemptBooking(c echo.Context) error {
	var req bookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	if actor.Role == auth.RolePatient {
		req.CreatedVia = scheduling.ViaPatientPortal
		if pid, err := uuid.Parse(auth.PatientIDFromContext(ctx)); err == nil {
			req.PatientID = &pid
		}
	}

	booking, err := h.governor.AttemptBooking(ctx, BookingRequest{
		EpisodeID:       req.EpisodeID,
		PatientID:       req.PatientID,
		SlotID:          req.SlotID,
		StepCode:        req.StepCode,
		Seq:             req.Seq,
		CreatedVia:      req.CreatedVia,
		OverrideReason:  req.OverrideReason,
		RequireApproval: req.RequireApproval,
		Actor:           actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"booking": booking})
}

func (h *Handler) Projection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("episodeId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid episodeId")
	}
	p, err := h.projector.Project(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Status(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	st, err := h.monitor.Evaluate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	appt, err := h.governor.CancelAppointment(ctx, id, auth.ActorFromContext(ctx), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	out, err := h.governor.CompleteAppointment(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
