package overrideaudit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler))
	read.GET("/episodes/:id/overrides", h.ListByEpisode)
	read.GET("/overrides/:id", h.GetOverride)

	write := api.Group("", auth.RequireRole(auth.RoleSurgeon))
	write.POST("/overrides", h.RecordOverride)
}

type recordRequest struct {
	EpisodeID  *uuid.UUID `json:"episodeId"`
	Rule       Rule       `json:"rule"`
	Reason     string     `json:"reason"`
	SlotID     *uuid.UUID `json:"slotId"`
	CorrectsID *uuid.UUID `json:"correctsId"`
}

// RecordOverride writes a manual audit row, typically a correction of an
// earlier entry.
func (h *Handler) RecordOverride(c echo.Context) error {
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	entry, err := h.svc.RecordOverride(ctx, Input{
		EpisodeID:  req.EpisodeID,
		Actor:      auth.ActorFromContext(ctx),
		Rule:       req.Rule,
		Reason:     req.Reason,
		SlotID:     req.SlotID,
		CorrectsID: req.CorrectsID,
	})
	if err != nil {
		return err
	}
	h.svc.Announce(ctx, entry)
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) GetOverride(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entry, err := h.svc.GetOverride(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) ListByEpisode(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByEpisode(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
