package episode

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/carepath/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler))
	read.GET("/episodes/:id", h.GetEpisode)
	read.GET("/episodes/:id/stages", h.ListStages)
	read.GET("/episodes/:id/current-stage", h.CurrentStage)
	read.GET("/episodes/:id/follow-ups", h.ListFollowUps)
	read.GET("/patients/:patientId/episodes", h.ListByPatient)
	read.POST("/episodes", h.CreateEpisode)

	clinical := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician))
	clinical.POST("/stage-events", h.RecordStage)
	clinical.PUT("/episodes/:id/pathway", h.AssignPathway)
	clinical.POST("/episodes/:id/close", h.CloseEpisode)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type createRequest struct {
	PatientID      uuid.UUID      `json:"patientId"`
	Classification Classification `json:"classification"`
}

func (h *Handler) CreateEpisode(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.svc.CreateEpisode(c.Request().Context(), req.PatientID, req.Classification)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) GetEpisode(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ep, err := h.svc.GetEpisode(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	items, err := h.svc.ListByPatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

type stageRequest struct {
	EpisodeID uuid.UUID  `json:"episodeId"`
	StageCode string     `json:"stageCode"`
	At        *time.Time `json:"at"`
	Note      *string    `json:"note"`
}

func (h *Handler) RecordStage(c echo.Context) error {
	var req stageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	ev, err := h.svc.RecordStage(ctx, StageInput{
		EpisodeID: req.EpisodeID,
		StageCode: req.StageCode,
		At:        req.At,
		Note:      req.Note,
		Actor:     auth.ActorFromContext(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"stageEvent": ev})
}

func (h *Handler) CurrentStage(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ev, err := h.svc.CurrentStage(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"stageEvent": ev})
}

func (h *Handler) ListStages(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListStages(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) ListFollowUps(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListFollowUps(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) AssignPathway(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in AssignInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.svc.AssignPathway(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) CloseEpisode(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ep, err := h.svc.CloseEpisode(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ep)
}
