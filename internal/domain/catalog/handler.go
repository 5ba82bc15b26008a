package catalog

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
	read.GET("/pathways", h.ListPathways)
	read.GET("/pathways/:id", h.GetPathway)
	read.GET("/stage-catalog", h.GetStageCatalog)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/pathways", h.CreatePathway)
	write.PUT("/pathways/:id", h.UpdatePathway)
}

func (h *Handler) ListPathways(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPathways(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPathway(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPathway(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// GetStageCatalog serves ?reason= or ?treatmentTypeId=.
func (h *Handler) GetStageCatalog(c echo.Context) error {
	scope := ReasonScope(Reason(c.QueryParam("reason")))
	if raw := c.QueryParam("treatmentTypeId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid treatmentTypeId")
		}
		scope = TreatmentTypeScope(id)
	}
	stages, err := h.svc.Stages(c.Request().Context(), scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"scope": scope.Key(), "stages": stages})
}

func (h *Handler) CreatePathway(c echo.Context) error {
	var p Pathway
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = uuid.Nil
	if err := h.svc.CreatePathway(c.Request().Context(), &p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

// UpdatePathway expects the updatedAt the caller last read.
func (h *Handler) UpdatePathway(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p Pathway
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	updated, err := h.svc.UpdatePathway(c.Request().Context(), &p, p.UpdatedAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}
