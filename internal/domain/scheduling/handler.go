package scheduling

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/carepath/internal/domain/catalog"
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
	read := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler, auth.RolePatient))
	read.GET("/slots", h.ListSlots)
	read.GET("/slots/:id", h.GetSlot)

	staff := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler))
	staff.GET("/appointments/:id", h.GetAppointment)
	staff.GET("/episodes/:id/appointments", h.ListAppointments)
	staff.GET("/episodes/:id/intents", h.ListIntents)

	write := api.Group("", auth.RequireRole(auth.RoleScheduler))
	write.POST("/slots", h.CreateSlot)
}

func (h *Handler) CreateSlot(c echo.Context) error {
	var sl Slot
	if err := c.Bind(&sl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sl.ID = uuid.Nil
	if err := h.svc.CreateSlot(c.Request().Context(), &sl); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sl)
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sl, err := h.svc.GetSlot(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sl)
}

// patientPools are the only pools a patient-only caller may see.
var patientPools = []catalog.Pool{catalog.PoolConsult, catalog.PoolFlexible}

// ListSlots supports ?pool=a,b&providerId=&state=&from=&to= (RFC 3339).
func (h *Handler) ListSlots(c echo.Context) error {
	var f SlotFilter
	if raw := c.QueryParam("pool"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			f.Pools = append(f.Pools, catalog.Pool(strings.TrimSpace(p)))
		}
	}
	if raw := c.QueryParam("providerId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid providerId")
		}
		f.ProviderID = &id
	}
	f.State = SlotState(c.QueryParam("state"))
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if raw := c.QueryParam(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &t
		}
	}

	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	if !auth.HasRole(ctx, auth.RoleAdmin, auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler) {
		f.Pools = restrictPools(f.Pools, patientPools)
		if len(f.Pools) == 0 {
			return c.JSON(http.StatusOK, pagination.NewResponse([]*Slot{}, 0, pg.Limit, pg.Offset))
		}
	}

	items, total, err := h.svc.ListSlots(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func restrictPools(requested, allowed []catalog.Pool) []catalog.Pool {
	if len(requested) == 0 {
		return allowed
	}
	var out []catalog.Pool
	for _, r := range requested {
		for _, a := range allowed {
			if r == a {
				out = append(out, r)
			}
		}
	}
	return out
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListAppointmentsByEpisode(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) ListIntents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListIntents(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}
