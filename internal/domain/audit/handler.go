package audit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medtrail/medtrail/internal/platform/auth"
	"github.com/medtrail/medtrail/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "security_officer", "auditor"))
	readGroup.GET("/audit/entries", h.QueryEntries)
	readGroup.GET("/audit/entries/:id", h.GetEntry)
	readGroup.GET("/audit/entries/:id/verify", h.VerifyEntry)
	readGroup.GET("/audit/batches/:id", h.GetBatch)

	// Any authenticated principal records its own accesses.
	api.POST("/audit/entries", h.RecordEntry)
}

func (h *Handler) RecordEntry(c echo.Context) error {
	var p RecordParams
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if p.ActorID == "" {
		p.ActorID = auth.ActorFromContext(c.Request().Context())
	}
	e, err := h.svc.Record(c.Request().Context(), p)
	if err != nil {
		if errors.Is(err, ErrEmptyActor) || errors.Is(err, ErrJustification) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid entry id")
	}
	e, err := h.svc.GetEntry(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "entry not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) QueryEntries(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := QueryFilter{
		ActorID:      c.QueryParam("actor_id"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		Action:       Action(c.QueryParam("action")),
		Limit:        pg.Limit,
		Offset:       pg.Offset,
	}
	if s := c.QueryParam("since"); s != "" {
		// Lookback window, e.g. since=1h.
		d, err := time.ParseDuration(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a duration")
		}
		f.Since = time.Now().UTC().Add(-d)
	}
	entries, total, err := h.svc.Query(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) VerifyEntry(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid entry id")
	}
	res, err := h.svc.VerifyEntry(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "entry not found")
		case errors.Is(err, ErrHashMismatch), errors.Is(err, ErrRootMismatch):
			// Integrity failure is a finding, not a server fault.
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "batch not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}
