package keys

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medtrail/medtrail/internal/platform/auth"
	"github.com/medtrail/medtrail/pkg/pagination"
)

type Handler struct {
	svc *Registry
}

func NewHandler(svc *Registry) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "security_officer", "auditor"))
	readGroup.GET("/keys", h.ListKeys)
	readGroup.GET("/keys/:id", h.GetKey)
	readGroup.GET("/keys/:id/compliance", h.CheckCompliance)

	writeGroup := api.Group("", auth.RequireRole("admin", "security_officer"))
	writeGroup.POST("/keys", h.GenerateKey)
	writeGroup.POST("/keys/:id/rotate", h.RotateKey)
	writeGroup.POST("/keys/:id/revoke", h.RevokeKey)
}

func (h *Handler) GenerateKey(c echo.Context) error {
	var p GenerateParams
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.GenerateKey(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetKey(c echo.Context) error {
	rec, err := h.svc.GetKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListKeys(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		OwnerRef: c.QueryParam("owner_ref"),
		KeyType:  KeyType(c.QueryParam("key_type")),
		Status:   Status(c.QueryParam("status")),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	}
	recs, total, err := h.svc.ListKeys(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset))
}

func (h *Handler) RotateKey(c echo.Context) error {
	succ, err := h.svc.RotateKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, succ)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeKey(c echo.Context) error {
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "revocation reason is required")
	}
	if err := h.svc.RevokeKey(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckCompliance(c echo.Context) error {
	report, err := h.svc.CheckCompliance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "key not found")
	case errors.Is(err, ErrActiveKeyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrKeyRevoked), errors.Is(err, ErrKeyRetired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPolicyViolation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
