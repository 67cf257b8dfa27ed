package crypto

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medtrail/medtrail/internal/platform/auth"
)

// Handler exposes envelope encryption over HTTP so services without
// direct key access can protect and recover payloads under registry
// keys.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "security_officer", "service"))
	g.POST("/crypto/:keyid/encrypt", h.Encrypt)
	g.POST("/crypto/:keyid/decrypt", h.Decrypt)
}

type encryptRequest struct {
	Plaintext  string `json:"plaintext"` // base64
	Associated string `json:"associated,omitempty"`
}

type decryptRequest struct {
	Envelope   *Envelope `json:"envelope"`
	Associated string    `json:"associated,omitempty"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"` // base64
}

func (h *Handler) Encrypt(c echo.Context) error {
	var req encryptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "plaintext must be base64")
	}

	env, err := h.svc.Encrypt(c.Request().Context(), plaintext, c.Param("keyid"), []byte(req.Associated))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, env)
}

func (h *Handler) Decrypt(c echo.Context) error {
	var req decryptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Envelope == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "envelope is required")
	}

	plaintext, err := h.svc.Decrypt(c.Request().Context(), req.Envelope, c.Param("keyid"), []byte(req.Associated))
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			// Tag failure: wrong key, tampered ciphertext, or wrong
			// context.
			return echo.NewHTTPError(http.StatusConflict, "authentication failed")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, decryptResponse{Plaintext: base64.StdEncoding.EncodeToString(plaintext)})
}
