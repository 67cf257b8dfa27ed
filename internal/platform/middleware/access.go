package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medtrail/medtrail/internal/platform/auth"
)

// AccessRecord captures one access to a protected resource: who did
// what to which resource, plus request context for the investigation
// trail.
type AccessRecord struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
}

// AccessRecorder persists access records. The middleware is decoupled
// from the concrete ledger so tests can provide a mock implementation.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, rec AccessRecord) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(ctx context.Context, rec AccessRecord) error

func (f AccessRecorderFunc) RecordAccess(ctx context.Context, rec AccessRecord) error {
	return f(ctx, rec)
}

// AccessLog returns middleware that records every resource access to
// the compliance ledger. Recording is mandatory: if the ledger write
// fails the request fails, because an unlogged access to protected
// data must not succeed.
//
// Requests carrying an X-Break-Glass header are recorded as emergency
// overrides with the header value as the justification. skipPaths are
// path prefixes exempt from recording.
func AccessLog(logger zerolog.Logger, recorder AccessRecorder, skipPaths ...string) echo.MiddlewareFunc {
	skip := func(path string) bool {
		for _, p := range skipPaths {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if skip(path) || !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			ctx := req.Context()
			rec := AccessRecord{
				ActorID: auth.ActorFromContext(ctx),
				Action:  methodToAction(req.Method),
				Metadata: map[string]string{
					"method":    req.Method,
					"path":      path,
					"remote_ip": c.RealIP(),
				},
			}
			rec.ResourceType, rec.ResourceID = splitResource(path)
			if rid, ok := c.Get("request_id").(string); ok {
				rec.Metadata["request_id"] = rid
			}
			if reason := req.Header.Get("X-Break-Glass"); reason != "" {
				rec.Action = "EMERGENCY_OVERRIDE"
				rec.Metadata["justification"] = reason
			}

			if err := recorder.RecordAccess(ctx, rec); err != nil {
				logger.Error().Err(err).
					Str("actor_id", rec.ActorID).
					Str("path", path).
					Msg("access could not be recorded, refusing request")
				return echo.NewHTTPError(http.StatusInternalServerError, "access recording failed")
			}

			return next(c)
		}
	}
}

func methodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "READ"
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return "WRITE"
	case http.MethodDelete:
		return "DELETE"
	default:
		return "READ"
	}
}

// splitResource parses /api/v1/<resource>[/<id>[/...]] into its
// resource type and ID.
func splitResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	switch {
	case len(segments) >= 2 && segments[1] != "":
		return segments[0], segments[1]
	case len(segments) >= 1 && segments[0] != "":
		return segments[0], ""
	default:
		return "unknown", ""
	}
}
