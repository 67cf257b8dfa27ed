package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// HealthStatus is the payload served by the database health endpoint.
// Auditors poll it to confirm the ledger's backing store is reachable
// before trusting verification results.
type HealthStatus struct {
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	PingMillis    int64  `json:"ping_ms"`
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
}

func healthStatus(total, idle, acquired, max int32, ping time.Duration, pingErr error) HealthStatus {
	s := HealthStatus{
		Status:        "healthy",
		PingMillis:    ping.Milliseconds(),
		TotalConns:    total,
		IdleConns:     idle,
		AcquiredConns: acquired,
		MaxConns:      max,
	}
	if pingErr != nil {
		s.Status = "unhealthy"
		s.Error = pingErr.Error()
	}
	return s
}

// HealthHandler serves the database health check: a bounded ping plus a
// snapshot of the pool.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		start := time.Now()
		pingErr := pool.Ping(ctx)
		stat := pool.Stat()

		status := healthStatus(
			stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns(), stat.MaxConns(),
			time.Since(start), pingErr,
		)

		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	}
}
