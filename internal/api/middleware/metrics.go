package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/sentinel-console/internal/observability/metrics"
)

// NewMetrics records request counts, latency and in-flight requests. Routes
// are labeled by their registered pattern so node ids do not explode label
// cardinality.
func NewMetrics(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			m.APIRequestStarted()
			defer m.APIRequestFinished()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RecordAPIRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
