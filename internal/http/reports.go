package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/relaygate/mailbridge/internal/repository"
)

func listEventsHandler(auditRepo repository.AuditRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if auditRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "audit store not configured"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		direction := strings.TrimSpace(c.QueryParam("direction"))
		if direction != "" && direction != "inbound" && direction != "outbound" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid direction"})
		}
		outcome := strings.TrimSpace(c.QueryParam("outcome"))

		events, err := auditRepo.List(c.Request().Context(), direction, outcome, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(events),
			"results": events,
		})
	}
}
