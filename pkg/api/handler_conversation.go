package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// conversationEventsHandler handles GET /api/v1/conversations/:id/events.
// Returns the ordered event snapshot starting at from_seq (inclusive;
// omitted means from the beginning). Clients refetch here when a live
// frame arrives truncated.
func (s *Server) conversationEventsHandler(c *echo.Context) error {
	subject := s.subject(c)
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity header present")
	}

	convID := c.Param("id")
	if convID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	var fromSeq int64
	if v := c.QueryParam("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from_seq: must be a positive integer")
		}
		fromSeq = n
	}

	events, err := s.conversationService.GetConversation(c.Request().Context(), subject, convID, fromSeq)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, events)
}
