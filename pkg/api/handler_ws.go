package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /api/v1/ws: upgrades the connection and hands
// it to the ConnectionManager for subscribe/catchup traffic.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	// Same-origin only unless origins are configured; dev mode accepts all.
	opts := &websocket.AcceptOptions{}
	if s.cfg != nil && s.cfg.DevMode {
		opts.InsecureSkipVerify = true
	} else if s.cfg != nil && s.cfg.Server != nil {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
