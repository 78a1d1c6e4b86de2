package httpapi

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed panel.html
var panelHTML []byte

// handlePanel serves the single-file admin panel. The page itself is behind
// the token middleware; its JavaScript re-sends the token on every API call.
func (s *Server) handlePanel(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, panelHTML)
}
