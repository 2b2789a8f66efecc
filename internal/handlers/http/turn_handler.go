package http

import (
	"net/http"

	"roomcast/internal/core/services"

	"github.com/gin-gonic/gin"
)

// TurnHandler serves time-limited TURN credentials so clients never see the
// shared secret.
type TurnHandler struct {
	turn *services.TurnIssuer
}

func NewTurnHandler(turn *services.TurnIssuer) *TurnHandler {
	return &TurnHandler{turn: turn}
}

func (h *TurnHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/turn", h.GetCredentials)
}

// GetCredentials returns ICE server entries for the requesting client.
// ?mode=test issues the short-lived credentials used by the self-test page.
func (h *TurnHandler) GetCredentials(c *gin.Context) {
	test := c.Query("mode") == "test"
	creds := h.turn.Credentials(test)
	if creds == nil {
		// No relay configured; clients fall back to host candidates.
		c.JSON(http.StatusOK, gin.H{"iceServers": []struct{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": creds})
}
