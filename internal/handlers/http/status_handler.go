package http

import (
	"net/http"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"

	"github.com/gin-gonic/gin"
)

// StatusHandler exposes room and recording state to the conferencing
// application.
type StatusHandler struct {
	router   *services.Router
	sup      *services.Supervisor
	recStore ports.RecordingStore
}

func NewStatusHandler(router *services.Router, sup *services.Supervisor, recStore ports.RecordingStore) *StatusHandler {
	return &StatusHandler{router: router, sup: sup, recStore: recStore}
}

func (h *StatusHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/rooms/:id/status", h.GetRoomStatus)
	api.GET("/recordings/:id", h.GetRecording)
	api.GET("/engine/status", h.GetEngineStatus)
}

func (h *StatusHandler) GetRoomStatus(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	c.JSON(http.StatusOK, gin.H{
		"room_id":        roomID,
		"recording":      h.router.IsRecording(roomID),
		"sharing":        h.router.IsSharing(roomID),
		"recording_user": h.router.RecordingUser(roomID),
	})
}

func (h *StatusHandler) GetRecording(c *gin.Context) {
	rec, err := h.recStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == domain.ErrRecordingNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recording": rec})
}

func (h *StatusHandler) GetEngineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": h.sup.Connected(),
	})
}
