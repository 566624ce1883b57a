package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labeld/internal/poller"
)

// LoopController is the poll loop as seen by the API.
type LoopController interface {
	Start() error
	Stop()
	Status() poller.Status
}

type LoopHandler struct {
	loop LoopController
}

func NewLoopHandler(loop LoopController) *LoopHandler {
	return &LoopHandler{loop: loop}
}

func (h *LoopHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.loop.Status())
}

// StopLoop pauses polling. A batch already printing runs to completion.
func (h *LoopHandler) StopLoop(c *gin.Context) {
	h.loop.Stop()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Poll loop stopped",
		"status":  h.loop.Status(),
	})
}

func (h *LoopHandler) StartLoop(c *gin.Context) {
	if err := h.loop.Start(); err != nil {
		if errors.Is(err, poller.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "already_running",
				Message: "Poll loop is already running",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "start_error",
			Message: "Failed to start poll loop",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Poll loop started",
		"status":  h.loop.Status(),
	})
}
