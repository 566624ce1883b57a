package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labeld/internal/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PrinterStatusResponse struct {
	Transport    string    `json:"transport"`
	Target       string    `json:"target"`
	Ready        bool      `json:"ready"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
	PrinterState string    `json:"printer_state,omitempty"`
	Warning      string    `json:"warning,omitempty"`
	Error        string    `json:"error,omitempty"`
	MediaError   string    `json:"media_error,omitempty"`
	IsOnline     bool      `json:"is_online"`
	LastChecked  time.Time `json:"last_checked"`
}

type PrinterHandler struct {
	transport core.Transport
}

func NewPrinterHandler(transport core.Transport) *PrinterHandler {
	return &PrinterHandler{transport: transport}
}

// GetPrinterStatus probes the printer. A printer that cannot be reached is
// still a 200 with ready=false and a diagnostic.
func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	status := h.transport.CheckStatus(c.Request.Context())
	if status == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "status_error",
			Message: "Printer status unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, PrinterStatusResponse{
		Transport:    status.Transport,
		Target:       status.Target,
		Ready:        status.Ready,
		Diagnostic:   status.Diagnostic,
		PrinterState: status.PrinterState,
		Warning:      status.Warning,
		Error:        status.Error,
		MediaError:   status.MediaError,
		IsOnline:     status.IsOnline,
		LastChecked:  status.LastChecked,
	})
}
