package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labeld/internal/archive"
	"github.com/orrn/labeld/internal/db"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type HistoryResponse struct {
	Batches      []*db.Batch `json:"batches"`
	PrintedToday int64       `json:"printed_today"`
	FailedToday  int64       `json:"failed_today"`
}

type CounterEntry struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type CountersResponse struct {
	Total  int64          `json:"total"`
	Today  int64          `json:"today"`
	ByDate []CounterEntry `json:"by_date"`
}

// ArchiveLister lists archived history files.
type ArchiveLister interface {
	ListArchives() ([]*archive.ArchiveFile, error)
}

type HistoryHandler struct {
	enabled  bool
	archives ArchiveLister
}

// NewHistoryHandler serves stored batch history. With enabled false every
// request answers 503. archives may be nil when archiving is off.
func NewHistoryHandler(enabled bool, archives ArchiveLister) *HistoryHandler {
	return &HistoryHandler{enabled: enabled, archives: archives}
}

func (h *HistoryHandler) unavailable(c *gin.Context) bool {
	if h.enabled {
		return false
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   "history_disabled",
		Message: "Batch history is not enabled",
	})
	return true
}

func (h *HistoryHandler) ListBatches(c *gin.Context) {
	if h.unavailable(c) {
		return
	}

	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	batches, err := db.Batches.ListRecent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve batches",
		})
		return
	}
	if batches == nil {
		batches = []*db.Batch{}
	}

	today, err := db.Counters.Today(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve counters",
		})
		return
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	failed, err := db.Batches.CountFailedSince(ctx, midnight)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to count failed batches",
		})
		return
	}

	c.JSON(http.StatusOK, HistoryResponse{
		Batches:      batches,
		PrintedToday: today,
		FailedToday:  failed,
	})
}

// GetCounters returns daily printed counts for the last 30 days.
func (h *HistoryHandler) GetCounters(c *gin.Context) {
	if h.unavailable(c) {
		return
	}

	now := time.Now()
	counters, err := db.Counters.Range(c.Request.Context(), now.AddDate(0, 0, -30), now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve counters",
		})
		return
	}

	var total, today int64
	todayStr := now.Format("2006-01-02")

	byDate := make([]CounterEntry, 0, len(counters))
	for _, entry := range counters {
		total += entry.Count
		dateStr := entry.Date.Format("2006-01-02")
		if dateStr == todayStr {
			today = entry.Count
		}
		byDate = append(byDate, CounterEntry{Date: dateStr, Count: entry.Count})
	}

	c.JSON(http.StatusOK, CountersResponse{
		Total:  total,
		Today:  today,
		ByDate: byDate,
	})
}

func (h *HistoryHandler) ListArchives(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	if h.archives == nil {
		c.JSON(http.StatusOK, []*archive.ArchiveFile{})
		return
	}

	files, err := h.archives.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: "Failed to list archives",
		})
		return
	}
	c.JSON(http.StatusOK, files)
}
