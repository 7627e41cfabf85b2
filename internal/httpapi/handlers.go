package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/julianostefano/BunNow-sub006/internal/events"
	"github.com/julianostefano/BunNow-sub006/internal/sla"
	syncservice "github.com/julianostefano/BunNow-sub006/internal/sync"
	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

// Handler carries the service dependencies for the HTTP surface
type Handler struct {
	Sync       *syncservice.Service
	Calculator *sla.Calculator
	Queue      *warmup.Queue
	Bus        *events.Bus
	DB         *database.DB
	Validator  *validator.Validate
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(c *gin.Context, err error) {
	var upstream *models.UpstreamError

	switch {
	case errors.Is(err, models.ErrUnknownTable):
		writeError(c, http.StatusBadRequest, "UNKNOWN_TABLE", err.Error(), nil)
	case errors.Is(err, models.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found", nil)
	case errors.As(err, &upstream):
		c.Header("Retry-After", strconv.Itoa(int(upstream.RetryAfter.Seconds())))
		writeError(c, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE",
			"ServiceNow unavailable and no local copy exists", gin.H{
				"retryAfterSeconds": int(upstream.RetryAfter.Seconds()),
			})
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

// Healthz reports process and database health
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.DB.PingContext(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetTicket serves one ticket, local mirror first
func (h *Handler) GetTicket(c *gin.Context) {
	ticket, source, err := h.Sync.GetTicket(c.Request.Context(), c.Param("table"), c.Param("sysId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   ticket,
		"source": source,
	})
}

// ListTickets serves a filtered page of tickets
func (h *Handler) ListTickets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	result, err := h.Sync.QueryTickets(c.Request.Context(), syncservice.QueryOptions{
		Table:           c.Param("table"),
		StateClass:      c.Query("state"),
		AssignmentGroup: c.Query("group"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		if errors.Is(err, servicenow.ErrUnknownStateClass) {
			writeError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// SyncTicket forces a refresh of one ticket from ServiceNow
func (h *Handler) SyncTicket(c *gin.Context) {
	ticket, written, err := h.Sync.SyncTicket(c.Request.Context(), c.Param("table"), c.Param("sysId"))
	if err != nil {
		if errors.Is(err, models.ErrUnknownTable) || errors.Is(err, models.ErrNotFound) {
			writeServiceError(c, err)
			return
		}
		writeServiceError(c, &models.UpstreamError{Cause: err, RetryAfter: 30 * time.Second})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":    ticket,
		"written": written,
	})
}

// GetTicketSLA serves the stored SLA measurements and their rollup
func (h *Handler) GetTicketSLA(c *gin.Context) {
	ticket, _, err := h.Sync.GetTicket(c.Request.Context(), c.Param("table"), c.Param("sysId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	measurements, err := h.DB.GetMeasurements(c.Request.Context(), ticket.SysID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	record, err := h.DB.GetSLARecord(c.Request.Context(), ticket.SysID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":      sla.Summary(ticket.SysID, measurements),
		"measurements": measurements,
		"compliance":   record,
	})
}

// GetAuditTrail serves the change history of one ticket, newest first
func (h *Handler) GetAuditTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ticket, _, err := h.Sync.GetTicket(c.Request.Context(), c.Param("table"), c.Param("sysId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	entries, err := h.DB.GetAuditTrail(c.Request.Context(), ticket.TableName, ticket.SysID, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

// SLAMetrics serves aggregate compliance over a date range
func (h *Handler) SLAMetrics(c *gin.Context) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)

	var err error
	if v := c.Query("from"); v != "" {
		if from, err = parseDate(v); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid from date", nil)
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = parseDate(v); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid to date", nil)
			return
		}
	}

	table := c.Query("table")
	if table != "" {
		if _, err := servicenow.TableByName(table); err != nil {
			writeServiceError(c, err)
			return
		}
	}

	metrics, err := h.Calculator.Metrics(c.Request.Context(), from, to, table)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}

	c.JSON(http.StatusOK, metrics)
}

type warmupItem struct {
	Table    string `json:"table" validate:"required"`
	SysID    string `json:"sysId" validate:"required"`
	Tier     string `json:"tier" validate:"omitempty,oneof=critical high medium low"`
	Priority int    `json:"priority" validate:"omitempty,min=1,max=5"`
}

type warmupRequest struct {
	Items []warmupItem `json:"items" validate:"required,min=1,dive"`
}

// EnqueueWarmup queues tickets for cache warming
func (h *Handler) EnqueueWarmup(c *gin.Context) {
	var req warmupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	queued := 0
	for _, item := range req.Items {
		if _, err := servicenow.TableByName(item.Table); err != nil {
			writeServiceError(c, err)
			return
		}

		tier := warmup.TierForPriority(item.Priority)
		if item.Tier != "" {
			tier, _ = warmup.ParseTier(item.Tier)
		}
		if h.Queue.Enqueue(item.Table, item.SysID, tier) {
			queued++
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"queued":     queued,
		"duplicates": len(req.Items) - queued,
	})
}

// DrainWarmup runs a drain pass immediately
func (h *Handler) DrainWarmup(c *gin.Context) {
	result := h.Queue.Drain(c.Request.Context())
	status := http.StatusOK
	if result.Skipped {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

// WarmupStats reports queue counters
func (h *Handler) WarmupStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Queue.Stats())
}

type notifyRequest struct {
	Table    string `json:"table" validate:"required"`
	SysID    string `json:"sysId" validate:"required"`
	Number   string `json:"number"`
	Action   string `json:"action" validate:"required,oneof=created updated resolved"`
	Priority int    `json:"priority" validate:"omitempty,min=1,max=5"`
}

// Notify publishes a ticket change onto the feed
func (h *Handler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if _, err := servicenow.TableByName(req.Table); err != nil {
		writeServiceError(c, err)
		return
	}

	err := h.Bus.Publish(c.Request.Context(), events.Notification{
		Table:    req.Table,
		SysID:    req.SysID,
		Number:   req.Number,
		Action:   req.Action,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "PUBLISH_FAILED", err.Error(), nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"published": true})
}

// Stats reports sync, warmup and database counters in one place
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	runs, err := h.DB.RecentSyncRuns(ctx, c.Query("table"), 10)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	conns := h.DB.Performance().GetConnectionStats(ctx)
	tables, err := h.DB.Performance().GetTableStats(ctx)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sync": gin.H{
			"remoteCalls": h.Sync.RemoteCalls(),
			"recentRuns":  runs,
		},
		"warmup": h.Queue.Stats(),
		"database": gin.H{
			"openConnections": conns.OpenConnections,
			"inUse":           conns.InUse,
			"idle":            conns.Idle,
			"tables":          tables,
		},
	})
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
