package opshttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"helmsman/internal/audit"
	"helmsman/internal/exitintent"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/risk"

	"github.com/gin-gonic/gin"
)

// StatusProvider supplies the runtime snapshot for /status.
type StatusProvider interface {
	Status(ctx context.Context) (Status, error)
}

// BookReader exposes the open positions.
type BookReader interface {
	List(ctx context.Context) ([]*ledger.Position, error)
}

// IntentReader exposes the pending exit intents.
type IntentReader interface {
	ListPlanned(ctx context.Context) ([]exitintent.Intent, error)
}

// AuditReader exposes the decision trail.
type AuditReader interface {
	Recent(ctx context.Context, symbol string, limit int) ([]audit.Event, error)
}

// Status is the runtime summary returned by /status.
type Status struct {
	Env          string              `json:"env"`
	BrokerMode   string              `json:"broker_mode"`
	ClockOpen    bool                `json:"clock_open"`
	ClockStale   bool                `json:"clock_stale"`
	Portfolio    risk.PortfolioState `json:"portfolio"`
	Unreconciled []string            `json:"unreconciled,omitempty"`
}

// Router exposes the operator query endpoints.
type Router struct {
	status StatusProvider
	book   BookReader
	intent IntentReader
	audit  AuditReader
}

func NewRouter(status StatusProvider, book BookReader, intent IntentReader, auditLog AuditReader) *Router {
	return &Router{status: status, book: book, intent: intent, audit: auditLog}
}

// Register mounts the routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/positions", r.handlePositions)
	group.GET("/intents", r.handleIntents)
	group.GET("/decisions", r.handleDecisions)
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status provider unavailable"})
		return
	}
	st, err := r.status.Status(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] status failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handlePositions(c *gin.Context) {
	if r.book == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		return
	}
	positions, err := r.book.List(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] positions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (r *Router) handleIntents(c *gin.Context) {
	if r.intent == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent store unavailable"})
		return
	}
	intents, err := r.intent.ListPlanned(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] intents failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents, "count": len(intents)})
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log unavailable"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	events, err := r.audit.Recent(c.Request.Context(), symbol, limit)
	if err != nil {
		logger.Errorf("[api] decisions failed ip=%s symbol=%s err=%v", c.ClientIP(), symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
