package orchestrator

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openfinex/inventory-api/pkg/response"
	"gorm.io/gorm"
)

// GinHandlers contains HTTP handlers for orchestrator endpoints
type GinHandlers struct {
	orchestrator *Orchestrator
}

func NewGinHandlers(o *Orchestrator) *GinHandlers {
	return &GinHandlers{orchestrator: o}
}

// TriggerRecalculationHandler handles POST requests enqueueing a
// recalculation pass for a security. Requires internal authentication.
func (h *GinHandlers) TriggerRecalculationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var t Trigger
		if err := c.ShouldBindJSON(&t); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.orchestrator.Trigger(t); err != nil {
			response.ServiceUnavailable(c, err.Error())
			return
		}
		response.Accepted(c, gin.H{
			"security_id":    t.SecurityID,
			"business_date":  t.BusinessDate,
			"correlation_id": t.CorrelationID,
		})
	}
}

// ListPassesHandler handles GET requests for recent pass audit records
func (h *GinHandlers) ListPassesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		passes, err := h.orchestrator.ListRecentPasses(c.Query("security_id"), limit)
		response.Handle(c, passes, err)
	}
}

// ListAlertsHandler handles GET requests for operational alerts
func (h *GinHandlers) ListAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		unackedOnly := c.Query("unacknowledged") == "true"
		alerts, err := h.orchestrator.ListAlerts(unackedOnly)
		response.Handle(c, alerts, err)
	}
}

// AcknowledgeAlertHandler handles POST requests acknowledging an alert
func (h *GinHandlers) AcknowledgeAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.orchestrator.AcknowledgeAlert(c.Param("alert_id"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "alert not found")
			return
		}
		response.Handle(c, gin.H{"alert_id": c.Param("alert_id"), "acknowledged": true}, err)
	}
}
