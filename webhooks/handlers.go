package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/utils"
	"gorm.io/gorm"
)

const maxWebhookBodyBytes int64 = 1 * 1024 * 1024

// ReceiveHandler accepts POST /webhooks/:provider/:instanceId. Signature
// failures get 401 and nothing is persisted; duplicates get 200; fresh
// events get 202.
func ReceiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		instanceId, err := strconv.ParseUint(c.Param("instanceId"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
			return
		}

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if int64(len(raw)) > maxWebhookBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}

		accepted, err := Receive(c.Request.Context(), c.Param("provider"), uint(instanceId), raw, c.Request.Header)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidSignature):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrProviderDisabled):
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
			case errors.Is(err, ErrInstanceInactive):
				c.JSON(http.StatusConflict, gin.H{"error": "integration instance not active"})
			default:
				config.LogError(logger, "webhooks", "ReceiveHandler", "receive", map[string]interface{}{
					"provider":    c.Param("provider"),
					"instance_id": instanceId,
				}, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}

		status := http.StatusAccepted
		if accepted.Status == models.WebhookStatusDeduped {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"data": accepted})
	}
}

// ListDeadLettersHandler returns the tenant's dead-lettered events, newest
// first.
func ListDeadLettersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		if _, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}

		db := config.GetDB()
		var events []models.WebhookEvent
		if err := db.WithContext(c.Request.Context()).
			Where("processing_status = ?", models.WebhookStatusDeadLettered).
			Order("received_at DESC").
			Limit(limit).
			Find(&events).Error; err != nil {
			config.LogError(logger, "webhooks", "ListDeadLettersHandler", "query", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": events})
	}
}

// ReplayHandler re-queues one dead-lettered event.
func ReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		if _, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		eventId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}

		if err := Replay(c.Request.Context(), uint(eventId)); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
				return
			}
			config.LogError(logger, "webhooks", "ReplayHandler", "replay", map[string]interface{}{
				"event_id": eventId,
			}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"event_id": eventId, "status": models.WebhookStatusReceived}})
	}
}
