package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
)

func webhookEventsTopic() string {
	topicName := strings.TrimSpace(os.Getenv("WEBHOOK_EVENTS_TOPIC"))
	if topicName == "" {
		topicName = "webhook-events"
	}
	return topicName
}

type eventPubSubPayload struct {
	EventId  uint   `json:"event_id"`
	TenantId string `json:"tenant_id"`
}

type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishEvent announces a freshly received event so a worker picks it up
// without waiting for the next poll tick.
func PublishEvent(ctx context.Context, eventId uint, tenantId string) error {
	_, err := config.PublishJSON(ctx, webhookEventsTopic(), eventPubSubPayload{
		EventId:  eventId,
		TenantId: tenantId,
	})
	return err
}

// PubSubPushHandler accepts Pub/Sub push deliveries of event announcements.
// Always 204: redelivery is driven by the DB queue, not Pub/Sub nacks.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.BoolFromEnv("ENABLE_WEBHOOK_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload eventPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.EventId == 0 || payload.TenantId == "" {
			c.Status(204)
			return
		}

		d := NewDispatcher(config.GetDB(), config.GetLogger())
		d.ProcessOne(c.Request.Context(), payload.EventId)
		c.Status(204)
	}
}

// ProcessOne claims a specific ready event and processes it. A no-op when the
// event is already claimed, processed or its instance is busy; the poll loop
// remains the source of truth for retries.
func (d *Dispatcher) ProcessOne(ctx context.Context, eventId uint) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTTL)

	var event models.WebhookEvent
	if err := d.DB.WithContext(ctx).Where("id = ?", eventId).Take(&event).Error; err != nil {
		return
	}

	var busy int64
	if err := d.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("integration_instance_id = ? AND processing_status = ? AND locked_at > ?",
			event.IntegrationInstanceId, models.WebhookStatusProcessing, staleBefore).
		Count(&busy).Error; err != nil || busy > 0 {
		return
	}

	res := d.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processing_status IN ?", eventId,
			[]string{models.WebhookStatusReceived, models.WebhookStatusFailed}).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
		Updates(map[string]interface{}{
			"processing_status": models.WebhookStatusProcessing,
			"locked_at":         now,
			"locked_by":         d.WorkerID,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}
	d.processEvent(ctx, &event)
}
