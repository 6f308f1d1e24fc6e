package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/optimly/integrations_backend/config"
)

func syncJobsTopic() string {
	topicName := strings.TrimSpace(os.Getenv("SYNC_JOBS_TOPIC"))
	if topicName == "" {
		topicName = "sync-jobs"
	}
	return topicName
}

// PublishSyncJob announces a queued job to the worker fleet.
func PublishSyncJob(ctx context.Context, jobId uint, tenantId string) error {
	_, err := config.PublishJSON(ctx, syncJobsTopic(), SyncPubSubPayload{
		JobId:    jobId,
		TenantId: tenantId,
	})
	return err
}

// PubSubPushHandler accepts Pub/Sub push deliveries of sync job announcements.
// Always 204: redelivery is driven by the DB queue, not Pub/Sub nacks.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.BoolFromEnv("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.JobId == 0 || payload.TenantId == "" {
			c.Status(204)
			return
		}

		_ = NewOrchestrator().Run(c.Request.Context(), payload.JobId)
		c.Status(204)
	}
}
