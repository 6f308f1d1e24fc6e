package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/ledger"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/utils"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider type")
	ErrProviderDisabled = errors.New("provider disabled")
	ErrInstanceInactive = errors.New("integration instance not active")
)

// Accepted is the outcome of receiving a webhook.
type Accepted struct {
	EventId uint   `json:"event_id"`
	Status  string `json:"status"` // received, deduped
}

// DedupeWindow is how long an identical payload for the same instance is
// treated as a duplicate.
func DedupeWindow() time.Duration {
	return time.Duration(config.IntFromEnv("WEBHOOK_DEDUPE_WINDOW_HOURS", 24)) * time.Hour
}

func dedupeKey(instanceId uint, hash string) string {
	return fmt.Sprintf("webhook:dedupe:%d:%s", instanceId, hash)
}

// entityEnvelope is the minimal shape every supported provider includes in
// its webhook payloads.
type entityEnvelope struct {
	EntityType string `json:"entity_type"`
	EventType  string `json:"event_type"`
}

// Receive verifies, dedupes and persists one inbound webhook. Invalid
// signatures are rejected without persisting anything. Duplicates are stored
// as DEDUPED and never reprocessed.
func Receive(ctx context.Context, providerType string, instanceId uint, raw []byte, headers http.Header) (*Accepted, error) {
	logger := config.GetLogger()

	if !models.ValidProviderType(providerType) {
		return nil, ErrUnknownProvider
	}
	if !config.ProviderEnabled(providerType) {
		return nil, ErrProviderDisabled
	}
	verifier, ok := LookupVerifier(providerType)
	if !ok {
		return nil, ErrUnknownProvider
	}

	instance, err := models.GetIntegrationInstance(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	if instance.ProviderType != providerType {
		return nil, ErrUnknownProvider
	}
	if instance.Status != models.InstanceStatusActive {
		return nil, ErrInstanceInactive
	}

	cred, err := credstore.Retrieve(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	if err := verifier(cred.SigningKey, raw, headers); err != nil {
		logger.WithFields(logrus.Fields{
			"field":       "WebhookIngest",
			"provider":    providerType,
			"instance_id": instanceId,
		}).Warn("webhook signature rejected")
		return nil, ErrInvalidSignature
	}

	hash := utils.PayloadHash(raw)
	var envelope entityEnvelope
	_ = json.Unmarshal(raw, &envelope)

	event := models.WebhookEvent{
		TenantId:              instance.TenantId,
		IntegrationInstanceId: instanceId,
		ProviderType:          providerType,
		PayloadHash:           hash,
		RawPayload:            raw,
		EntityType:            envelope.EntityType,
		SignatureValid:        true,
		ProcessingStatus:      models.WebhookStatusReceived,
	}

	dup, err := isDuplicate(ctx, instance.TenantId, instanceId, hash)
	if err != nil {
		return nil, err
	}
	if dup {
		event.ProcessingStatus = models.WebhookStatusDeduped
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, err
	}

	if event.ProcessingStatus == models.WebhookStatusReceived {
		if err := PublishEvent(ctx, event.ID, event.TenantId); err != nil {
			// The poll loop still picks the event up; publish is a fast path.
			config.LogError(logger, "webhooks", "Receive", "publish event", map[string]interface{}{
				"event_id": event.ID,
			}, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"field":       "WebhookIngest",
		"provider":    providerType,
		"instance_id": instanceId,
		"event_id":    event.ID,
		"entity_type": envelope.EntityType,
		"status":      event.ProcessingStatus,
	}).Info("webhook received")

	return &Accepted{EventId: event.ID, Status: event.ProcessingStatus}, nil
}

// isDuplicate consults the redis recent-window first, then the processing
// ledger, then a DB window check, so the window survives a redis flush. A
// miss registers the hash.
func isDuplicate(ctx context.Context, tenantId string, instanceId uint, hash string) (bool, error) {
	fresh, err := config.SetRedisValueNX(dedupeKey(instanceId, hash), "1", DedupeWindow())
	if err == nil && !fresh {
		return true, nil
	}

	db := config.GetDB()
	processed, err := ledger.IsAlreadyProcessed(db.WithContext(ctx), tenantId,
		models.LedgerKindWebhookEvent, eventLedgerKey(instanceId, hash))
	if err != nil {
		return false, err
	}
	if processed {
		return true, nil
	}

	cutoff := time.Now().Add(-DedupeWindow())
	var count int64
	dbErr := db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("integration_instance_id = ? AND payload_hash = ? AND received_at >= ? AND processing_status IN ?",
			instanceId, hash, cutoff,
			[]string{models.WebhookStatusReceived, models.WebhookStatusProcessing, models.WebhookStatusProcessed}).
		Count(&count).Error
	if dbErr != nil {
		return false, dbErr
	}
	return count > 0, nil
}
