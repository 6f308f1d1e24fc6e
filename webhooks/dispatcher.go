package webhooks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/ledger"
	"github.com/optimly/integrations_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const syncJobsTopicEnv = "SYNC_JOBS_TOPIC"

func syncJobsTopic() string {
	if t := os.Getenv(syncJobsTopicEnv); t != "" {
		return t
	}
	return "sync-jobs"
}

type retryConfig struct {
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getRetryConfig() retryConfig {
	cfg := retryConfig{
		maxRetries:  5,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if v := os.Getenv("WEBHOOK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxRetries = n
		}
	}
	if v := os.Getenv("WEBHOOK_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WEBHOOK_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg
}

// retryBackoff is min(base * 2^retry, max).
func retryBackoff(retry int, cfg retryConfig) time.Duration {
	if retry <= 0 {
		return cfg.baseBackoff
	}
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, float64(retry)))
	if delay > cfg.maxBackoff || delay <= 0 {
		return cfg.maxBackoff
	}
	return delay
}

// Dispatcher drives webhook events through their state machine from a DB
// poll loop, so retries survive restarts. Events for one instance are
// processed serially; different instances in parallel.
type Dispatcher struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewDispatcher(db *gorm.DB, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		DB:        db,
		Logger:    logger,
		WorkerID:  "webhook-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.Interval):
		}
	}
}

func (d *Dispatcher) processOnce(ctx context.Context) {
	claimed := d.claimDue(ctx)
	for i := range claimed {
		d.processEvent(ctx, &claimed[i])
	}
}

// claimDue picks due events with SKIP LOCKED, at most one per instance and
// none for instances with an event already in PROCESSING.
func (d *Dispatcher) claimDue(ctx context.Context) []models.WebhookEvent {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTTL)

	var claimed []models.WebhookEvent
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var busy []uint
		if err := tx.Model(&models.WebhookEvent{}).
			Where("processing_status = ? AND locked_at > ?", models.WebhookStatusProcessing, staleBefore).
			Distinct().
			Pluck("integration_instance_id", &busy).Error; err != nil {
			return err
		}

		q := tx.
			Where("processing_status IN ?", []string{models.WebhookStatusReceived, models.WebhookStatusFailed}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if len(busy) > 0 {
			q = q.Where("integration_instance_id NOT IN ?", busy)
		}

		var due []models.WebhookEvent
		if err := q.Find(&due).Error; err != nil {
			return err
		}

		seen := map[uint]bool{}
		for i := range due {
			if seen[due[i].IntegrationInstanceId] {
				continue
			}
			seen[due[i].IntegrationInstanceId] = true
			if err := tx.Model(&models.WebhookEvent{}).
				Where("id = ?", due[i].ID).
				Updates(map[string]interface{}{
					"processing_status": models.WebhookStatusProcessing,
					"locked_at":         now,
					"locked_by":         d.WorkerID,
				}).Error; err != nil {
				return err
			}
			claimed = append(claimed, due[i])
		}
		return nil
	})
	if err != nil {
		config.LogError(d.Logger, "webhooks", "claimDue", "claim batch", nil, err)
		return nil
	}
	return claimed
}

// eventLedgerKey identifies one logical payload per instance, so redeliveries
// of the same webhook never spawn a second job even across redis flushes.
func eventLedgerKey(instanceId uint, payloadHash string) string {
	return fmt.Sprintf("%d:%s", instanceId, payloadHash)
}

// processEvent turns a valid event into a targeted pull sync job and
// publishes it the same way scheduled syncs are published. The ledger entry
// per payload makes processing idempotent across duplicate event rows.
func (d *Dispatcher) processEvent(ctx context.Context, event *models.WebhookEvent) {
	db := d.DB.WithContext(ctx)
	key := eventLedgerKey(event.IntegrationInstanceId, event.PayloadHash)

	skip, err := ledger.Begin(db, event.TenantId, models.LedgerKindWebhookEvent, key)
	if err != nil {
		if errors.Is(err, ledger.ErrInProgress) {
			// Another worker owns this payload; hand the event back to the
			// queue without burning a retry.
			d.requeue(ctx, event, d.Interval)
			return
		}
		d.markFailure(ctx, event, err)
		return
	}
	if skip {
		d.markDeduped(ctx, event)
		return
	}

	job := models.SyncJob{
		TenantId:              event.TenantId,
		IntegrationInstanceId: event.IntegrationInstanceId,
		ProviderType:          event.ProviderType,
		Direction:             models.SyncDirectionPull,
		Status:                models.SyncJobStatusQueued,
		TriggeredBy:           models.SyncTriggeredWebhook,
	}
	if event.EntityType != "" {
		job.EntityTypesJSON = models.EncodeEntityTypes([]string{event.EntityType})
	}

	err = db.Create(&job).Error
	if err == nil {
		_, err = config.PublishJSON(ctx, syncJobsTopic(), map[string]interface{}{
			"job_id":    job.ID,
			"tenant_id": job.TenantId,
		})
	}
	if err != nil {
		_ = ledger.MarkFailed(db, event.TenantId, models.LedgerKindWebhookEvent, key, err)
		d.markFailure(ctx, event, err)
		return
	}
	_ = ledger.MarkSucceeded(db, event.TenantId, models.LedgerKindWebhookEvent, key, nil)
	d.markProcessed(ctx, event, job.ID)
}

// requeue returns a claimed event to the queue after a delay, without
// counting a retry.
func (d *Dispatcher) requeue(ctx context.Context, event *models.WebhookEvent, delay time.Duration) {
	next := time.Now().UTC().Add(delay)
	_ = d.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"processing_status": models.WebhookStatusReceived,
			"next_attempt_at":   &next,
			"locked_at":         nil,
			"locked_by":         nil,
		}).Error
}

// markDeduped closes out an event whose payload a previous delivery already
// processed.
func (d *Dispatcher) markDeduped(ctx context.Context, event *models.WebhookEvent) {
	_ = d.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"processing_status": models.WebhookStatusDeduped,
			"next_attempt_at":   nil,
			"locked_at":         nil,
			"locked_by":         nil,
		}).Error

	d.Logger.WithFields(logrus.Fields{
		"field":       "WebhookDispatch",
		"event_id":    event.ID,
		"instance_id": event.IntegrationInstanceId,
	}).Info("webhook deduped, payload already processed")
}

func (d *Dispatcher) markProcessed(ctx context.Context, event *models.WebhookEvent, jobId uint) {
	now := time.Now().UTC()
	_ = d.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processing_status <> ?", event.ID, models.WebhookStatusDeadLettered).
		Updates(map[string]interface{}{
			"processing_status": models.WebhookStatusProcessed,
			"processed_at":      &now,
			"next_attempt_at":   nil,
			"last_error":        nil,
			"locked_at":         nil,
			"locked_by":         nil,
		}).Error

	d.Logger.WithFields(logrus.Fields{
		"field":       "WebhookDispatch",
		"event_id":    event.ID,
		"instance_id": event.IntegrationInstanceId,
		"job_id":      jobId,
	}).Info("webhook processed")
}

func (d *Dispatcher) markFailure(ctx context.Context, event *models.WebhookEvent, cause error) {
	cfg := getRetryConfig()
	now := time.Now().UTC()
	errMsg := cause.Error()

	retries := event.RetryCount + 1
	status := models.WebhookStatusFailed
	var nextAttemptAt *time.Time
	if retries >= cfg.maxRetries {
		status = models.WebhookStatusDeadLettered
	} else {
		t := now.Add(retryBackoff(retries, cfg))
		nextAttemptAt = &t
	}

	_ = d.DB.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"processing_status": status,
			"retry_count":       retries,
			"next_attempt_at":   nextAttemptAt,
			"last_error":        &errMsg,
			"locked_at":         nil,
			"locked_by":         nil,
		}).Error

	entry := d.Logger.WithFields(logrus.Fields{
		"field":             "WebhookDispatch",
		"event_id":          event.ID,
		"instance_id":       event.IntegrationInstanceId,
		"processing_status": status,
		"retry_count":       retries,
	})
	if status == models.WebhookStatusDeadLettered {
		entry.Error("webhook dead lettered: " + errMsg)
	} else {
		entry.Warn("webhook processing failed: " + errMsg)
	}
}

// Replay re-queues a dead-lettered event for processing.
func Replay(ctx context.Context, eventId uint) error {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processing_status = ?", eventId, models.WebhookStatusDeadLettered).
		Updates(map[string]interface{}{
			"processing_status": models.WebhookStatusReceived,
			"retry_count":       0,
			"next_attempt_at":   nil,
			"last_error":        nil,
			"locked_at":         nil,
			"locked_by":         nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
