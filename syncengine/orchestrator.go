package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/ledger"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/transform"
	"github.com/optimly/integrations_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	pageLimit       = 200
	instanceLockTTL = 10 * time.Minute
)

// errEntityHalted stops one entity type's sync without failing the job, used
// when a manual_review conflict policy fires.
var errEntityHalted = errors.New("entity sync halted for manual review")

var errJobCancelled = errors.New("sync job cancelled")

// runState carries everything one job execution mutates.
type runState struct {
	job      *models.SyncJob
	instance *models.IntegrationInstance
	settings models.InstanceSettings
	provider Provider
	cursor   CursorState
	stats    models.SyncStats
	seen     map[string]bool
	mappings map[string]*mappingPair
	started  time.Time
}

type mappingPair struct {
	row      *models.FieldMapping
	compiled *transform.Mapping
}

type Orchestrator struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{DB: config.GetDB(), Logger: config.GetLogger()}
}

func jobLedgerKey(jobId uint) string {
	return fmt.Sprintf("job-%d", jobId)
}

func recordLedgerKey(instanceId uint, entityType, externalId, version string) string {
	return fmt.Sprintf("%d:%s:%s:%s", instanceId, entityType, externalId, version)
}

// Run executes one sync job to completion, checkpoint, throttle or failure.
// Jobs for one instance are serialized by a redis lock; a held lock
// reschedules the job instead of blocking.
func (o *Orchestrator) Run(ctx context.Context, jobId uint) error {
	job, err := models.GetSyncJob(ctx, jobId)
	if err != nil {
		return err
	}
	if models.TerminalJobStatus(job.Status) {
		return nil
	}
	ctx = utils.SetTenantIdInContext(ctx, job.TenantId)

	lock, err := utils.ObtainInstanceLock(ctx, "sync", job.IntegrationInstanceId, instanceLockTTL)
	if err != nil {
		if errors.Is(err, utils.ErrConcurrencyConflict) {
			return o.reschedule(ctx, job, 30*time.Second)
		}
		return err
	}
	defer func() { _ = lock.Release(context.Background()) }()

	skip, err := ledger.Begin(o.DB.WithContext(ctx), job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(job.ID))
	if err != nil {
		if errors.Is(err, ledger.ErrInProgress) {
			return o.reschedule(ctx, job, 30*time.Second)
		}
		return err
	}
	if skip {
		return nil
	}

	instance, err := models.GetIntegrationInstance(ctx, job.IntegrationInstanceId)
	if err != nil {
		return o.fail(ctx, job, "integration instance not found", err)
	}
	if instance.Status != models.InstanceStatusActive {
		return o.fail(ctx, job, "integration instance is not active", nil)
	}

	st := &runState{
		job:      job,
		instance: instance,
		seen:     map[string]bool{},
		mappings: map[string]*mappingPair{},
		stats:    models.DecodeSyncStats(job.StatsJSON),
		started:  time.Now().UTC(),
	}
	if len(instance.SettingsJSON) > 0 {
		_ = json.Unmarshal(instance.SettingsJSON, &st.settings)
	}
	if st.settings.ConflictPolicy == "" {
		st.settings.ConflictPolicy = models.ConflictPolicyMostRecentWins
	}

	// A resumed job continues from its own cursor; a taken-over job falls
	// back to its ledger checkpoint; a fresh one starts at the instance
	// watermark.
	st.cursor = DecodeCursorState(job.CursorStateJSON)
	if len(st.cursor) == 0 {
		if saved, cpErr := ledger.LastCheckpoint(o.DB.WithContext(ctx), job.TenantId,
			models.LedgerKindSyncJob, jobLedgerKey(job.ID)); cpErr == nil {
			st.cursor = DecodeCursorState(saved)
		}
	}
	if len(st.cursor) == 0 {
		st.cursor = DecodeCursorState(instance.CursorStateJSON)
	}

	cred, err := credstore.Retrieve(ctx, instance.ID)
	if err != nil {
		return o.authFail(ctx, st, err)
	}
	provider, err := NewProvider(instance.ProviderType, cred)
	if err != nil {
		return o.authFail(ctx, st, err)
	}
	st.provider = provider

	now := time.Now()
	startedAt := job.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := o.DB.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     models.SyncJobStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	entityTypes := job.EntityTypes()
	if len(entityTypes) == 0 {
		entityTypes = st.settings.EntityTypes
	}
	if len(entityTypes) == 0 {
		return o.fail(ctx, job, "no entity types configured", nil)
	}

	systemicErr := o.runEntities(ctx, st, entityTypes)
	if systemicErr != nil {
		var throttled *ThrottledError
		switch {
		case errors.As(systemicErr, &throttled):
			return o.throttle(ctx, st, throttled.RetryAfter)
		case errors.Is(systemicErr, ErrAuthFailed), errors.Is(systemicErr, credstore.ErrCredentialExpired):
			return o.authFail(ctx, st, systemicErr)
		case errors.Is(systemicErr, errJobCancelled):
			return o.fail(ctx, job, "cancelled by user", nil)
		case errors.Is(systemicErr, utils.ErrConcurrencyConflict):
			return o.reschedule(ctx, job, 30*time.Second)
		case errors.Is(systemicErr, ErrProviderUnavailable):
			return o.retryTransient(ctx, st, systemicErr)
		default:
			return o.fail(ctx, job, "sync failed: "+systemicErr.Error(), systemicErr)
		}
	}

	return o.finish(ctx, st)
}

func (o *Orchestrator) runEntities(ctx context.Context, st *runState, entityTypes []string) error {
	for _, entityType := range entityTypes {
		var err error
		switch st.job.Direction {
		case models.SyncDirectionPull:
			err = o.pullEntity(ctx, st, entityType)
		case models.SyncDirectionPush:
			err = o.pushEntity(ctx, st, entityType)
		case models.SyncDirectionBidirectional:
			err = o.pullEntity(ctx, st, entityType)
			if err == nil || errors.Is(err, errEntityHalted) {
				haltedPull := errors.Is(err, errEntityHalted)
				err = o.pushEntity(ctx, st, entityType)
				if err == nil && haltedPull {
					err = errEntityHalted
				}
			}
		default:
			return fmt.Errorf("unknown direction %q", st.job.Direction)
		}
		if err != nil && !errors.Is(err, errEntityHalted) {
			return err
		}
	}
	return nil
}

// pullEntity pages through the provider's change feed since the watermark,
// transforming and upserting each record. The cursor is checkpointed after
// every committed page.
func (o *Orchestrator) pullEntity(ctx context.Context, st *runState, entityType string) error {
	entry := st.cursor[entityType]
	updatedSince := strings.TrimSpace(entry.UpdatedSince)
	if updatedSince == "" && st.instance.LastSuccessSyncAt != nil {
		updatedSince = st.instance.LastSuccessSyncAt.UTC().Format(time.RFC3339)
	}

	nextCursor := strings.TrimSpace(entry.Cursor)
	for {
		page, err := st.provider.List(ctx, entityType, updatedSince, nextCursor, pageLimit)
		if err != nil {
			return err
		}

		for i := range page.Records {
			if err := o.pullRecord(ctx, st, &page.Records[i]); err != nil {
				return err
			}
		}

		entry.Cursor = page.NextCursor
		if !page.HasMore {
			// Feed drained: advance the watermark to this run's start so the
			// next run picks up from here.
			entry.UpdatedSince = st.started.Format(time.RFC3339)
			entry.Cursor = ""
		}
		st.cursor[entityType] = entry
		if err := o.checkpoint(ctx, st); err != nil {
			return err
		}
		if err := o.cancelled(ctx, st); err != nil {
			return err
		}
		if !page.HasMore {
			return nil
		}
		nextCursor = page.NextCursor
	}
}

func (o *Orchestrator) pullRecord(ctx context.Context, st *runState, rec *Record) error {
	st.stats.RecordsRead++

	seenKey := rec.EntityType + ":" + rec.ExternalId
	if st.seen[seenKey] {
		st.stats.RecordsDeduped++
		return nil
	}
	st.seen[seenKey] = true

	db := o.DB.WithContext(ctx)
	ledgerKey := recordLedgerKey(st.instance.ID, rec.EntityType, rec.ExternalId, rec.Version)
	skip, err := ledger.Begin(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey)
	if err != nil {
		if errors.Is(err, ledger.ErrInProgress) {
			st.stats.RecordsDeduped++
			return nil
		}
		return err
	}
	if skip {
		st.stats.RecordsDeduped++
		return nil
	}

	output, recErr := o.transformRecord(ctx, st, rec)
	if recErr != nil {
		st.stats.RecordsFailed++
		raw, _ := json.Marshal(rec.Data)
		_ = models.CreateRecordFailure(ctx, st.job.ID, st.job.TenantId, rec.EntityType, rec.ExternalId,
			recErr.Reason, recErr.Error(), raw, false)
		_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, recErr)
		return nil
	}

	mapping, err := models.FindEntityMapping(ctx, db, st.job.TenantId, st.instance.ID, rec.EntityType, rec.ExternalId)
	if err != nil {
		return err
	}
	internalId := uuid.NewString()
	if mapping != nil {
		internalId = mapping.InternalId
	}

	writeLocal := true
	if st.job.Direction == models.SyncDirectionBidirectional && mapping != nil {
		local, err := models.FindInternalRecord(ctx, db, st.job.TenantId, rec.EntityType, internalId)
		if err != nil {
			return err
		}
		if BothSidesChanged(mapping, *rec, local) {
			var targetModifiedAt *time.Time
			if local != nil {
				targetModifiedAt = local.ModifiedAt
			}
			resolution := ResolveConflict(st.settings.ConflictPolicy, rec.ModifiedAt, targetModifiedAt)
			if err := recordConflict(ctx, st.job.ID, st.job.TenantId, *rec, local, resolution); err != nil {
				return err
			}
			switch resolution {
			case models.ResolutionManualRequired:
				_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, errEntityHalted)
				return errEntityHalted
			case models.ResolutionTargetWins:
				writeLocal = false
			}
		}
	}

	if writeLocal {
		modifiedAt := rec.ModifiedAt
		record := models.InternalRecord{
			TenantId:   st.job.TenantId,
			EntityType: rec.EntityType,
			InternalId: internalId,
			Version:    rec.Version,
			ModifiedAt: modifiedAt,
		}
		record.DataJSON, _ = json.Marshal(output)
		if err := models.UpsertInternalRecord(ctx, db, &record); err != nil {
			st.stats.RecordsFailed++
			_ = models.CreateRecordFailure(ctx, st.job.ID, st.job.TenantId, rec.EntityType, rec.ExternalId,
				"write_failed", err.Error(), nil, true)
			_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, err)
			return nil
		}
		st.stats.RecordsWritten++
	} else {
		st.stats.RecordsDeduped++
	}

	newMapping := models.EntityMapping{
		TenantId:              st.job.TenantId,
		IntegrationInstanceId: st.instance.ID,
		EntityType:            rec.EntityType,
		ExternalId:            rec.ExternalId,
		InternalId:            internalId,
		SourceVersion:         rec.Version,
		SourceModifiedAt:      rec.ModifiedAt,
	}
	if mapping != nil {
		newMapping.TargetVersion = mapping.TargetVersion
		newMapping.TargetModifiedAt = mapping.TargetModifiedAt
	}
	if err := models.UpsertEntityMapping(ctx, db, &newMapping); err != nil {
		return err
	}

	return ledger.MarkSucceeded(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, nil)
}

// pushEntity sends locally changed records to the provider since the push
// watermark.
func (o *Orchestrator) pushEntity(ctx context.Context, st *runState, entityType string) error {
	db := o.DB.WithContext(ctx)
	entry := st.cursor[entityType]

	var since *time.Time
	if t, ok := utils.ParseTimeLenient(entry.PushSince); ok {
		since = &t
	}

	for {
		batch, err := models.ListInternalRecordsSince(ctx, db, st.job.TenantId, entityType, since, pageLimit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for i := range batch {
			if err := o.pushRecord(ctx, st, &batch[i]); err != nil {
				return err
			}
		}

		last := batch[len(batch)-1].UpdatedAt
		since = &last
		entry.PushSince = last.UTC().Format(time.RFC3339Nano)
		st.cursor[entityType] = entry
		if err := o.checkpoint(ctx, st); err != nil {
			return err
		}
		if err := o.cancelled(ctx, st); err != nil {
			return err
		}
		if len(batch) < pageLimit {
			return nil
		}
	}
}

func (o *Orchestrator) pushRecord(ctx context.Context, st *runState, local *models.InternalRecord) error {
	st.stats.RecordsRead++

	seenKey := "push:" + local.EntityType + ":" + local.InternalId
	if st.seen[seenKey] {
		st.stats.RecordsDeduped++
		return nil
	}
	st.seen[seenKey] = true

	db := o.DB.WithContext(ctx)
	mapping, err := models.FindEntityMappingByInternalId(ctx, db, st.job.TenantId, st.instance.ID, local.EntityType, local.InternalId)
	if err != nil {
		return err
	}
	if mapping != nil && mapping.TargetVersion == local.Version && local.Version != "" {
		// Already pushed at this version; typically the echo of a pull.
		st.stats.RecordsDeduped++
		return nil
	}

	ledgerKey := recordLedgerKey(st.instance.ID, local.EntityType, "push:"+local.InternalId, local.Version)
	skip, err := ledger.Begin(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey)
	if err != nil {
		if errors.Is(err, ledger.ErrInProgress) {
			st.stats.RecordsDeduped++
			return nil
		}
		return err
	}
	if skip {
		st.stats.RecordsDeduped++
		return nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(local.DataJSON, &data); err != nil {
		st.stats.RecordsFailed++
		_ = models.CreateRecordFailure(ctx, st.job.ID, st.job.TenantId, local.EntityType, local.InternalId,
			"invalid_payload", err.Error(), local.DataJSON, false)
		_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, err)
		return nil
	}

	out := Record{EntityType: local.EntityType, Data: data}
	if mapping != nil {
		out.ExternalId = mapping.ExternalId
	}
	written, err := st.provider.Write(ctx, out)
	if err != nil {
		var throttled *ThrottledError
		if errors.As(err, &throttled) || errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrProviderUnavailable) {
			_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, err)
			return err
		}
		st.stats.RecordsFailed++
		_ = models.CreateRecordFailure(ctx, st.job.ID, st.job.TenantId, local.EntityType, local.InternalId,
			"write_failed", err.Error(), local.DataJSON, true)
		_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, err)
		return nil
	}
	st.stats.RecordsWritten++

	newMapping := models.EntityMapping{
		TenantId:              st.job.TenantId,
		IntegrationInstanceId: st.instance.ID,
		EntityType:            local.EntityType,
		ExternalId:            written.ExternalId,
		InternalId:            local.InternalId,
		SourceVersion:         written.Version,
		SourceModifiedAt:      written.ModifiedAt,
		TargetVersion:         local.Version,
		TargetModifiedAt:      local.ModifiedAt,
	}
	if mapping != nil && newMapping.SourceVersion == "" {
		newMapping.SourceVersion = mapping.SourceVersion
		newMapping.SourceModifiedAt = mapping.SourceModifiedAt
	}
	if err := models.UpsertEntityMapping(ctx, db, &newMapping); err != nil {
		return err
	}

	return ledger.MarkSucceeded(db, st.job.TenantId, models.LedgerKindRecord, ledgerKey, nil)
}

// transformRecord applies the entity's field mapping, falling back to a
// passthrough when none is configured. Returns a RecordError for
// record-level rejections.
func (o *Orchestrator) transformRecord(ctx context.Context, st *runState, rec *Record) (map[string]any, *transform.RecordError) {
	pair, err := o.resolveMapping(ctx, st, rec.EntityType)
	if err != nil {
		return nil, &transform.RecordError{Field: "", Reason: "mapping_unavailable"}
	}
	if pair == nil {
		return rec.Data, nil
	}

	result, err := transform.Transform(rec.Data, pair.compiled)
	if err != nil {
		var recErr *transform.RecordError
		if errors.As(err, &recErr) {
			return nil, recErr
		}
		return nil, &transform.RecordError{Field: "", Reason: "transform_failed"}
	}
	for _, w := range result.Warnings {
		o.Logger.WithFields(logrus.Fields{
			"field":       "SyncTransform",
			"job_id":      st.job.ID,
			"entity_type": rec.EntityType,
			"external_id": rec.ExternalId,
			"warn_field":  w.Field,
			"reason":      w.Reason,
		}).Warn("transform warning")
	}
	return result.Output, nil
}

func (o *Orchestrator) resolveMapping(ctx context.Context, st *runState, entityType string) (*mappingPair, error) {
	if pair, ok := st.mappings[entityType]; ok {
		return pair, nil
	}

	var row models.FieldMapping
	err := o.DB.WithContext(ctx).
		Where("tenant_id = ? AND provider_type = ? AND entity_type = ?", st.job.TenantId, st.instance.ProviderType, entityType).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st.mappings[entityType] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	compiled, err := row.Decode()
	if err != nil {
		return nil, err
	}
	pair := &mappingPair{row: &row, compiled: compiled}
	st.mappings[entityType] = pair
	return pair, nil
}

// checkpoint persists job progress and the instance watermark with an
// optimistic version compare.
func (o *Orchestrator) checkpoint(ctx context.Context, st *runState) error {
	cursorJSON := EncodeCursorState(st.cursor)
	statsJSON := st.stats.Encode()

	db := o.DB.WithContext(ctx)
	if err := db.Model(&models.SyncJob{}).
		Where("id = ?", st.job.ID).
		Updates(map[string]interface{}{
			"cursor_state_json": cursorJSON,
			"stats_json":        statsJSON,
		}).Error; err != nil {
		return err
	}

	if err := models.CheckpointInstanceWatermark(ctx, st.instance.ID, st.instance.WatermarkVersion, cursorJSON); err != nil {
		return err
	}
	st.instance.WatermarkVersion++

	return ledger.Checkpoint(db, st.job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(st.job.ID), cursorJSON, statsJSON)
}

// cancelled checks the cooperative cancel flag at page boundaries.
func (o *Orchestrator) cancelled(ctx context.Context, st *runState) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var flagged bool
	if err := o.DB.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", st.job.ID).
		Pluck("cancel_requested", &flagged).Error; err != nil {
		return err
	}
	if flagged {
		return errJobCancelled
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, st *runState) error {
	now := time.Now()
	status := models.SyncJobStatusSucceeded
	if st.stats.RecordsFailed > 0 && st.stats.RecordsWritten > 0 {
		status = models.SyncJobStatusPartiallyFailed
	} else if st.stats.RecordsFailed > 0 {
		status = models.SyncJobStatusFailed
	}

	db := o.DB.WithContext(ctx)
	if err := db.Model(&models.SyncJob{}).
		Where("id = ?", st.job.ID).
		Updates(map[string]interface{}{
			"status":            status,
			"completed_at":      &now,
			"cursor_state_json": EncodeCursorState(st.cursor),
			"stats_json":        st.stats.Encode(),
		}).Error; err != nil {
		return err
	}

	instanceUpdates := map[string]interface{}{"last_sync_at": &now}
	if status == models.SyncJobStatusSucceeded {
		instanceUpdates["last_success_sync_at"] = &now
	}
	if err := db.Model(&models.IntegrationInstance{}).
		Where("id = ?", st.instance.ID).
		Updates(instanceUpdates).Error; err != nil {
		return err
	}
	_ = models.ResetInstanceAuthFailures(ctx, st.instance.ID)

	for _, pair := range st.mappings {
		if pair != nil && !pair.row.Referenced {
			_ = models.MarkMappingReferenced(ctx, pair.row.ID)
		}
	}

	if status == models.SyncJobStatusFailed {
		if err := ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(st.job.ID),
			fmt.Errorf("all %d records failed", st.stats.RecordsFailed)); err != nil {
			return err
		}
	} else if err := ledger.MarkSucceeded(db, st.job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(st.job.ID), st.stats.Encode()); err != nil {
		return err
	}

	o.Logger.WithFields(logrus.Fields{
		"field":           "SyncRun",
		"job_id":          st.job.ID,
		"instance_id":     st.instance.ID,
		"status":          status,
		"records_read":    st.stats.RecordsRead,
		"records_written": st.stats.RecordsWritten,
		"records_failed":  st.stats.RecordsFailed,
		"records_deduped": st.stats.RecordsDeduped,
	}).Info("sync job finished")
	return nil
}

// throttle parks the job until the provider's retry window passes. The
// cursor already reflects the last committed page, so nothing is lost.
func (o *Orchestrator) throttle(ctx context.Context, st *runState, retryAfter time.Duration) error {
	resumeAt := time.Now().Add(retryAfter)
	db := o.DB.WithContext(ctx)
	// Release the ledger claim so the resumed run can take over immediately.
	_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(st.job.ID),
		errors.New("provider throttled"))
	err := db.Model(&models.SyncJob{}).
		Where("id = ?", st.job.ID).
		Updates(map[string]interface{}{
			"status":            models.SyncJobStatusThrottled,
			"resume_at":         &resumeAt,
			"next_attempt_at":   &resumeAt,
			"cursor_state_json": EncodeCursorState(st.cursor),
			"stats_json":        st.stats.Encode(),
			"locked_at":         nil,
			"locked_by":         nil,
		}).Error
	if err != nil {
		return err
	}
	o.Logger.WithFields(logrus.Fields{
		"field":     "SyncRun",
		"job_id":    st.job.ID,
		"resume_at": resumeAt.Format(time.RFC3339),
	}).Warn("sync job throttled by provider")
	return nil
}

// retryTransient requeues the job with capped exponential backoff after a
// transient provider failure (5xx, timeout), failing it only once attempts
// are exhausted. Checkpointed cursor progress makes the retry resume-safe.
func (o *Orchestrator) retryTransient(ctx context.Context, st *runState, cause error) error {
	maxAttempts := config.IntFromEnv("SYNC_MAX_ATTEMPTS", 5)
	if st.job.Attempts+1 >= maxAttempts {
		return o.fail(ctx, st.job, "provider unavailable, retries exhausted: "+cause.Error(), cause)
	}

	db := o.DB.WithContext(ctx)
	// Release the ledger claim so the retried run can take over immediately.
	_ = ledger.MarkFailed(db, st.job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(st.job.ID), cause)
	if err := db.Model(&models.SyncJob{}).
		Where("id = ?", st.job.ID).
		Updates(map[string]interface{}{
			"cursor_state_json": EncodeCursorState(st.cursor),
			"stats_json":        st.stats.Encode(),
		}).Error; err != nil {
		return err
	}

	delay := transientBackoff(st.job.Attempts)
	o.Logger.WithFields(logrus.Fields{
		"field":   "SyncRun",
		"job_id":  st.job.ID,
		"attempt": st.job.Attempts + 1,
		"delay":   delay.String(),
	}).Warn("provider unavailable, retrying: " + cause.Error())
	return o.reschedule(ctx, st.job, delay)
}

// transientBackoff is min(base * 2^attempts, max).
func transientBackoff(attempts int) time.Duration {
	base := time.Duration(config.IntFromEnv("SYNC_BASE_BACKOFF_SECONDS", 30)) * time.Second
	maxDelay := time.Duration(config.IntFromEnv("SYNC_MAX_BACKOFF_SECONDS", 600)) * time.Second
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

// authFail stops the job and flips the instance to ERROR so the user is told
// to reconnect.
func (o *Orchestrator) authFail(ctx context.Context, st *runState, cause error) error {
	threshold := config.IntFromEnv("AUTH_FAILURE_THRESHOLD", 1)
	newStatus, err := models.RecordInstanceAuthFailure(ctx, st.instance.ID, threshold)
	if err != nil {
		o.Logger.WithFields(logrus.Fields{
			"field":       "SyncRun",
			"instance_id": st.instance.ID,
		}).Error("failed to record auth failure: " + err.Error())
	}
	reason := "authentication failed, please reconnect your account"
	failErr := o.fail(ctx, st.job, reason, cause)
	if newStatus == models.InstanceStatusError {
		o.Logger.WithFields(logrus.Fields{
			"field":       "SyncRun",
			"instance_id": st.instance.ID,
			"status":      newStatus,
		}).Error("integration instance disabled after auth failure")
	}
	return failErr
}

func (o *Orchestrator) fail(ctx context.Context, job *models.SyncJob, reason string, cause error) error {
	now := time.Now()
	db := o.DB.WithContext(ctx)
	if err := db.Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":         models.SyncJobStatusFailed,
			"failure_reason": reason,
			"completed_at":   &now,
			"locked_at":      nil,
			"locked_by":      nil,
		}).Error; err != nil {
		return err
	}

	ledgerErr := cause
	if ledgerErr == nil {
		ledgerErr = errors.New(reason)
	}
	_ = ledger.MarkFailed(db, job.TenantId, models.LedgerKindSyncJob, jobLedgerKey(job.ID), ledgerErr)

	if cause != nil {
		config.LogError(o.Logger, "syncengine", "Run", reason, map[string]interface{}{
			"job_id": job.ID,
		}, cause)
	}
	return nil
}

func (o *Orchestrator) reschedule(ctx context.Context, job *models.SyncJob, delay time.Duration) error {
	nextAttempt := time.Now().Add(delay)
	return o.DB.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":          models.SyncJobStatusQueued,
			"next_attempt_at": &nextAttempt,
			"attempts":        gorm.Expr("attempts + 1"),
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}
