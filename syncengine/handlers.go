package syncengine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/transform"
	"github.com/optimly/integrations_backend/utils"
)

var validate = validator.New()

type createInstanceRequest struct {
	ProviderType string                  `json:"provider_type" validate:"required"`
	DisplayName  string                  `json:"display_name" validate:"max=255"`
	Settings     models.InstanceSettings `json:"settings"`
}

type connectRequest struct {
	AuthType     string `json:"auth_type" validate:"required,oneof=oauth api_key"`
	APIKey       string `json:"api_key"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SigningKey   string `json:"signing_key"`
	ExpiresAt    string `json:"expires_at"`
}

type mappingRequest struct {
	Name         string           `json:"name" validate:"required,max=100"`
	ProviderType string           `json:"provider_type" validate:"required"`
	EntityType   string           `json:"entity_type" validate:"required,max=50"`
	Rules        []transform.Rule `json:"rules" validate:"required,min=1"`
	TargetSchema json.RawMessage  `json:"target_schema"`
}

// CreateInstanceHandler registers a tenant's connection to a provider. The
// instance stays pending_auth until credentials are stored.
func CreateInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req createInstanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !models.ValidProviderType(req.ProviderType) || !config.ProviderEnabled(req.ProviderType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider type"})
			return
		}

		instance := models.IntegrationInstance{
			TenantId:     tenantId,
			ProviderType: req.ProviderType,
			Status:       models.InstanceStatusPendingAuth,
			DisplayName:  strings.TrimSpace(req.DisplayName),
		}
		instance.SettingsJSON, _ = json.Marshal(req.Settings)

		db := config.GetDB()
		if err := db.WithContext(c.Request.Context()).Create(&instance).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": instance})
	}
}

// ConnectHandler stores (or rotates) the instance's credential and activates
// it.
func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instanceId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
			return
		}

		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.AuthType == "api_key" && strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
			return
		}
		if req.AuthType == "oauth" && strings.TrimSpace(req.AccessToken) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
			return
		}

		cred := &credstore.Credential{
			AuthType:     req.AuthType,
			APIKey:       req.APIKey,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			SigningKey:   req.SigningKey,
		}
		if req.ExpiresAt != "" {
			if t, ok := utils.ParseTimeLenient(req.ExpiresAt); ok {
				cred.ExpiresAt = &t
			}
		}

		ctx := c.Request.Context()
		var ref string
		if _, rerr := credstore.Retrieve(ctx, uint(instanceId)); rerr == nil {
			if ref, err = credstore.Rotate(ctx, uint(instanceId), cred); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
		} else if ref, err = credstore.Store(ctx, uint(instanceId), cred); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		_ = models.ResetInstanceAuthFailures(ctx, uint(instanceId))
		_ = models.UpdateInstanceStatus(ctx, uint(instanceId), models.InstanceStatusActive)
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"credential_ref": ref, "status": models.InstanceStatusActive}})
	}
}

// InstanceStatusHandler returns one instance. The credential ref is opaque;
// secret material never leaves the store.
func InstanceStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instanceId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
			return
		}
		instance, err := models.GetIntegrationInstance(c.Request.Context(), uint(instanceId))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": instance})
	}
}

// DisconnectHandler revokes the instance's credential and takes it out of
// rotation. Queued jobs for the instance will fail auth on pickup.
func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instanceId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
			return
		}
		if err := credstore.Revoke(c.Request.Context(), uint(instanceId)); err != nil {
			if errors.Is(err, credstore.ErrCredentialNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "instance has no stored credential"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"instance_id": instanceId, "status": models.InstanceStatusRevoked}})
	}
}

// TriggerSyncHandler queues a sync job for an instance and announces it to
// the workers.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		instanceId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if !models.ValidSyncDirection(req.Direction) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be pull, push or bidirectional"})
			return
		}

		ctx := c.Request.Context()
		instance, err := models.GetIntegrationInstance(ctx, uint(instanceId))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if instance.Status != models.InstanceStatusActive {
			c.JSON(http.StatusConflict, gin.H{"error": "integration instance not active"})
			return
		}

		job := models.SyncJob{
			TenantId:              tenantId,
			IntegrationInstanceId: instance.ID,
			ProviderType:          instance.ProviderType,
			Direction:             req.Direction,
			Status:                models.SyncJobStatusQueued,
			TriggeredBy:           models.SyncTriggeredManual,
			EntityTypesJSON:       models.EncodeEntityTypes(req.EntityTypes),
		}
		if err := models.CreateSyncJob(ctx, &job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if err := PublishSyncJob(ctx, job.ID, tenantId); err != nil {
			// The DB queue still picks the job up; publish is a fast path.
			config.LogError(config.GetLogger(), "syncengine", "TriggerSyncHandler", "publish job", map[string]interface{}{
				"job_id": job.ID,
			}, err)
		}
		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"job_id": job.ID, "status": job.Status}})
	}
}

// JobStatusHandler returns one job's status and stats.
func JobStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		job, err := models.GetSyncJob(c.Request.Context(), uint(jobId))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		resp := JobResponse{
			ID:            job.ID,
			Status:        job.Status,
			Direction:     job.Direction,
			TriggeredBy:   job.TriggeredBy,
			FailureReason: job.FailureReason,
			StartedAt:     formatTime(job.StartedAt),
			CompletedAt:   formatTime(job.CompletedAt),
			ResumeAt:      formatTime(job.ResumeAt),
		}
		stats := models.DecodeSyncStats(job.StatsJSON)
		resp.Stats.RecordsRead = stats.RecordsRead
		resp.Stats.RecordsWritten = stats.RecordsWritten
		resp.Stats.RecordsFailed = stats.RecordsFailed
		resp.Stats.RecordsDeduped = stats.RecordsDeduped
		c.JSON(http.StatusOK, gin.H{"data": resp})
	}
}

// CancelJobHandler flags a job for cooperative cancellation.
func CancelJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		if err := models.RequestSyncJobCancel(c.Request.Context(), uint(jobId)); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusConflict, gin.H{"error": "job not found or already terminal"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"job_id": jobId, "cancel_requested": true}})
	}
}

// ListRecordFailuresHandler returns a job's per-record failures.
func ListRecordFailuresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		db := config.GetDB()
		var failures []models.RecordFailure
		if err := db.WithContext(c.Request.Context()).
			Where("sync_job_id = ?", jobId).
			Order("id ASC").
			Find(&failures).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": failures})
	}
}

// CreateMappingHandler validates and stores a field mapping as version 1, or
// the next version when the name exists.
func CreateMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req mappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		row, status, err := saveMapping(c, tenantId, &req, nil)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": row})
	}
}

// UpdateMappingHandler edits a mapping. A referenced version is immutable:
// the edit lands as a new version of the same name instead.
func UpdateMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		mappingId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping id"})
			return
		}
		existing, err := models.GetFieldMapping(c.Request.Context(), uint(mappingId))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		var req mappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		req.Name = existing.Name
		if req.ProviderType == "" {
			req.ProviderType = existing.ProviderType
		}
		if req.EntityType == "" {
			req.EntityType = existing.EntityType
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		row, status, err := saveMapping(c, tenantId, &req, existing)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": row})
	}
}

func saveMapping(c *gin.Context, tenantId string, req *mappingRequest, existing *models.FieldMapping) (*models.FieldMapping, int, error) {
	if err := transform.ValidateMapping(req.Rules); err != nil {
		return nil, http.StatusBadRequest, err
	}
	if len(req.TargetSchema) > 0 {
		if _, err := transform.CompileTargetSchema(req.TargetSchema); err != nil {
			return nil, http.StatusBadRequest, errors.New("invalid target schema: "+err.Error())
		}
	}

	ctx := c.Request.Context()
	db := config.GetDB()
	rulesJSON, _ := json.Marshal(req.Rules)

	// In-place edit is only allowed while the version is unreferenced.
	if existing != nil && (!existing.Referenced || !config.StrictMappingImmutability()) {
		if err := db.WithContext(ctx).Model(&models.FieldMapping{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"provider_type":      req.ProviderType,
				"entity_type":        req.EntityType,
				"rules_json":         rulesJSON,
				"target_schema_json": []byte(req.TargetSchema),
			}).Error; err != nil {
			return nil, http.StatusInternalServerError, errors.New("internal error")
		}
		updated, err := models.GetFieldMapping(ctx, existing.ID)
		if err != nil {
			return nil, http.StatusInternalServerError, errors.New("internal error")
		}
		return updated, http.StatusOK, nil
	}

	version := 1
	if latest, err := models.LatestFieldMapping(ctx, tenantId, req.Name); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, http.StatusInternalServerError, errors.New("internal error")
	}

	row := models.FieldMapping{
		TenantId:         tenantId,
		Name:             req.Name,
		Version:          version,
		ProviderType:     req.ProviderType,
		EntityType:       req.EntityType,
		RulesJSON:        rulesJSON,
		TargetSchemaJSON: []byte(req.TargetSchema),
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, http.StatusInternalServerError, errors.New("internal error")
	}
	return &row, http.StatusOK, nil
}

// GetMappingHandler returns one mapping version.
func GetMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mappingId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping id"})
			return
		}
		row, err := models.GetFieldMapping(c.Request.Context(), uint(mappingId))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": row})
	}
}

// ListMappingsHandler lists mapping versions, optionally filtered by name or
// entity type.
func ListMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		db := config.GetDB()
		q := db.WithContext(c.Request.Context()).Order("name ASC, version DESC").Limit(200)
		if name := c.Query("name"); name != "" {
			q = q.Where("name = ?", name)
		}
		if entityType := c.Query("entity_type"); entityType != "" {
			q = q.Where("entity_type = ?", entityType)
		}
		var mappings []models.FieldMapping
		if err := q.Find(&mappings).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": mappings})
	}
}

// DeleteMappingHandler removes an unreferenced mapping version. Versions a
// completed run has used stay for auditability.
func DeleteMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mappingId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping id"})
			return
		}
		row, err := models.GetFieldMapping(c.Request.Context(), uint(mappingId))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if row.Referenced && config.StrictMappingImmutability() {
			c.JSON(http.StatusConflict, gin.H{"error": "mapping version is referenced by completed sync runs"})
			return
		}

		db := config.GetDB()
		if err := db.WithContext(c.Request.Context()).Delete(&models.FieldMapping{}, row.ID).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"mapping_id": mappingId, "deleted": true}})
	}
}

// ListConflictsHandler lists conflicts, filterable by unresolved.
func ListConflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		db := config.GetDB()
		q := db.WithContext(c.Request.Context()).Order("id DESC").Limit(100)
		if c.Query("unresolved") == "true" {
			q = q.Where("resolution = ? AND resolved_at IS NULL", models.ResolutionManualRequired)
		}
		var conflicts []models.ConflictRecord
		if err := q.Find(&conflicts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": conflicts})
	}
}

// ResolveConflictHandler applies a manual resolution to a conflict awaiting
// review.
func ResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conflictId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
			return
		}

		var req struct {
			Resolution string `json:"resolution" validate:"required,oneof=source_wins target_wins merge"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		db := config.GetDB()
		res := db.WithContext(c.Request.Context()).Model(&models.ConflictRecord{}).
			Where("id = ? AND resolution = ? AND resolved_at IS NULL", conflictId, models.ResolutionManualRequired).
			Updates(map[string]interface{}{
				"resolution":  req.Resolution,
				"resolved_at": &now,
			})
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found or already resolved"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"conflict_id": conflictId, "resolution": req.Resolution}})
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
