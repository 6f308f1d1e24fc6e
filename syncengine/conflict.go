package syncengine

import (
	"context"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
	"github.com/sirupsen/logrus"
)

// BothSidesChanged reports whether the incoming external record and the local
// record each moved past the markers seen at the last successful sync.
func BothSidesChanged(mapping *models.EntityMapping, incoming Record, local *models.InternalRecord) bool {
	if mapping == nil || local == nil {
		return false
	}
	sourceChanged := incoming.Version != "" && incoming.Version != mapping.SourceVersion
	if !sourceChanged && incoming.ModifiedAt != nil && mapping.SourceModifiedAt != nil {
		sourceChanged = incoming.ModifiedAt.After(*mapping.SourceModifiedAt)
	}
	targetChanged := local.Version != "" && local.Version != mapping.TargetVersion
	if !targetChanged && local.ModifiedAt != nil && mapping.TargetModifiedAt != nil {
		targetChanged = local.ModifiedAt.After(*mapping.TargetModifiedAt)
	}
	return sourceChanged && targetChanged
}

// ResolveConflict applies the instance's conflict policy. With no usable
// timestamps, the source side wins so data keeps flowing.
func ResolveConflict(policy string, sourceModifiedAt, targetModifiedAt *time.Time) string {
	if policy == models.ConflictPolicyManualReview {
		return models.ResolutionManualRequired
	}
	// most_recent_wins
	if sourceModifiedAt == nil && targetModifiedAt == nil {
		return models.ResolutionSourceWins
	}
	if sourceModifiedAt == nil {
		return models.ResolutionTargetWins
	}
	if targetModifiedAt == nil {
		return models.ResolutionSourceWins
	}
	if targetModifiedAt.After(*sourceModifiedAt) {
		return models.ResolutionTargetWins
	}
	return models.ResolutionSourceWins
}

func recordConflict(ctx context.Context, jobId uint, tenantId string, incoming Record, local *models.InternalRecord, resolution string) error {
	conflict := models.ConflictRecord{
		TenantId:      tenantId,
		SyncJobId:     jobId,
		EntityType:    incoming.EntityType,
		EntityId:      incoming.ExternalId,
		SourceVersion: incoming.Version,
		Resolution:    resolution,
	}
	conflict.SourceModifiedAt = incoming.ModifiedAt
	if local != nil {
		conflict.TargetVersion = local.Version
		conflict.TargetModifiedAt = local.ModifiedAt
	}
	if resolution != models.ResolutionManualRequired {
		now := time.Now()
		conflict.ResolvedAt = &now
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&conflict).Error; err != nil {
		return err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"field":       "SyncConflict",
		"job_id":      jobId,
		"entity_type": incoming.EntityType,
		"entity_id":   incoming.ExternalId,
		"resolution":  resolution,
	}).Warn("sync conflict detected")
	return nil
}
