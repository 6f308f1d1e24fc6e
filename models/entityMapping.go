package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// EntityMapping links one external record to its internal counterpart and
// remembers the version markers seen on each side at the last successful sync.
// Bidirectional conflict detection compares incoming versions against these.
type EntityMapping struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	TenantId              string     `gorm:"uniqueIndex:idx_entity_mapping,priority:1;size:64;not null" json:"tenant_id"`
	IntegrationInstanceId uint       `gorm:"uniqueIndex:idx_entity_mapping,priority:2;not null" json:"integration_instance_id"`
	EntityType            string     `gorm:"uniqueIndex:idx_entity_mapping,priority:3;size:50;not null" json:"entity_type"`
	ExternalId            string     `gorm:"uniqueIndex:idx_entity_mapping,priority:4;size:128;not null" json:"external_id"`
	InternalId            string     `gorm:"size:128;not null" json:"internal_id"`
	SourceVersion         string     `gorm:"size:128" json:"source_version"`
	TargetVersion         string     `gorm:"size:128" json:"target_version"`
	SourceModifiedAt      *time.Time `json:"source_modified_at"`
	TargetModifiedAt      *time.Time `json:"target_modified_at"`
	LastSeenAt            *time.Time `json:"last_seen_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func FindEntityMapping(ctx context.Context, db *gorm.DB, tenantId string, instanceId uint, entityType string, externalId string) (*EntityMapping, error) {
	var mapping EntityMapping
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND integration_instance_id = ? AND entity_type = ? AND external_id = ?",
			tenantId, instanceId, entityType, externalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func FindEntityMappingByInternalId(ctx context.Context, db *gorm.DB, tenantId string, instanceId uint, entityType string, internalId string) (*EntityMapping, error) {
	var mapping EntityMapping
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND integration_instance_id = ? AND entity_type = ? AND internal_id = ?",
			tenantId, instanceId, entityType, internalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func UpsertEntityMapping(ctx context.Context, db *gorm.DB, mapping *EntityMapping) error {
	existing, err := FindEntityMapping(ctx, db, mapping.TenantId, mapping.IntegrationInstanceId, mapping.EntityType, mapping.ExternalId)
	if err != nil {
		return err
	}
	now := time.Now()
	mapping.LastSeenAt = &now
	if existing == nil {
		return db.WithContext(ctx).Create(mapping).Error
	}
	return db.WithContext(ctx).
		Model(&EntityMapping{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"internal_id":        mapping.InternalId,
			"source_version":     mapping.SourceVersion,
			"target_version":     mapping.TargetVersion,
			"source_modified_at": mapping.SourceModifiedAt,
			"target_modified_at": mapping.TargetModifiedAt,
			"last_seen_at":       mapping.LastSeenAt,
		}).Error
}
