package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// InternalRecord is the canonical copy of a synced entity. Pull syncs write
// transformed external records here; push syncs read it as the local change
// feed.
type InternalRecord struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	TenantId       string     `gorm:"uniqueIndex:idx_internal_record,priority:1;size:64;not null" json:"tenant_id"`
	EntityType     string     `gorm:"uniqueIndex:idx_internal_record,priority:2;size:50;not null" json:"entity_type"`
	InternalId     string     `gorm:"uniqueIndex:idx_internal_record,priority:3;size:128;not null" json:"internal_id"`
	DataJSON       []byte     `gorm:"type:json" json:"data"`
	Version        string     `gorm:"size:128" json:"version"`
	ModifiedAt     *time.Time `gorm:"index" json:"modified_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func FindInternalRecord(ctx context.Context, db *gorm.DB, tenantId string, entityType string, internalId string) (*InternalRecord, error) {
	var record InternalRecord
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND internal_id = ?", tenantId, entityType, internalId).
		Take(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func UpsertInternalRecord(ctx context.Context, db *gorm.DB, record *InternalRecord) error {
	existing, err := FindInternalRecord(ctx, db, record.TenantId, record.EntityType, record.InternalId)
	if err != nil {
		return err
	}
	if existing == nil {
		return db.WithContext(ctx).Create(record).Error
	}
	record.ID = existing.ID
	return db.WithContext(ctx).
		Model(&InternalRecord{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"data_json":   record.DataJSON,
			"version":     record.Version,
			"modified_at": record.ModifiedAt,
		}).Error
}

// ListInternalRecordsSince returns the local change feed for a push sync,
// oldest first.
func ListInternalRecordsSince(ctx context.Context, db *gorm.DB, tenantId string, entityType string, since *time.Time, limit int) ([]InternalRecord, error) {
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ?", tenantId, entityType).
		Order("updated_at ASC").
		Limit(limit)
	if since != nil {
		q = q.Where("updated_at > ?", *since)
	}
	var records []InternalRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
