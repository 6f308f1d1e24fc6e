package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/transform"
	"github.com/optimly/integrations_backend/utils"
	"gorm.io/gorm"
)

// FieldMapping is an ordered rule set converting one record schema into
// another. A mapping version becomes immutable once a completed sync run has
// referenced it; edits create a new version row sharing the same name.
type FieldMapping struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	TenantId         string    `gorm:"uniqueIndex:idx_mapping_version,priority:1;size:64;not null" json:"tenant_id"`
	Name             string    `gorm:"uniqueIndex:idx_mapping_version,priority:2;size:100;not null" json:"name"`
	Version          int       `gorm:"uniqueIndex:idx_mapping_version,priority:3;not null;default:1" json:"version"`
	ProviderType     string    `gorm:"size:50" json:"provider_type"`
	EntityType       string    `gorm:"size:50" json:"entity_type"`
	RulesJSON        []byte    `gorm:"type:json;not null" json:"rules"`
	TargetSchemaJSON []byte    `gorm:"type:json" json:"target_schema"`
	Referenced       bool      `gorm:"not null;default:false" json:"referenced"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Decode materializes the stored rules into an executable mapping.
func (m *FieldMapping) Decode() (*transform.Mapping, error) {
	var rules []transform.Rule
	if err := json.Unmarshal(m.RulesJSON, &rules); err != nil {
		return nil, err
	}
	mapping := &transform.Mapping{
		Name:    m.Name,
		Version: m.Version,
		Rules:   rules,
	}
	if len(m.TargetSchemaJSON) > 0 {
		schema, err := transform.CompileTargetSchema(m.TargetSchemaJSON)
		if err != nil {
			return nil, err
		}
		mapping.TargetSchema = schema
	}
	return mapping, nil
}

func GetFieldMapping(ctx context.Context, id uint) (*FieldMapping, error) {
	db := config.GetDB()
	var mapping FieldMapping
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&mapping).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &mapping, nil
}

// LatestFieldMapping returns the highest version of a named mapping.
func LatestFieldMapping(ctx context.Context, tenantId string, name string) (*FieldMapping, error) {
	db := config.GetDB()
	var mapping FieldMapping
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", tenantId, name).
		Order("version DESC").
		First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &mapping, nil
}

// MarkMappingReferenced pins a mapping version after a completed run used it.
func MarkMappingReferenced(ctx context.Context, id uint) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&FieldMapping{}).
		Where("id = ?", id).
		Update("referenced", true).Error
}
