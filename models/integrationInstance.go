package models

import (
	"context"
	"errors"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/utils"
	"gorm.io/gorm"
)

// IntegrationInstance is one tenant's connection to one external platform account.
type IntegrationInstance struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"index;size:64;not null" json:"tenant_id"`
	ProviderType      string     `gorm:"index;size:50;not null" json:"provider_type"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	DisplayName       string     `gorm:"size:255" json:"display_name"`
	CredentialRef     string     `gorm:"size:128" json:"credential_ref"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	WatermarkVersion  uint       `gorm:"not null;default:0" json:"watermark_version"`
	AuthFailureCount  int        `gorm:"not null;default:0" json:"auth_failure_count"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// InstanceSettings is the decoded shape of SettingsJSON.
type InstanceSettings struct {
	ConflictPolicy string   `json:"conflict_policy"`
	EntityTypes    []string `json:"entity_types"`
	MappingIds     []uint   `json:"mapping_ids"`
}

func GetIntegrationInstance(ctx context.Context, id uint) (*IntegrationInstance, error) {
	db := config.GetDB()
	var instance IntegrationInstance
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &instance, nil
}

func UpdateInstanceStatus(ctx context.Context, id uint, status string) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&IntegrationInstance{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// RecordInstanceAuthFailure bumps the auth failure counter and flips the
// instance to ERROR once the threshold is crossed. Returns the new status.
func RecordInstanceAuthFailure(ctx context.Context, id uint, threshold int) (string, error) {
	db := config.GetDB()
	var instance IntegrationInstance
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&instance).Error; err != nil {
		return "", err
	}
	failures := instance.AuthFailureCount + 1
	status := instance.Status
	if failures >= threshold {
		status = InstanceStatusError
	}
	err := db.WithContext(ctx).
		Model(&IntegrationInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"auth_failure_count": failures,
			"status":             status,
		}).Error
	return status, err
}

func ResetInstanceAuthFailures(ctx context.Context, id uint) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&IntegrationInstance{}).
		Where("id = ?", id).
		Update("auth_failure_count", 0).Error
}

// CheckpointInstanceWatermark persists cursor state with an optimistic version
// check. A version mismatch means another process owns this instance's sync;
// the caller must abort as a concurrency conflict.
func CheckpointInstanceWatermark(ctx context.Context, id uint, expectedVersion uint, cursorState []byte) error {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&IntegrationInstance{}).
		Where("id = ? AND watermark_version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"cursor_state_json": cursorState,
			"watermark_version": expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrConcurrencyConflict
	}
	return nil
}
