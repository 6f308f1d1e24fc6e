package models

import (
	"context"
	"time"

	"github.com/optimly/integrations_backend/config"
)

// RecordFailure captures a single record's transformation or write failure
// inside a sync job. The job continues; terminal status reflects these counts.
type RecordFailure struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncJobId   uint      `gorm:"index;not null" json:"sync_job_id"`
	TenantId    string    `gorm:"index;size:64;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateRecordFailure(ctx context.Context, jobId uint, tenantId string, entityType string, externalId string, code string, message string, payload []byte, retryable bool) error {
	db := config.GetDB()
	failure := RecordFailure{
		SyncJobId:   jobId,
		TenantId:    tenantId,
		EntityType:  entityType,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return db.WithContext(ctx).Create(&failure).Error
}
