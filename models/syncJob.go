package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/utils"
	"gorm.io/gorm"
)

// SyncJob is one execution of data synchronization for an integration
// instance. Mutated only by the worker executing it; terminal once status is
// succeeded/failed/partially_failed.
type SyncJob struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	TenantId              string     `gorm:"index;size:64;not null" json:"tenant_id"`
	IntegrationInstanceId uint       `gorm:"index;not null" json:"integration_instance_id"`
	ProviderType          string     `gorm:"size:50;not null" json:"provider_type"`
	Direction             string     `gorm:"size:20;not null" json:"direction"`
	Status                string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy           string     `gorm:"size:20" json:"triggered_by"`
	EntityTypesJSON       []byte     `gorm:"type:json" json:"entity_types"`
	CursorStateJSON       []byte     `gorm:"type:json" json:"cursor_state"`
	StatsJSON             []byte     `gorm:"type:json" json:"stats"`
	FailureReason         string     `gorm:"type:text" json:"failure_reason"`
	CancelRequested       bool       `gorm:"not null;default:false" json:"cancel_requested"`
	Attempts              int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt         *time.Time `gorm:"index" json:"next_attempt_at"`
	ResumeAt              *time.Time `json:"resume_at"`
	LockedAt              *time.Time `json:"locked_at"`
	LockedBy              *string    `gorm:"size:64" json:"locked_by"`
	StartedAt             *time.Time `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncStats is the decoded shape of StatsJSON.
type SyncStats struct {
	RecordsRead    int `json:"records_read"`
	RecordsWritten int `json:"records_written"`
	RecordsFailed  int `json:"records_failed"`
	RecordsDeduped int `json:"records_deduped"`
}

func (s SyncStats) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

func DecodeSyncStats(raw []byte) SyncStats {
	if len(raw) == 0 {
		return SyncStats{}
	}
	var s SyncStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return SyncStats{}
	}
	return s
}

func (j *SyncJob) EntityTypes() []string {
	if len(j.EntityTypesJSON) == 0 {
		return nil
	}
	var types []string
	if err := json.Unmarshal(j.EntityTypesJSON, &types); err != nil {
		return nil
	}
	return types
}

func EncodeEntityTypes(types []string) []byte {
	b, _ := json.Marshal(types)
	return b
}

func GetSyncJob(ctx context.Context, id uint) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

func CreateSyncJob(ctx context.Context, job *SyncJob) error {
	db := config.GetDB()
	if job.Status == "" {
		job.Status = SyncJobStatusQueued
	}
	return db.WithContext(ctx).Create(job).Error
}

// RequestSyncJobCancel flags a running job for cooperative cancellation. The
// worker checks the flag at page boundaries.
func RequestSyncJobCancel(ctx context.Context, id uint) error {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ? AND status IN ?", id, []string{SyncJobStatusQueued, SyncJobStatusRunning, SyncJobStatusThrottled}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
