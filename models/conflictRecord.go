package models

import "time"

// ConflictRecord is produced when a bidirectional sync detects the same
// logical entity changed on both sides since the last sync watermark.
type ConflictRecord struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	TenantId         string     `gorm:"index;size:64;not null" json:"tenant_id"`
	SyncJobId        uint       `gorm:"index;not null" json:"sync_job_id"`
	EntityType       string     `gorm:"size:50;not null" json:"entity_type"`
	EntityId         string     `gorm:"size:128;not null" json:"entity_id"`
	SourceVersion    string     `gorm:"size:128" json:"source_version"`
	TargetVersion    string     `gorm:"size:128" json:"target_version"`
	SourceModifiedAt *time.Time `json:"source_modified_at"`
	TargetModifiedAt *time.Time `json:"target_modified_at"`
	Resolution       string     `gorm:"size:20;not null" json:"resolution"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
