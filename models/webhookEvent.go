package models

import "time"

// WebhookEvent is one inbound notification from an external platform. Rows are
// only ever removed by the retention policy, never by business logic.
type WebhookEvent struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	TenantId              string     `gorm:"index;size:64;not null" json:"tenant_id"`
	IntegrationInstanceId uint       `gorm:"index:idx_webhook_dedupe,priority:1;not null" json:"integration_instance_id"`
	ProviderType          string     `gorm:"size:50;not null" json:"provider_type"`
	PayloadHash           string     `gorm:"index:idx_webhook_dedupe,priority:2;size:64;not null" json:"payload_hash"`
	RawPayload            []byte     `gorm:"type:json" json:"raw_payload"`
	EntityType            string     `gorm:"size:50" json:"entity_type"`
	SignatureValid        bool       `gorm:"not null;default:false" json:"signature_valid"`
	ProcessingStatus      string     `gorm:"index;size:20;not null" json:"processing_status"`
	RetryCount            int        `gorm:"not null;default:0" json:"retry_count"`
	NextAttemptAt         *time.Time `gorm:"index" json:"next_attempt_at"`
	LastError             *string    `gorm:"type:text" json:"last_error"`
	LockedAt              *time.Time `json:"locked_at"`
	LockedBy              *string    `gorm:"size:64" json:"locked_by"`
	ReceivedAt            time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	ProcessedAt           *time.Time `json:"processed_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
