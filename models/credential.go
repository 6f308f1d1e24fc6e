package models

import "time"

// Credential holds the encrypted secret for one integration instance. The
// previous ciphertext is retained through a rotation grace window so in-flight
// jobs can finish, then purged.
type Credential struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	TenantId              string     `gorm:"index;size:64;not null" json:"tenant_id"`
	IntegrationInstanceId uint       `gorm:"uniqueIndex;not null" json:"integration_instance_id"`
	Ref                   string     `gorm:"uniqueIndex;size:128;not null" json:"ref"`
	Ciphertext            []byte     `gorm:"type:blob;not null" json:"-"`
	KeyVersion            int        `gorm:"not null;default:1" json:"key_version"`
	PrevCiphertext        []byte     `gorm:"type:blob" json:"-"`
	PrevExpiresAt         *time.Time `json:"prev_expires_at"`
	ExpiresAt             *time.Time `json:"expires_at"`
	RotatedAt             *time.Time `json:"rotated_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
