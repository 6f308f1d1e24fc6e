package models

import "time"

// LedgerEntry provides durable, DB-backed idempotency and audit for units of
// work (sync jobs, webhook events, individual records).
// Unique constraint: (tenant_id, kind, idempotency_key).
type LedgerEntry struct {
	ID             uint         `gorm:"primary_key" json:"id"`
	TenantId       string       `gorm:"size:64;not null;index:uniq_ledger,unique" json:"tenant_id"`
	Kind           string       `gorm:"size:20;not null;index:uniq_ledger,unique" json:"kind"`
	IdempotencyKey string       `gorm:"size:255;not null;index:uniq_ledger,unique" json:"idempotency_key"`
	Status         LedgerStatus `gorm:"size:20;not null;index" json:"status"`
	CursorJSON     []byte       `gorm:"type:json" json:"cursor"`
	StatsJSON      []byte       `gorm:"type:json" json:"stats"`
	LastError      *string      `gorm:"type:text" json:"last_error"`
	ArchivedAt     *time.Time   `gorm:"index" json:"archived_at"`
	CreatedAt      time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
