package models

const (
	ProviderTypeCRMA = "crm_a"
	ProviderTypeCRMB = "crm_b"
	ProviderTypeCMS  = "cms"
	ProviderTypeSCM  = "scm"
)

const (
	InstanceStatusPendingAuth = "pending_auth"
	InstanceStatusActive      = "active"
	InstanceStatusError       = "error"
	InstanceStatusRevoked     = "revoked"
)

const (
	SyncDirectionPull          = "pull"
	SyncDirectionPush          = "push"
	SyncDirectionBidirectional = "bidirectional"
)

const (
	SyncJobStatusQueued          = "queued"
	SyncJobStatusRunning         = "running"
	SyncJobStatusThrottled       = "throttled"
	SyncJobStatusSucceeded       = "succeeded"
	SyncJobStatusFailed          = "failed"
	SyncJobStatusPartiallyFailed = "partially_failed"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredWebhook  = "webhook"
	SyncTriggeredRetry    = "retry"
)

const (
	WebhookStatusReceived     = "received"
	WebhookStatusDeduped      = "deduped"
	WebhookStatusProcessing   = "processing"
	WebhookStatusProcessed    = "processed"
	WebhookStatusFailed       = "failed"
	WebhookStatusDeadLettered = "dead_lettered"
)

const (
	ResolutionSourceWins     = "source_wins"
	ResolutionTargetWins     = "target_wins"
	ResolutionMerge          = "merge"
	ResolutionManualRequired = "manual_required"
)

const (
	ConflictPolicyMostRecentWins = "most_recent_wins"
	ConflictPolicyManualReview   = "manual_review"
)

const (
	LedgerKindSyncJob      = "sync_job"
	LedgerKindWebhookEvent = "webhook_event"
	LedgerKindRecord       = "record"
)

type LedgerStatus string

const (
	LedgerStatusStarted      LedgerStatus = "STARTED"
	LedgerStatusCheckpointed LedgerStatus = "CHECKPOINTED"
	LedgerStatusSucceeded    LedgerStatus = "SUCCEEDED"
	LedgerStatusFailed       LedgerStatus = "FAILED"
)

func ValidProviderType(p string) bool {
	switch p {
	case ProviderTypeCRMA, ProviderTypeCRMB, ProviderTypeCMS, ProviderTypeSCM:
		return true
	}
	return false
}

func ValidSyncDirection(d string) bool {
	switch d {
	case SyncDirectionPull, SyncDirectionPush, SyncDirectionBidirectional:
		return true
	}
	return false
}

// TerminalJobStatus reports whether a sync job status is terminal.
func TerminalJobStatus(s string) bool {
	switch s {
	case SyncJobStatusSucceeded, SyncJobStatusFailed, SyncJobStatusPartiallyFailed:
		return true
	}
	return false
}
