package syncengine

import (
	"encoding/json"
	"time"
)

// CursorEntry is the incremental position within one entity type's feed.
type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
	PushSince    string `json:"push_since"`
}

// CursorState tracks incremental positions per entity type.
type CursorState map[string]CursorEntry

func DecodeCursorState(raw []byte) CursorState {
	if len(raw) == 0 {
		return CursorState{}
	}
	var state CursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}
	}
	if state == nil {
		state = CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := json.Marshal(state)
	return b
}

// Record is one entity as seen at a provider or in the local store.
type Record struct {
	ExternalId string                 `json:"external_id"`
	EntityType string                 `json:"entity_type"`
	Version    string                 `json:"version"`
	ModifiedAt *time.Time             `json:"modified_at"`
	Data       map[string]interface{} `json:"data"`
}

// Page is one page of a provider listing.
type Page struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

// TriggerSyncRequest is the API body for starting a sync job.
type TriggerSyncRequest struct {
	EntityTypes []string `json:"entity_types"`
	Direction   string   `json:"direction" binding:"required"`
}

type JobResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	Direction     string  `json:"direction"`
	TriggeredBy   string  `json:"triggered_by"`
	FailureReason string  `json:"failure_reason,omitempty"`
	StartedAt     *string `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
	ResumeAt      *string `json:"resume_at"`
	Stats         struct {
		RecordsRead    int `json:"records_read"`
		RecordsWritten int `json:"records_written"`
		RecordsFailed  int `json:"records_failed"`
		RecordsDeduped int `json:"records_deduped"`
	} `json:"stats"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	JobId    uint   `json:"job_id"`
	TenantId string `json:"tenant_id"`
}
