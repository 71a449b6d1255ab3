package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Tenant lifecycle events
	EventTenantProvisioned = "tenant.provisioned"
	EventTenantSuspended   = "tenant.suspended"
	EventTenantDeleted     = "tenant.deleted"

	// Intake events
	EventIntakeCompleted    = "intake.run.completed"
	EventQuarantineRetried  = "intake.quarantine.retried"
	EventQuarantineResolved = "intake.quarantine.resolved"

	// Audit events
	EventAuditRecorded = "audit.recorded"
)

// Exchange names
const (
	ExchangeTenantEvents = "tenant.events"
	ExchangeAuditEvents  = "audit.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// TenantProvisionedEvent is published after a tenant schema is live
type TenantProvisionedEvent struct {
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	SchemaName       string `json:"schema_name"`
	OwnerID          string `json:"owner_id"`
	SubscriptionPlan string `json:"subscription_plan"`
	DataSourceType   string `json:"data_source_type,omitempty"`
}

// IntakeCompletedEvent is published after an ETL run commits
type IntakeCompletedEvent struct {
	TenantID    string `json:"tenant_id"`
	SourceTag   string `json:"source_tag"`
	Total       int    `json:"total"`
	Synced      int    `json:"synced"`
	Quarantined int    `json:"quarantined"`
}

// QuarantineRetriedEvent is published after a quarantine retry commits
type QuarantineRetriedEvent struct {
	TenantID    string   `json:"tenant_id"`
	RecordIDs   []string `json:"record_ids"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	PerformedBy string   `json:"performed_by"`
}

// AuditRecordedEvent is the generic audit trail entry
type AuditRecordedEvent struct {
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}
