package models

import "time"

// SystemActor marks activity not attributable to a user (sync passes,
// inbound carrier updates).
const SystemActor = "system"

const (
	ActivityShipmentCreated       = "SHIPMENT_CREATED"
	ActivityShipmentRetried       = "SHIPMENT_RETRIED"
	ActivityShipmentStatusChanged = "SHIPMENT_STATUS_CHANGED"
	ActivityShipmentDeleted       = "SHIPMENT_DELETED"
	ActivityAgencyUpdated         = "AGENCY_UPDATED"
	ActivitySyncCompleted         = "DELIVERY_SYNC_COMPLETED"
)

type Activity struct {
	ID          uint64         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	ActorID     string         `json:"actor_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
