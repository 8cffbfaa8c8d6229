package models

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryShipment struct {
	ID             uuid.UUID      `json:"id"`
	OrderID        string         `json:"order_id"`
	AgencyID       string         `json:"agency_id"`
	TrackingNumber string         `json:"tracking_number"`
	Barcode        string         `json:"barcode,omitempty"`
	PrintURL       string         `json:"print_url,omitempty"`
	Status         ShipmentStatus `json:"status"`
	LastStatusAt   time.Time      `json:"last_status_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

type StatusSource string

const (
	StatusSourceCreate  StatusSource = "create"
	StatusSourceRetry   StatusSource = "retry"
	StatusSourceSync    StatusSource = "sync"
	StatusSourceTrack   StatusSource = "track"
	StatusSourceBulk    StatusSource = "bulk"
	StatusSourceInbound StatusSource = "inbound"
)

// StatusLogEntry is one row of the append-only shipment history.
type StatusLogEntry struct {
	ID         uint64         `json:"id"`
	ShipmentID uuid.UUID      `json:"shipment_id"`
	Status     ShipmentStatus `json:"status"`
	StatusRaw  string         `json:"status_raw,omitempty"`
	Source     StatusSource   `json:"source"`
	CreatedAt  time.Time      `json:"created_at"`
}

type ShipmentFilter struct {
	OrderID  string
	AgencyID string
	Status   ShipmentStatus
	Limit    int
}
