// Package storage holds the write commands shared by the delivery store
// implementations. Each command is applied atomically: either every row it
// describes is written or none is.
package storage

import (
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/google/uuid"
)

// NewShipment records a parcel the carrier accepted: the shipment row, its
// first status log entry, the order advance and the activity entry.
type NewShipment struct {
	Shipment  models.DeliveryShipment
	StatusRaw string
	OrderTo   models.OrderStatus
	Activity  models.Activity
}

// StatusChange moves one shipment From -> To. It is a compare-and-set: when
// the stored status is no longer From the store returns errs.ErrStaleStatus
// and writes nothing.
type StatusChange struct {
	ShipmentID uuid.UUID
	From       models.ShipmentStatus
	To         models.ShipmentStatus
	StatusRaw  string
	Source     models.StatusSource
	At         time.Time
	// Metadata keys are merged into the shipment metadata.
	Metadata map[string]any

	// OrderID/OrderTo advance the owning order when OrderTo is set. The order
	// moves only from a status listed by models.OrderAdvanceFrom.
	OrderID string
	OrderTo models.OrderStatus

	Activity *models.Activity
}

// Resubmission stores the outcome of a successful retry on the existing row.
// The tracking number is written only when the row has none yet.
type Resubmission struct {
	ShipmentID     uuid.UUID
	From           models.ShipmentStatus
	TrackingNumber string
	Barcode        string
	PrintURL       string
	Metadata       map[string]any
	At             time.Time
	Activity       models.Activity
}

// Deletion removes a shipment that is not active. Hard deletes drop the row;
// soft deletes stamp deleted_at. Status log rows are kept either way.
type Deletion struct {
	ShipmentID uuid.UUID
	From       models.ShipmentStatus
	Hard       bool
	At         time.Time
	Activity   models.Activity
}

func MergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
