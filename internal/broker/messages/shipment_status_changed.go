package messages

import (
	"time"

	"github.com/google/uuid"
)

// ShipmentStatusChanged is published after a shipment status change has been
// committed. Keyed by order id so consumers see one order's changes in order.
type ShipmentStatusChanged struct {
	ShipmentID     uuid.UUID `json:"shipment_id"`
	OrderID        string    `json:"order_id"`
	AgencyID       string    `json:"agency_id"`
	TrackingNumber string    `json:"tracking_number"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	StatusRaw      string    `json:"status_raw,omitempty"`
	Source         string    `json:"source"`
	OrderStatus    string    `json:"order_status,omitempty"`
	ChangedAt      time.Time `json:"changed_at"`
}
