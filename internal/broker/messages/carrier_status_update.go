package messages

import "time"

// CarrierStatusUpdate is a carrier webhook call relayed onto the bus by the
// edge. Status is the carrier-native label; it is normalized by the agency
// adapter before use.
type CarrierStatusUpdate struct {
	AgencyID       string         `json:"agency_id"`
	TrackingNumber string         `json:"tracking_number"`
	Status         string         `json:"status"`
	OccurredAt     *time.Time     `json:"occurred_at,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}
