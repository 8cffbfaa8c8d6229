package agency

import (
	"context"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/shopspring/decimal"
)

// Info is the static capability metadata of an adapter.
type Info struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	CredentialsType  models.CredentialsType `json:"credentials_type"`
	SupportedRegions []string               `json:"supported_regions,omitempty"`
}

// CreateRequest is the carrier-neutral parcel payload derived from an order
// snapshot. TrackingNumber is set on retries so the carrier resubmits the
// parcel it already knows instead of issuing a new number.
type CreateRequest struct {
	OrderID        string
	TrackingNumber string
	CustomerName   string
	CustomerPhone  string
	Address        string
	City           string
	Region         string
	ItemsSummary   string
	ItemCount      int
	Price          decimal.Decimal
	Notes          string
}

type CreateResult struct {
	TrackingNumber string
	Barcode        string
	PrintURL       string
	Metadata       map[string]any
}

type StatusResult struct {
	Status    models.ShipmentStatus
	StatusRaw string
	StatusAt  *time.Time
	Metadata  map[string]any
}

// Adapter is one carrier integration. Implementations must honour ctx
// cancellation and return carrier statuses already normalized.
type Adapter interface {
	Info() Info
	CreateShipment(ctx context.Context, cfg models.DeliveryAgency, req CreateRequest) (CreateResult, error)
	FetchStatus(ctx context.Context, cfg models.DeliveryAgency, trackingNumber string) (StatusResult, error)
	TestConnection(ctx context.Context, cfg models.DeliveryAgency) error
	NormalizeStatus(raw string) (models.ShipmentStatus, bool)
}

func NewCreateRequest(orderID string, snap models.OrderSnapshot) CreateRequest {
	return CreateRequest{
		OrderID:       orderID,
		CustomerName:  snap.CustomerName,
		CustomerPhone: snap.CustomerPhone,
		Address:       snap.Address,
		City:          snap.City,
		Region:        snap.Region,
		ItemsSummary:  snap.ItemsSummary,
		ItemCount:     snap.ItemCount,
		Price:         snap.Price,
		Notes:         snap.Notes,
	}
}
