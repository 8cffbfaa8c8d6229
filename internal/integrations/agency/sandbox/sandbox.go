package sandbox

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/google/uuid"
)

const ID = "sandbox"

// Sandbox is an in-process carrier for local runs and demos. Every create
// gets a fresh tracking number and statuses are derived from it.
//
// Native vocabulary: created, at_hub, on_road, delivered, returned, rejected.
// The "status" setting forces every fetch to report that native status.
type Sandbox struct {
	now func() time.Time
}

var statuses = agency.NewStatusMap(map[string]models.ShipmentStatus{
	"created":   models.ShipmentStatusUploaded,
	"at_hub":    models.ShipmentStatusDeposit,
	"on_road":   models.ShipmentStatusInTransit,
	"delivered": models.ShipmentStatusDelivered,
	"returned":  models.ShipmentStatusReturned,
	"rejected":  models.ShipmentStatusFailed,
})

func New() *Sandbox { return &Sandbox{now: time.Now} }

func (s *Sandbox) Info() agency.Info {
	return agency.Info{
		ID:              ID,
		Name:            "Sandbox Delivery",
		CredentialsType: models.CredentialsAPIKey,
	}
}

func (s *Sandbox) CreateShipment(ctx context.Context, cfg models.DeliveryAgency, req agency.CreateRequest) (agency.CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return agency.CreateResult{}, err
	}
	if cfg.Credentials.APIKey == "" {
		return agency.CreateResult{}, errs.Remote(ID, "missing api key", nil)
	}
	if req.CustomerPhone == "" {
		return agency.CreateResult{}, errs.Remote(ID, "customer phone is required", nil)
	}
	tn := req.TrackingNumber
	if tn == "" {
		id := uuid.New()
		tn = fmt.Sprintf("SBX%X", id[:])
	}
	return agency.CreateResult{
		TrackingNumber: tn,
		Barcode:        tn,
		PrintURL:       "https://sandbox.local/labels/" + tn + ".pdf",
		Metadata:       map[string]any{"price": req.Price.StringFixed(3)},
	}, nil
}

func (s *Sandbox) FetchStatus(ctx context.Context, cfg models.DeliveryAgency, trackingNumber string) (agency.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return agency.StatusResult{}, err
	}
	raw := cfg.Settings["status"]
	if raw == "" {
		switch v := hash(trackingNumber); {
		case v%5 == 0:
			raw = "delivered"
		case v%11 == 0:
			raw = "returned"
		default:
			raw = "on_road"
		}
	}
	st, ok := s.NormalizeStatus(raw)
	if !ok {
		return agency.StatusResult{}, errs.Remote(ID, fmt.Sprintf("unknown status %q", raw), nil)
	}
	now := s.now().UTC()
	return agency.StatusResult{Status: st, StatusRaw: raw, StatusAt: &now}, nil
}

func (s *Sandbox) TestConnection(ctx context.Context, cfg models.DeliveryAgency) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.Credentials.APIKey == "" || cfg.Credentials.APIKey == "invalid" {
		return errs.Remote(ID, "api key rejected", nil)
	}
	return nil
}

func (s *Sandbox) NormalizeStatus(raw string) (models.ShipmentStatus, bool) {
	return statuses.Normalize(raw)
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
