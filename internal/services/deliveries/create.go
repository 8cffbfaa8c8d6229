package deliveries

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type CreateInput struct {
	OrderID  string `json:"order_id" validate:"required"`
	AgencyID string `json:"agency_id" validate:"required"`
	// Snapshot overrides the parcel data derived from the order.
	Snapshot *models.OrderSnapshot `json:"snapshot,omitempty"`
	ActorID  string                `json:"-"`
}

func (s *Service) CreateShipment(ctx context.Context, in CreateInput) (*models.DeliveryShipment, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errs.Validation("%s", err.Error())
	}

	order, err := s.creatableOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}

	adapter, cfg, err := s.resolveEnabled(ctx, in.AgencyID)
	if err != nil {
		return nil, err
	}

	snap := order.Snapshot()
	if in.Snapshot != nil {
		snap = *in.Snapshot
	}
	if err := s.validate.Struct(snap); err != nil {
		return nil, errs.Validation("order %s: %s", order.ID, err.Error())
	}
	if snap.Region != "" && !cfg.ServesRegion(snap.Region) {
		return nil, errs.InvalidState("agency %s does not serve region %q", cfg.ID, snap.Region)
	}

	// Cheap pre-check; the store's uniqueness guard below is authoritative.
	if err := s.ensureNoActiveShipment(ctx, order.ID); err != nil {
		return nil, err
	}

	release, err := s.lockOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Another holder may have finished a create while we waited for the lease.
	if err := s.ensureNoActiveShipment(ctx, order.ID); err != nil {
		return nil, err
	}
	if _, err := s.creatableOrder(ctx, order.ID); err != nil {
		return nil, err
	}

	rctx, cancel := s.remoteCtx(ctx)
	res, err := adapter.CreateShipment(rctx, cfg, agency.NewCreateRequest(order.ID, snap))
	cancel()
	if err != nil {
		err = errs.AsRemote(cfg.ID, err)
		slog.Warn("remote shipment creation failed", "order_id", order.ID, "agency", cfg.ID, "error", err.Error())
		return nil, err
	}
	if res.TrackingNumber == "" {
		return nil, errs.Remote(cfg.ID, "carrier returned no tracking number", nil)
	}

	sh, err := s.store.CreateShipment(ctx, storage.NewShipment{
		Shipment: models.DeliveryShipment{
			ID:             uuid.New(),
			OrderID:        order.ID,
			AgencyID:       cfg.ID,
			TrackingNumber: res.TrackingNumber,
			Barcode:        res.Barcode,
			PrintURL:       res.PrintURL,
			Status:         models.ShipmentStatusUploaded,
			Metadata:       res.Metadata,
			Attempts:       1,
		},
		OrderTo: models.OrderStatusUploaded,
		Activity: models.Activity{
			Type:        models.ActivityShipmentCreated,
			Description: fmt.Sprintf("Shipment %s created with %s for order %s", res.TrackingNumber, cfg.Name, order.ID),
			ActorID:     in.ActorID,
			Metadata: map[string]any{
				"order_id":        order.ID,
				"agency_id":       cfg.ID,
				"tracking_number": res.TrackingNumber,
			},
		},
	})
	if err != nil {
		// The carrier holds a parcel we could not record; operators reconcile it by tracking number.
		slog.Error("shipment created remotely but not stored",
			"order_id", order.ID, "agency", cfg.ID, "tracking_number", res.TrackingNumber, "error", err.Error())
		return nil, err
	}

	slog.Info("shipment created", "shipment_id", sh.ID.String(), "order_id", order.ID, "agency", cfg.ID,
		"tracking_number", sh.TrackingNumber)
	s.publishStatusChanged(ctx, sh, "", "", models.StatusSourceCreate, models.OrderStatusUploaded)
	return sh, nil
}

// RetryShipment resubmits a FAILED or still-UPLOADED shipment to its carrier
// and updates the same row. The tracking number, once assigned, is sent back
// to the carrier and never replaced.
func (s *Service) RetryShipment(ctx context.Context, id uuid.UUID, actorID string) (*models.DeliveryShipment, error) {
	sh, err := s.retryableShipment(ctx, id)
	if err != nil {
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, sh.OrderID)
	if err != nil {
		return nil, err
	}
	adapter, cfg, err := s.resolveEnabled(ctx, sh.AgencyID)
	if err != nil {
		return nil, err
	}

	release, err := s.lockOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if sh, err = s.retryableShipment(ctx, id); err != nil {
		return nil, err
	}

	req := agency.NewCreateRequest(order.ID, order.Snapshot())
	req.TrackingNumber = sh.TrackingNumber

	rctx, cancel := s.remoteCtx(ctx)
	res, err := adapter.CreateShipment(rctx, cfg, req)
	cancel()
	if err != nil {
		err = errs.AsRemote(cfg.ID, err)
		slog.Warn("shipment retry failed", "shipment_id", sh.ID.String(), "agency", cfg.ID, "error", err.Error())
		if ferr := s.store.RecordFailure(ctx, sh.ID, err.Error()); ferr != nil {
			slog.Error("retry failure not recorded", "shipment_id", sh.ID.String(), "error", ferr.Error())
		}
		return nil, err
	}
	if sh.TrackingNumber != "" && res.TrackingNumber != "" && res.TrackingNumber != sh.TrackingNumber {
		slog.Warn("carrier issued a different tracking number on retry; keeping the original",
			"shipment_id", sh.ID.String(), "tracking_number", sh.TrackingNumber, "carrier_number", res.TrackingNumber)
	}

	updated, err := s.store.Resubmit(ctx, storage.Resubmission{
		ShipmentID:     sh.ID,
		From:           sh.Status,
		TrackingNumber: res.TrackingNumber,
		Barcode:        res.Barcode,
		PrintURL:       res.PrintURL,
		Metadata:       res.Metadata,
		Activity: models.Activity{
			Type:        models.ActivityShipmentRetried,
			Description: fmt.Sprintf("Shipment %s resubmitted to %s", sh.ID, cfg.Name),
			ActorID:     actorID,
			Metadata: map[string]any{
				"shipment_id": sh.ID.String(),
				"order_id":    sh.OrderID,
				"from":        string(sh.Status),
			},
		},
	})
	if errors.Is(err, errs.ErrStaleStatus) {
		return nil, errs.InvalidState("shipment %s changed while being retried", sh.ID)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("shipment retried", "shipment_id", sh.ID.String(), "agency", cfg.ID, "attempts", updated.Attempts)
	if sh.Status != updated.Status {
		s.publishStatusChanged(ctx, updated, sh.Status, "", models.StatusSourceRetry, "")
	}
	return updated, nil
}

func (s *Service) creatableOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Confirmable() {
		return nil, errs.InvalidState("order %s is %s; shipments can only be created for %s orders",
			order.ID, order.Status, models.OrderStatusConfirmed)
	}
	return order, nil
}

func (s *Service) retryableShipment(ctx context.Context, id uuid.UUID) (*models.DeliveryShipment, error) {
	sh, err := s.store.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if sh.Status != models.ShipmentStatusFailed && sh.Status != models.ShipmentStatusUploaded {
		return nil, errs.InvalidState("shipment %s is %s; only %s or %s shipments can be retried",
			sh.ID, sh.Status, models.ShipmentStatusFailed, models.ShipmentStatusUploaded)
	}
	return sh, nil
}

func (s *Service) resolveEnabled(ctx context.Context, agencyID string) (agency.Adapter, models.DeliveryAgency, error) {
	adapter, cfg, err := s.registry.Resolve(ctx, agencyID)
	if err != nil {
		return nil, models.DeliveryAgency{}, err
	}
	if !cfg.Enabled {
		return nil, models.DeliveryAgency{}, errors.Wrapf(errs.ErrAgencyUnavailable, "agency %s", agencyID)
	}
	if !cfg.Configured() {
		return nil, models.DeliveryAgency{}, errs.InvalidState("agency %s has no %s credentials", agencyID, cfg.CredentialsType)
	}
	return adapter, cfg, nil
}

func (s *Service) ensureNoActiveShipment(ctx context.Context, orderID string) error {
	existing, err := s.store.ListShipments(ctx, models.ShipmentFilter{OrderID: orderID})
	if err != nil {
		return err
	}
	for _, sh := range existing {
		if sh.Status.IsActive() {
			return errors.Wrapf(errs.ErrDuplicateActive, "shipment %s is %s", sh.ID, sh.Status)
		}
	}
	return nil
}

// lockOrder takes the per-order lease when a locker is configured. A locker
// outage degrades to the store's uniqueness guard instead of failing.
func (s *Service) lockOrder(ctx context.Context, orderID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, ok, err := s.locker.Acquire(ctx, "order:"+orderID, s.opts.OrderLockTTL)
	if err != nil {
		slog.Warn("order lock unavailable", "order_id", orderID, "error", err.Error())
		return func() {}, nil
	}
	if !ok {
		return nil, errs.InvalidState("a shipment request for order %s is already in progress", orderID)
	}
	return release, nil
}
