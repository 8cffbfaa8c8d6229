package deliveries

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxListLimit = 1000

func (s *Service) GetAllShipments(ctx context.Context, limit int) ([]*models.DeliveryShipment, error) {
	return s.ListShipments(ctx, models.ShipmentFilter{Limit: limit})
}

func (s *Service) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.DeliveryShipment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errs.Validation("unknown shipment status %q", f.Status)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = s.opts.DefaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	return s.store.ListShipments(ctx, f)
}

func (s *Service) GetShipmentsByOrderID(ctx context.Context, orderID string) ([]*models.DeliveryShipment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errs.Validation("order id is required")
	}
	return s.store.ListShipments(ctx, models.ShipmentFilter{OrderID: orderID})
}

func (s *Service) GetShipment(ctx context.Context, id uuid.UUID) (*models.DeliveryShipment, error) {
	return s.store.GetShipment(ctx, id)
}

func (s *Service) GetStatusHistory(ctx context.Context, id uuid.UUID) ([]*models.StatusLogEntry, error) {
	logs, err := s.store.ListStatusLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		if _, err := s.store.GetShipment(ctx, id); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

// DeleteShipment removes a delivered, returned or failed shipment. Soft
// deletes hide the row; force drops it. History is kept in both cases.
func (s *Service) DeleteShipment(ctx context.Context, id uuid.UUID, force bool, actorID string) error {
	sh, err := s.store.GetShipment(ctx, id)
	if err != nil {
		return err
	}
	if sh.Status.IsActive() && sh.Status != models.ShipmentStatusFailed {
		return errs.InvalidState("shipment %s is %s; only delivered, returned or failed shipments can be deleted",
			sh.ID, sh.Status)
	}

	mode := "soft"
	if force {
		mode = "hard"
	}
	err = s.store.DeleteShipment(ctx, storage.Deletion{
		ShipmentID: sh.ID,
		From:       sh.Status,
		Hard:       force,
		Activity: models.Activity{
			Type:        models.ActivityShipmentDeleted,
			Description: fmt.Sprintf("Shipment %s (%s) deleted", sh.TrackingNumber, sh.Status),
			ActorID:     actorID,
			Metadata: map[string]any{
				"shipment_id": sh.ID.String(),
				"order_id":    sh.OrderID,
				"mode":        mode,
			},
		},
	})
	if errors.Is(err, errs.ErrStaleStatus) {
		return errs.InvalidState("shipment %s changed while being deleted", sh.ID)
	}
	if err != nil {
		return err
	}
	slog.Info("shipment deleted", "shipment_id", sh.ID.String(), "mode", mode, "actor", actorID)
	return nil
}
