package deliveries

import (
	"context"
	"log/slog"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/broker/messages"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// publishStatusChanged runs after the change is committed. Delivery is best
// effort: a broker outage is logged and never fails the caller.
func (s *Service) publishStatusChanged(ctx context.Context, sh *models.DeliveryShipment, from models.ShipmentStatus, raw string, src models.StatusSource, orderTo models.OrderStatus) {
	if s.publisher == nil || s.opts.EventsTopic == "" {
		return
	}
	msg := messages.ShipmentStatusChanged{
		ShipmentID:     sh.ID,
		OrderID:        sh.OrderID,
		AgencyID:       sh.AgencyID,
		TrackingNumber: sh.TrackingNumber,
		From:           string(from),
		To:             string(sh.Status),
		StatusRaw:      raw,
		Source:         string(src),
		OrderStatus:    string(orderTo),
		ChangedAt:      time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishMaxElapsed)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.opts.PublishMaxElapsed

	err := backoff.Retry(func() error {
		return s.publisher.PublishJSON(ctx, s.opts.EventsTopic, sh.OrderID, msg)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		slog.Warn("shipment event not published", "shipment_id", sh.ID.String(), "to", msg.To, "error", err.Error())
	}
}
