package deliveries

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/broker/messages"
	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// casAttempts bounds re-reads after losing a compare-and-set race.
const casAttempts = 3

type transition struct {
	to        models.ShipmentStatus
	statusRaw string
	source    models.StatusSource
	at        time.Time
	metadata  map[string]any
	actorID   string
	// audit forces an activity entry for non-terminal moves.
	audit bool
}

// transition moves sh forward with compare-and-set, re-reading the row when
// another writer got there first. A shipment already at or past the target
// is reported unchanged.
func (s *Service) transition(ctx context.Context, sh *models.DeliveryShipment, t transition) (*models.DeliveryShipment, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if models.AtOrPast(sh.Status, t.to) {
			return sh, false, nil
		}
		if !models.CanTransition(sh.Status, t.to) {
			return sh, false, errs.InvalidState("shipment %s cannot move from %s to %s", sh.ID, sh.Status, t.to)
		}

		change := storage.StatusChange{
			ShipmentID: sh.ID,
			From:       sh.Status,
			To:         t.to,
			StatusRaw:  t.statusRaw,
			Source:     t.source,
			At:         t.at,
			Metadata:   t.metadata,
			OrderID:    sh.OrderID,
		}
		orderTo, terminal := models.OrderStatusFor(t.to)
		if terminal {
			change.OrderTo = orderTo
		}
		if terminal || t.audit {
			change.Activity = &models.Activity{
				Type:        models.ActivityShipmentStatusChanged,
				Description: fmt.Sprintf("Shipment %s moved from %s to %s", sh.TrackingNumber, sh.Status, t.to),
				ActorID:     t.actorID,
				Metadata: map[string]any{
					"shipment_id": sh.ID.String(),
					"order_id":    sh.OrderID,
					"from":        string(sh.Status),
					"to":          string(t.to),
					"source":      string(t.source),
				},
			}
		}

		updated, err := s.store.ApplyStatusChange(ctx, change)
		if errors.Is(err, errs.ErrStaleStatus) {
			if sh, err = s.store.GetShipment(ctx, sh.ID); err != nil {
				return nil, false, err
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}

		slog.Info("shipment status changed", "shipment_id", sh.ID.String(), "from", string(sh.Status),
			"to", string(t.to), "source", string(t.source))
		s.publishStatusChanged(ctx, updated, sh.Status, t.statusRaw, t.source, change.OrderTo)
		return updated, true, nil
	}
	return nil, false, errors.Wrapf(errs.ErrStaleStatus, "shipment %s", sh.ID)
}

// ApplyObservedStatus reconciles a carrier-reported status into sh. Statuses
// the state machine does not allow from the current one (a carrier lagging
// behind a manual edit, say) are left alone and reported unchanged.
func (s *Service) ApplyObservedStatus(ctx context.Context, sh *models.DeliveryShipment, obs agency.StatusResult, source models.StatusSource) (*models.DeliveryShipment, bool, error) {
	if !obs.Status.Valid() {
		return nil, false, errs.Validation("carrier status %q is not canonical", obs.Status)
	}
	t := transition{
		to:        obs.Status,
		statusRaw: obs.StatusRaw,
		source:    source,
		metadata:  obs.Metadata,
		actorID:   models.SystemActor,
	}
	if obs.StatusAt != nil {
		t.at = *obs.StatusAt
	}
	updated, changed, err := s.transition(ctx, sh, t)
	if errors.Is(err, errs.ErrInvalidState) {
		slog.Warn("observed status not applicable", "shipment_id", sh.ID.String(), "current", string(sh.Status),
			"observed", string(obs.Status), "source", string(source))
		return sh, false, nil
	}
	return updated, changed, err
}

// TrackShipmentByTrackingNumber is the "check now" path: it asks the carrier
// for the current status and stores any change before returning.
func (s *Service) TrackShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.DeliveryShipment, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, errs.Validation("tracking number is required")
	}
	sh, err := s.store.GetShipmentByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if sh.Status.IsTerminal() {
		return sh, nil
	}

	adapter, cfg, err := s.registry.Resolve(ctx, sh.AgencyID)
	if err != nil {
		return nil, err
	}
	rctx, cancel := s.remoteCtx(ctx)
	obs, err := adapter.FetchStatus(rctx, cfg, sh.TrackingNumber)
	cancel()
	if err != nil {
		err = errs.AsRemote(cfg.ID, err)
		slog.Warn("track now failed", "tracking_number", trackingNumber, "agency", cfg.ID, "error", err.Error())
		return nil, err
	}

	updated, _, err := s.ApplyObservedStatus(ctx, sh, obs, models.StatusSourceTrack)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyInboundUpdate applies a carrier webhook relayed through the broker.
func (s *Service) ApplyInboundUpdate(ctx context.Context, msg messages.CarrierStatusUpdate) error {
	if msg.AgencyID == "" || msg.TrackingNumber == "" || msg.Status == "" {
		return errs.Validation("agency_id, tracking_number and status are required")
	}
	adapter, err := s.registry.GetAgency(ctx, msg.AgencyID)
	if err != nil {
		return err
	}
	st, ok := adapter.NormalizeStatus(msg.Status)
	if !ok {
		return errs.Validation("agency %s reported unknown status %q", msg.AgencyID, msg.Status)
	}
	sh, err := s.store.GetShipmentByTrackingNumber(ctx, msg.TrackingNumber)
	if err != nil {
		return err
	}
	if sh.AgencyID != msg.AgencyID {
		return errs.Validation("tracking number %s belongs to agency %s, not %s", msg.TrackingNumber, sh.AgencyID, msg.AgencyID)
	}

	_, _, err = s.ApplyObservedStatus(ctx, sh, agency.StatusResult{
		Status:    st,
		StatusRaw: msg.Status,
		StatusAt:  msg.OccurredAt,
		Metadata:  msg.Payload,
	}, models.StatusSourceInbound)
	return err
}

const (
	BulkOutcomeUpdated = "updated"
	BulkOutcomeSkipped = "skipped"
	BulkOutcomeFailed  = "failed"
)

type BulkItemResult struct {
	ShipmentID uuid.UUID `json:"shipment_id"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Kind       string    `json:"kind,omitempty"`
}

type BulkResult struct {
	Target  models.ShipmentStatus `json:"target"`
	Updated int                   `json:"updated"`
	Skipped int                   `json:"skipped"`
	Failed  int                   `json:"failed"`
	Items   []BulkItemResult      `json:"items"`
}

// BulkUpdateShipmentStatus applies one target status to many shipments. Each
// id is handled on its own: a rejected or failing id is reported in Items and
// the rest of the batch proceeds.
func (s *Service) BulkUpdateShipmentStatus(ctx context.Context, ids []uuid.UUID, target string, actorID string) (*BulkResult, error) {
	to, ok := models.ParseShipmentStatus(target)
	if !ok {
		return nil, errs.Validation("unknown shipment status %q", target)
	}
	if len(ids) == 0 {
		return nil, errs.Validation("shipment ids are required")
	}
	if len(ids) > s.opts.MaxBulkItems {
		return nil, errs.Validation("too many shipments (max %d)", s.opts.MaxBulkItems)
	}

	res := &BulkResult{Target: to, Items: make([]BulkItemResult, 0, len(ids))}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		item := s.bulkOne(ctx, id, to, actorID)
		switch item.Outcome {
		case BulkOutcomeUpdated:
			res.Updated++
		case BulkOutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
			slog.Warn("bulk status update item failed", "shipment_id", id.String(), "target", string(to), "reason", item.Reason)
		}
		res.Items = append(res.Items, item)
	}

	slog.Info("bulk status update done", "target", string(to), "updated", res.Updated,
		"skipped", res.Skipped, "failed", res.Failed, "actor", actorID)
	return res, nil
}

func (s *Service) bulkOne(ctx context.Context, id uuid.UUID, to models.ShipmentStatus, actorID string) BulkItemResult {
	item := BulkItemResult{ShipmentID: id}
	fail := func(err error) BulkItemResult {
		item.Outcome = BulkOutcomeFailed
		item.Reason = err.Error()
		item.Kind = errs.Kind(err)
		return item
	}

	sh, err := s.store.GetShipment(ctx, id)
	if err != nil {
		return fail(err)
	}
	if sh.Status == to {
		item.Outcome = BulkOutcomeSkipped
		item.Reason = fmt.Sprintf("already %s", to)
		return item
	}
	if !models.CanTransition(sh.Status, to) {
		if sh.Status.IsTerminal() {
			return fail(errs.InvalidState("shipment is already %s", sh.Status))
		}
		return fail(errs.InvalidState("cannot move from %s to %s", sh.Status, to))
	}

	_, changed, err := s.transition(ctx, sh, transition{
		to:      to,
		source:  models.StatusSourceBulk,
		actorID: actorID,
		audit:   true,
	})
	if err != nil {
		return fail(err)
	}
	if !changed {
		item.Outcome = BulkOutcomeSkipped
		item.Reason = fmt.Sprintf("already at or past %s", to)
		return item
	}
	item.Outcome = BulkOutcomeUpdated
	return item
}
