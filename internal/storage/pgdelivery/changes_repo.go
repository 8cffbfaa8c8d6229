package pgdelivery

import (
	"context"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ApplyStatusChange writes the shipment, its log row, the order advance and
// the activity in one transaction. The shipment update is conditioned on the
// status the caller read; a miss means another writer got there first.
func (s *Storage) ApplyStatusChange(ctx context.Context, c storage.StatusChange) (*models.DeliveryShipment, error) {
	now := time.Now().UTC()
	at := c.At
	if at.IsZero() {
		at = now
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errs.Persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sh, err := scanShipment(tx.QueryRow(ctx, `
UPDATE delivery_shipments
SET status = $3,
    last_status_at = $4,
    metadata = CASE WHEN $5::jsonb IS NULL THEN metadata ELSE COALESCE(metadata, '{}'::jsonb) || $5::jsonb END,
    updated_at = $6
WHERE id = $1 AND status = $2 AND deleted_at IS NULL
RETURNING`+shipmentColumns,
		c.ShipmentID, string(c.From), string(c.To), at, nilIfEmpty(c.Metadata), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.casMiss(ctx, c.ShipmentID)
	}
	if err != nil {
		return nil, errs.Persistence("update shipment status", err)
	}
	if err := insertStatusLog(ctx, tx, sh.ID, c.To, c.StatusRaw, c.Source, now); err != nil {
		return nil, errs.Persistence("insert status log", err)
	}
	if c.OrderTo != "" {
		if err := advanceOrder(ctx, tx, c.OrderID, c.OrderTo, "", now); err != nil {
			return nil, errs.Persistence("advance order", err)
		}
	}
	if c.Activity != nil {
		if err := insertActivity(ctx, tx, *c.Activity, now); err != nil {
			return nil, errs.Persistence("insert activity", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Persistence("commit tx", err)
	}
	return sh, nil
}

func (s *Storage) Resubmit(ctx context.Context, r storage.Resubmission) (*models.DeliveryShipment, error) {
	now := time.Now().UTC()
	at := r.At
	if at.IsZero() {
		at = now
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errs.Persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sh, err := scanShipment(tx.QueryRow(ctx, `
UPDATE delivery_shipments
SET tracking_number = CASE WHEN tracking_number = '' THEN $3 ELSE tracking_number END,
    barcode = CASE WHEN $4 = '' THEN barcode ELSE $4 END,
    print_url = CASE WHEN $5 = '' THEN print_url ELSE $5 END,
    metadata = CASE WHEN $6::jsonb IS NULL THEN metadata ELSE COALESCE(metadata, '{}'::jsonb) || $6::jsonb END,
    status = 'UPLOADED',
    last_status_at = CASE WHEN status = 'UPLOADED' THEN last_status_at ELSE $7 END,
    attempts = attempts + 1,
    last_error = NULL,
    updated_at = $8
WHERE id = $1 AND status = $2 AND deleted_at IS NULL
RETURNING`+shipmentColumns,
		r.ShipmentID, string(r.From), r.TrackingNumber, r.Barcode, r.PrintURL, nilIfEmpty(r.Metadata), at, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.casMiss(ctx, r.ShipmentID)
	}
	if err != nil {
		if name, ok := uniqueConstraint(err); ok && name == trackingNumberIndex {
			return nil, errs.InvalidState("tracking number %q already in use", r.TrackingNumber)
		}
		return nil, errs.Persistence("resubmit shipment", err)
	}
	if r.From != models.ShipmentStatusUploaded {
		if err := insertStatusLog(ctx, tx, sh.ID, models.ShipmentStatusUploaded, "", models.StatusSourceRetry, now); err != nil {
			return nil, errs.Persistence("insert status log", err)
		}
	}
	if err := insertActivity(ctx, tx, r.Activity, now); err != nil {
		return nil, errs.Persistence("insert activity", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Persistence("commit tx", err)
	}
	return sh, nil
}

func (s *Storage) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE delivery_shipments
SET attempts = attempts + 1, last_error = $2, updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
`, id, reason)
	if err != nil {
		return errs.Persistence("record failure", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("shipment", id.String())
	}
	return nil
}

func (s *Storage) DeleteShipment(ctx context.Context, d storage.Deletion) error {
	now := time.Now().UTC()
	at := d.At
	if at.IsZero() {
		at = now
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errs.Persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE delivery_shipments SET deleted_at = $3, updated_at = $3 WHERE id = $1 AND status = $2 AND deleted_at IS NULL`
	args := []any{d.ShipmentID, string(d.From), at}
	if d.Hard {
		q = `DELETE FROM delivery_shipments WHERE id = $1 AND status = $2 AND deleted_at IS NULL`
		args = args[:2]
	}
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return errs.Persistence("delete shipment", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, d.ShipmentID)
	}
	if err := insertActivity(ctx, tx, d.Activity, now); err != nil {
		return errs.Persistence("insert activity", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Persistence("commit tx", err)
	}
	return nil
}

// casMiss tells a missing shipment apart from one whose status moved on.
func (s *Storage) casMiss(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetShipment(ctx, id); err != nil {
		return err
	}
	return errs.ErrStaleStatus
}

// nilIfEmpty keeps empty metadata as SQL NULL instead of a JSON null.
func nilIfEmpty(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
