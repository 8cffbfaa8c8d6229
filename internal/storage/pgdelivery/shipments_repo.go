package pgdelivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, order_id, agency_id, tracking_number, barcode, print_url,
  status, last_status_at, metadata, attempts, last_error,
  created_at, updated_at, deleted_at`

func scanShipment(row pgx.Row) (*models.DeliveryShipment, error) {
	var (
		sh     models.DeliveryShipment
		status string
	)
	if err := row.Scan(
		&sh.ID, &sh.OrderID, &sh.AgencyID, &sh.TrackingNumber, &sh.Barcode, &sh.PrintURL,
		&status, &sh.LastStatusAt, &sh.Metadata, &sh.Attempts, &sh.LastError,
		&sh.CreatedAt, &sh.UpdatedAt, &sh.DeletedAt,
	); err != nil {
		return nil, err
	}
	sh.Status = models.ShipmentStatus(status)
	return &sh, nil
}

func (s *Storage) CreateShipment(ctx context.Context, in storage.NewShipment) (*models.DeliveryShipment, error) {
	now := time.Now().UTC()
	sh := in.Shipment
	if sh.ID == uuid.Nil {
		sh.ID = uuid.New()
	}
	if sh.LastStatusAt.IsZero() {
		sh.LastStatusAt = now
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errs.Persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created, err := scanShipment(tx.QueryRow(ctx, `
INSERT INTO delivery_shipments (
  id, order_id, agency_id, tracking_number, barcode, print_url,
  status, last_status_at, metadata, attempts, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
RETURNING `+shipmentColumns,
		sh.ID, sh.OrderID, sh.AgencyID, sh.TrackingNumber, sh.Barcode, sh.PrintURL,
		string(sh.Status), sh.LastStatusAt, nilIfEmpty(sh.Metadata), sh.Attempts, now))
	if err != nil {
		if name, ok := uniqueConstraint(err); ok {
			if name == activeOrderIndex {
				return nil, errs.ErrDuplicateActive
			}
			if name == trackingNumberIndex {
				return nil, errs.InvalidState("tracking number %q already in use", sh.TrackingNumber)
			}
		}
		return nil, errs.Persistence("insert shipment", err)
	}
	if err := insertStatusLog(ctx, tx, created.ID, created.Status, in.StatusRaw, models.StatusSourceCreate, now); err != nil {
		return nil, errs.Persistence("insert status log", err)
	}
	if in.OrderTo != "" {
		if err := advanceOrder(ctx, tx, created.OrderID, in.OrderTo, created.AgencyID, now); err != nil {
			return nil, errs.Persistence("advance order", err)
		}
	}
	if err := insertActivity(ctx, tx, in.Activity, now); err != nil {
		return nil, errs.Persistence("insert activity", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Persistence("commit tx", err)
	}
	return created, nil
}

func (s *Storage) GetShipment(ctx context.Context, id uuid.UUID) (*models.DeliveryShipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM delivery_shipments
WHERE id = $1 AND deleted_at IS NULL
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("shipment", id.String())
	}
	if err != nil {
		return nil, errs.Persistence("select shipment", err)
	}
	return sh, nil
}

func (s *Storage) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.DeliveryShipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM delivery_shipments
WHERE tracking_number = $1 AND deleted_at IS NULL
`, trackingNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("shipment with tracking number", trackingNumber)
	}
	if err != nil {
		return nil, errs.Persistence("select shipment", err)
	}
	return sh, nil
}

func (s *Storage) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.DeliveryShipment, error) {
	where := []string{"deleted_at IS NULL"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if f.AgencyID != "" {
		add("agency_id = $%d", f.AgencyID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	q := `SELECT` + shipmentColumns + `
FROM delivery_shipments
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryShipments(ctx, q, args...)
}

func (s *Storage) ListActiveShipments(ctx context.Context) ([]*models.DeliveryShipment, error) {
	return s.queryShipments(ctx, `
SELECT`+shipmentColumns+`
FROM delivery_shipments
WHERE status NOT IN ('DELIVERED', 'RETURNED') AND deleted_at IS NULL
ORDER BY agency_id, last_status_at
`)
}

func (s *Storage) queryShipments(ctx context.Context, q string, args ...any) ([]*models.DeliveryShipment, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Persistence("select shipments", err)
	}
	defer rows.Close()

	out := make([]*models.DeliveryShipment, 0)
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errs.Persistence("scan shipment", err)
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errs.Persistence("rows", rows.Err())
	}
	return out, nil
}

func (s *Storage) ListStatusLogs(ctx context.Context, shipmentID uuid.UUID) ([]*models.StatusLogEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, status, status_raw, source, created_at
FROM shipment_status_logs
WHERE shipment_id = $1
ORDER BY id
`, shipmentID)
	if err != nil {
		return nil, errs.Persistence("select status logs", err)
	}
	defer rows.Close()

	out := make([]*models.StatusLogEntry, 0)
	for rows.Next() {
		var (
			e              models.StatusLogEntry
			status, source string
		)
		if err := rows.Scan(&e.ID, &e.ShipmentID, &status, &e.StatusRaw, &source, &e.CreatedAt); err != nil {
			return nil, errs.Persistence("scan status log", err)
		}
		e.Status = models.ShipmentStatus(status)
		e.Source = models.StatusSource(source)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errs.Persistence("rows", rows.Err())
	}
	return out, nil
}

func insertStatusLog(ctx context.Context, q execer, id uuid.UUID, st models.ShipmentStatus, raw string, src models.StatusSource, at time.Time) error {
	_, err := q.Exec(ctx, `
INSERT INTO shipment_status_logs (shipment_id, status, status_raw, source, created_at)
VALUES ($1,$2,$3,$4,$5)
`, id, string(st), raw, string(src), at)
	return errors.Wrap(err, "insert status log")
}
