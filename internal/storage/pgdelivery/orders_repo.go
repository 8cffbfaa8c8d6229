package pgdelivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertOrder writes an order row. The order subsystem owns these rows; the
// engine uses it for seeding and tests.
func (s *Storage) UpsertOrder(ctx context.Context, o models.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO orders (
  id, status, customer_name, customer_phone, address, city, region, notes,
  items, total, delivery_company, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  customer_name = EXCLUDED.customer_name,
  customer_phone = EXCLUDED.customer_phone,
  address = EXCLUDED.address,
  city = EXCLUDED.city,
  region = EXCLUDED.region,
  notes = EXCLUDED.notes,
  items = EXCLUDED.items,
  total = EXCLUDED.total,
  delivery_company = EXCLUDED.delivery_company,
  updated_at = EXCLUDED.updated_at
`, o.ID, string(o.Status), o.CustomerName, o.CustomerPhone, o.Address, o.City, o.Region, o.Notes,
		items, o.Total.String(), o.DeliveryCompany, o.CreatedAt, now)
	return errs.Persistence("upsert order", err)
}

func (s *Storage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var (
		o      models.Order
		status string
		items  []byte
		total  string
	)
	err := s.db.QueryRow(ctx, `
SELECT id, status, customer_name, customer_phone, address, city, region, notes,
       items, total::text, delivery_company, created_at, updated_at
FROM orders
WHERE id = $1
`, id).Scan(
		&o.ID, &status, &o.CustomerName, &o.CustomerPhone, &o.Address, &o.City, &o.Region, &o.Notes,
		&items, &total, &o.DeliveryCompany, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("order", id)
	}
	if err != nil {
		return nil, errs.Persistence("select order", err)
	}
	o.Status = models.OrderStatus(status)
	o.Confirmed = o.Status == models.OrderStatusConfirmed
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, errors.Wrap(err, "decode order items")
		}
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, errors.Wrap(err, "decode order total")
	}
	return &o, nil
}

// advanceOrder moves the order forward to `to` when it is in one of the
// statuses that may precede it. company, when set, is stored regardless.
func advanceOrder(ctx context.Context, q execer, orderID string, to models.OrderStatus, company string, at time.Time) error {
	from := make([]string, 0, 3)
	for _, st := range models.OrderAdvanceFrom(to) {
		from = append(from, string(st))
	}
	if _, err := q.Exec(ctx, `
UPDATE orders
SET status = $2, updated_at = $4
WHERE id = $1 AND status = ANY($3)
`, orderID, string(to), from, at); err != nil {
		return errors.Wrap(err, "advance order")
	}
	if company == "" {
		return nil
	}
	if _, err := q.Exec(ctx, `UPDATE orders SET delivery_company = $2 WHERE id = $1`, orderID, company); err != nil {
		return errors.Wrap(err, "set delivery company")
	}
	return nil
}
