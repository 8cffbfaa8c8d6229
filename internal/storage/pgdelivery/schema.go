package pgdelivery

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		// Owned by the order subsystem; created here so the engine can run alone.
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  customer_name TEXT NOT NULL DEFAULT '',
  customer_phone TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  city TEXT NOT NULL DEFAULT '',
  region TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  items JSONB NOT NULL DEFAULT '[]',
  total NUMERIC(12,3) NOT NULL DEFAULT 0,
  delivery_company TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS delivery_agencies (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  enabled BOOLEAN NOT NULL DEFAULT FALSE,
  credentials_type TEXT NOT NULL,
  credentials JSONB NOT NULL DEFAULT '{}',
  settings JSONB NOT NULL DEFAULT '{}',
  webhook_url TEXT NOT NULL DEFAULT '',
  polling_interval_ms BIGINT NOT NULL DEFAULT 0,
  supported_regions TEXT[] NOT NULL DEFAULT '{}',
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS delivery_shipments (
  id UUID PRIMARY KEY,
  order_id TEXT NOT NULL,
  agency_id TEXT NOT NULL,
  tracking_number TEXT NOT NULL DEFAULT '',
  barcode TEXT NOT NULL DEFAULT '',
  print_url TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  last_status_at TIMESTAMPTZ NOT NULL,
  metadata JSONB NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  deleted_at TIMESTAMPTZ NULL
)`,
		// At most one active shipment per order, across every process.
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_delivery_shipments_active_order
  ON delivery_shipments(order_id)
  WHERE status NOT IN ('DELIVERED', 'RETURNED') AND deleted_at IS NULL`,
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_delivery_shipments_tracking_number
  ON delivery_shipments(tracking_number)
  WHERE tracking_number <> '' AND deleted_at IS NULL`,
		`
CREATE INDEX IF NOT EXISTS idx_delivery_shipments_active
  ON delivery_shipments(agency_id, last_status_at)
  WHERE status NOT IN ('DELIVERED', 'RETURNED') AND deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_shipments_created_at ON delivery_shipments(created_at DESC)`,
		// No FK: history outlives a force-deleted shipment.
		`
CREATE TABLE IF NOT EXISTS shipment_status_logs (
  id BIGSERIAL PRIMARY KEY,
  shipment_id UUID NOT NULL,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_status_logs_shipment ON shipment_status_logs(shipment_id, id)`,
		`
CREATE TABLE IF NOT EXISTS activities (
  id BIGSERIAL PRIMARY KEY,
  type TEXT NOT NULL,
  description TEXT NOT NULL,
  actor_id TEXT NOT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
