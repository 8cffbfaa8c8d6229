// Package deliveries runs the shipment lifecycle against one resolved agency
// per shipment: creation, retry, bulk transitions, lookups and
// reconciliation of carrier-observed statuses.
package deliveries

import (
	"context"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/cache"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)

	CreateShipment(ctx context.Context, in storage.NewShipment) (*models.DeliveryShipment, error)
	GetShipment(ctx context.Context, id uuid.UUID) (*models.DeliveryShipment, error)
	GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.DeliveryShipment, error)
	ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.DeliveryShipment, error)
	ListStatusLogs(ctx context.Context, shipmentID uuid.UUID) ([]*models.StatusLogEntry, error)

	ApplyStatusChange(ctx context.Context, c storage.StatusChange) (*models.DeliveryShipment, error)
	Resubmit(ctx context.Context, r storage.Resubmission) (*models.DeliveryShipment, error)
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
	DeleteShipment(ctx context.Context, d storage.Deletion) error
}

type Registry interface {
	GetAgency(ctx context.Context, id string) (agency.Adapter, error)
	Resolve(ctx context.Context, id string) (agency.Adapter, models.DeliveryAgency, error)
}

// Publisher is satisfied by the kafka producer.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type Options struct {
	RemoteTimeout     time.Duration
	OrderLockTTL      time.Duration
	EventsTopic       string
	PublishMaxElapsed time.Duration
	MaxBulkItems      int
	DefaultListLimit  int
}

func (o Options) withDefaults() Options {
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 15 * time.Second
	}
	if o.OrderLockTTL <= 0 {
		o.OrderLockTTL = 30 * time.Second
	}
	if o.PublishMaxElapsed <= 0 {
		o.PublishMaxElapsed = 3 * time.Second
	}
	if o.MaxBulkItems <= 0 {
		o.MaxBulkItems = 500
	}
	if o.DefaultListLimit <= 0 {
		o.DefaultListLimit = 100
	}
	return o
}

type Service struct {
	store     Store
	registry  Registry
	locker    cache.Locker
	publisher Publisher
	validate  *validator.Validate
	opts      Options
}

func New(store Store, reg Registry, opts Options) *Service {
	return &Service{
		store:    store,
		registry: reg,
		validate: validator.New(),
		opts:     opts.withDefaults(),
	}
}

// WithLocker makes creation and retry take a per-order lease so two
// instances do not call the carrier for the same order at once.
func (s *Service) WithLocker(l cache.Locker) *Service {
	s.locker = l
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.RemoteTimeout)
}
