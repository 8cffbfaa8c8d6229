// Package memdelivery is an in-process delivery store with the same
// semantics as the Postgres store. It backs local runs without a database
// and the service tests.
package memdelivery

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/storage"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.RWMutex

	orders     map[string]models.Order
	agencies   map[string]models.DeliveryAgency
	shipments  map[uuid.UUID]*models.DeliveryShipment
	logs       []models.StatusLogEntry
	activities []models.Activity

	logSeq      uint64
	activitySeq uint64
	now         func() time.Time
}

func New() *Store {
	return &Store{
		orders:    make(map[string]models.Order),
		agencies:  make(map[string]models.DeliveryAgency),
		shipments: make(map[uuid.UUID]*models.DeliveryShipment),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) UpsertOrder(_ context.Context, o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = s.now()
	o.Items = slices.Clone(o.Items)
	s.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errs.NotFound("order", id)
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (s *Store) ListAgencies(_ context.Context) ([]models.DeliveryAgency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeliveryAgency, 0, len(s.agencies))
	for _, a := range s.agencies {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertAgency(_ context.Context, a models.DeliveryAgency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = s.now()
	s.agencies[a.ID] = a.Clone()
	return nil
}

func (s *Store) CreateShipment(_ context.Context, in storage.NewShipment) (*models.DeliveryShipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh := cloneShipment(&in.Shipment)
	for _, other := range s.shipments {
		if other.DeletedAt != nil {
			continue
		}
		if other.OrderID == sh.OrderID && other.Status.IsActive() {
			return nil, errs.ErrDuplicateActive
		}
		if sh.TrackingNumber != "" && other.TrackingNumber == sh.TrackingNumber {
			return nil, errs.InvalidState("tracking number %q already in use", sh.TrackingNumber)
		}
	}

	now := s.now()
	if sh.ID == uuid.Nil {
		sh.ID = uuid.New()
	}
	sh.CreatedAt, sh.UpdatedAt = now, now
	if sh.LastStatusAt.IsZero() {
		sh.LastStatusAt = now
	}
	s.shipments[sh.ID] = sh
	s.appendLog(sh.ID, sh.Status, in.StatusRaw, models.StatusSourceCreate, now)
	if in.OrderTo != "" {
		s.advanceOrder(sh.OrderID, in.OrderTo, sh.AgencyID, now)
	}
	s.appendActivity(in.Activity, now)
	return cloneShipment(sh), nil
}

func (s *Store) GetShipment(_ context.Context, id uuid.UUID) (*models.DeliveryShipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shipments[id]
	if !ok || sh.DeletedAt != nil {
		return nil, errs.NotFound("shipment", id.String())
	}
	return cloneShipment(sh), nil
}

func (s *Store) GetShipmentByTrackingNumber(_ context.Context, trackingNumber string) (*models.DeliveryShipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sh := range s.shipments {
		if sh.DeletedAt == nil && sh.TrackingNumber == trackingNumber {
			return cloneShipment(sh), nil
		}
	}
	return nil, errs.NotFound("shipment with tracking number", trackingNumber)
}

func (s *Store) ListShipments(_ context.Context, f models.ShipmentFilter) ([]*models.DeliveryShipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeliveryShipment, 0)
	for _, sh := range s.shipments {
		if sh.DeletedAt != nil {
			continue
		}
		if f.OrderID != "" && sh.OrderID != f.OrderID {
			continue
		}
		if f.AgencyID != "" && sh.AgencyID != f.AgencyID {
			continue
		}
		if f.Status != "" && sh.Status != f.Status {
			continue
		}
		out = append(out, cloneShipment(sh))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListActiveShipments(_ context.Context) ([]*models.DeliveryShipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeliveryShipment, 0)
	for _, sh := range s.shipments {
		if sh.DeletedAt == nil && sh.Status.IsActive() {
			out = append(out, cloneShipment(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgencyID != out[j].AgencyID {
			return out[i].AgencyID < out[j].AgencyID
		}
		return out[i].LastStatusAt.Before(out[j].LastStatusAt)
	})
	return out, nil
}

func (s *Store) ListStatusLogs(_ context.Context, shipmentID uuid.UUID) ([]*models.StatusLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.StatusLogEntry, 0)
	for i := range s.logs {
		if s.logs[i].ShipmentID == shipmentID {
			e := s.logs[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *Store) ApplyStatusChange(_ context.Context, c storage.StatusChange) (*models.DeliveryShipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shipments[c.ShipmentID]
	if !ok || sh.DeletedAt != nil {
		return nil, errs.NotFound("shipment", c.ShipmentID.String())
	}
	if sh.Status != c.From {
		return nil, errs.ErrStaleStatus
	}
	now := s.now()
	at := c.At
	if at.IsZero() {
		at = now
	}
	sh.Status = c.To
	sh.LastStatusAt = at
	sh.UpdatedAt = now
	sh.Metadata = storage.MergeMetadata(sh.Metadata, c.Metadata)
	s.appendLog(sh.ID, c.To, c.StatusRaw, c.Source, now)
	if c.OrderTo != "" {
		s.advanceOrder(c.OrderID, c.OrderTo, "", now)
	}
	if c.Activity != nil {
		s.appendActivity(*c.Activity, now)
	}
	return cloneShipment(sh), nil
}

func (s *Store) Resubmit(_ context.Context, r storage.Resubmission) (*models.DeliveryShipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shipments[r.ShipmentID]
	if !ok || sh.DeletedAt != nil {
		return nil, errs.NotFound("shipment", r.ShipmentID.String())
	}
	if sh.Status != r.From {
		return nil, errs.ErrStaleStatus
	}
	if sh.TrackingNumber == "" && r.TrackingNumber != "" {
		for _, other := range s.shipments {
			if other.ID != sh.ID && other.DeletedAt == nil && other.TrackingNumber == r.TrackingNumber {
				return nil, errs.InvalidState("tracking number %q already in use", r.TrackingNumber)
			}
		}
		sh.TrackingNumber = r.TrackingNumber
	}
	now := s.now()
	at := r.At
	if at.IsZero() {
		at = now
	}
	if r.Barcode != "" {
		sh.Barcode = r.Barcode
	}
	if r.PrintURL != "" {
		sh.PrintURL = r.PrintURL
	}
	sh.Metadata = storage.MergeMetadata(sh.Metadata, r.Metadata)
	sh.Attempts++
	sh.LastError = nil
	sh.UpdatedAt = now
	if sh.Status != models.ShipmentStatusUploaded {
		sh.Status = models.ShipmentStatusUploaded
		sh.LastStatusAt = at
		s.appendLog(sh.ID, models.ShipmentStatusUploaded, "", models.StatusSourceRetry, now)
	}
	s.appendActivity(r.Activity, now)
	return cloneShipment(sh), nil
}

func (s *Store) RecordFailure(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok || sh.DeletedAt != nil {
		return errs.NotFound("shipment", id.String())
	}
	sh.Attempts++
	sh.LastError = &reason
	sh.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteShipment(_ context.Context, d storage.Deletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[d.ShipmentID]
	if !ok || sh.DeletedAt != nil {
		return errs.NotFound("shipment", d.ShipmentID.String())
	}
	if sh.Status != d.From {
		return errs.ErrStaleStatus
	}
	now := s.now()
	if d.Hard {
		delete(s.shipments, d.ShipmentID)
	} else {
		at := d.At
		if at.IsZero() {
			at = now
		}
		sh.DeletedAt = &at
		sh.UpdatedAt = now
	}
	s.appendActivity(d.Activity, now)
	return nil
}

func (s *Store) AddActivity(_ context.Context, a models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendActivity(a, s.now())
	return nil
}

// Activities returns the audit trail, oldest first.
func (s *Store) Activities() []models.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.activities)
}

func (s *Store) appendLog(id uuid.UUID, st models.ShipmentStatus, raw string, src models.StatusSource, at time.Time) {
	s.logSeq++
	s.logs = append(s.logs, models.StatusLogEntry{
		ID:         s.logSeq,
		ShipmentID: id,
		Status:     st,
		StatusRaw:  raw,
		Source:     src,
		CreatedAt:  at,
	})
}

func (s *Store) appendActivity(a models.Activity, at time.Time) {
	if a.Type == "" {
		return
	}
	s.activitySeq++
	a.ID = s.activitySeq
	if a.CreatedAt.IsZero() {
		a.CreatedAt = at
	}
	s.activities = append(s.activities, a)
}

func (s *Store) advanceOrder(orderID string, to models.OrderStatus, company string, at time.Time) {
	o, ok := s.orders[orderID]
	if !ok {
		return
	}
	if slices.Contains(models.OrderAdvanceFrom(to), o.Status) {
		o.Status = to
		o.UpdatedAt = at
	}
	if company != "" {
		o.DeliveryCompany = company
	}
	s.orders[orderID] = o
}

func cloneShipment(sh *models.DeliveryShipment) *models.DeliveryShipment {
	out := *sh
	if sh.Metadata != nil {
		out.Metadata = make(map[string]any, len(sh.Metadata))
		for k, v := range sh.Metadata {
			out.Metadata[k] = v
		}
	}
	if sh.LastError != nil {
		e := *sh.LastError
		out.LastError = &e
	}
	if sh.DeletedAt != nil {
		d := *sh.DeletedAt
		out.DeletedAt = &d
	}
	return &out
}
