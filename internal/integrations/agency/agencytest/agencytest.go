// Package agencytest provides a scripted agency.Adapter for tests.
package agencytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
)

// Adapter answers from scripted tables. Carrier statuses are the canonical
// names with a "carrier:" prefix, e.g. "carrier:DELIVERED".
type Adapter struct {
	ID string

	mu        sync.Mutex
	createErr error
	statuses  map[string]agency.StatusResult
	fetchErrs map[string]error
	delay     time.Duration
	creates   []agency.CreateRequest
	fetches   map[string]int
	sequence  int
}

func New(id string) *Adapter {
	return &Adapter{
		ID:        id,
		statuses:  make(map[string]agency.StatusResult),
		fetchErrs: make(map[string]error),
		fetches:   make(map[string]int),
	}
}

// Config is an enabled, fully configured agency for this adapter.
func (a *Adapter) Config() models.DeliveryAgency {
	return models.DeliveryAgency{
		ID:              a.ID,
		Name:            "Carrier " + a.ID,
		Enabled:         true,
		CredentialsType: models.CredentialsAPIKey,
		Credentials:     models.Credentials{APIKey: "key-" + a.ID},
	}
}

func (a *Adapter) FailCreate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createErr = err
}

func (a *Adapter) SetStatus(trackingNumber string, st models.ShipmentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.fetchErrs, trackingNumber)
	a.statuses[trackingNumber] = agency.StatusResult{Status: st, StatusRaw: Raw(st)}
}

func (a *Adapter) FailFetch(trackingNumber string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchErrs[trackingNumber] = err
}

// SetDelay makes every remote call block for d or until ctx is done.
func (a *Adapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

func (a *Adapter) Creates() []agency.CreateRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agency.CreateRequest(nil), a.creates...)
}

func (a *Adapter) Fetches(trackingNumber string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches[trackingNumber]
}

func Raw(st models.ShipmentStatus) string {
	return "carrier:" + string(st)
}

func (a *Adapter) Info() agency.Info {
	return agency.Info{ID: a.ID, Name: "Carrier " + a.ID, CredentialsType: models.CredentialsAPIKey}
}

func (a *Adapter) CreateShipment(ctx context.Context, _ models.DeliveryAgency, req agency.CreateRequest) (agency.CreateResult, error) {
	if err := a.wait(ctx); err != nil {
		return agency.CreateResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates = append(a.creates, req)
	if a.createErr != nil {
		return agency.CreateResult{}, a.createErr
	}
	tn := req.TrackingNumber
	if tn == "" {
		a.sequence++
		tn = fmt.Sprintf("%s-%04d", a.ID, a.sequence)
	}
	return agency.CreateResult{TrackingNumber: tn, Barcode: "B-" + tn}, nil
}

func (a *Adapter) FetchStatus(ctx context.Context, _ models.DeliveryAgency, trackingNumber string) (agency.StatusResult, error) {
	if err := a.wait(ctx); err != nil {
		return agency.StatusResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches[trackingNumber]++
	if err := a.fetchErrs[trackingNumber]; err != nil {
		return agency.StatusResult{}, err
	}
	res, ok := a.statuses[trackingNumber]
	if !ok {
		return agency.StatusResult{Status: models.ShipmentStatusUploaded, StatusRaw: Raw(models.ShipmentStatusUploaded)}, nil
	}
	return res, nil
}

func (a *Adapter) TestConnection(ctx context.Context, _ models.DeliveryAgency) error {
	return a.wait(ctx)
}

func (a *Adapter) NormalizeStatus(raw string) (models.ShipmentStatus, bool) {
	if len(raw) <= len("carrier:") || raw[:len("carrier:")] != "carrier:" {
		return "", false
	}
	return models.ParseShipmentStatus(raw[len("carrier:"):])
}

func (a *Adapter) wait(ctx context.Context) error {
	a.mu.Lock()
	d := a.delay
	a.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
