// Package registry binds carrier adapters to their persisted configuration.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

type Store interface {
	ListAgencies(ctx context.Context) ([]models.DeliveryAgency, error)
	UpsertAgency(ctx context.Context, a models.DeliveryAgency) error
	AddActivity(ctx context.Context, a models.Activity) error
}

// AgencyView is an adapter's static capabilities joined with its current
// configuration, as listed to API consumers.
type AgencyView struct {
	Info       agency.Info           `json:"info"`
	Config     models.DeliveryAgency `json:"config"`
	Configured bool                  `json:"configured"`
}

const defaultTestTimeout = 15 * time.Second

type Registry struct {
	store    Store
	adapters map[string]agency.Adapter
	validate *validator.Validate

	testTimeout time.Duration

	loaded atomic.Bool
	group  singleflight.Group

	// writeMu serializes updates so the store and the snapshot agree on the
	// last write; mu only guards the snapshot map and is never held over I/O.
	writeMu sync.Mutex
	mu      sync.RWMutex
	configs map[string]models.DeliveryAgency
}

func New(store Store, adapters ...agency.Adapter) *Registry {
	r := &Registry{
		store:       store,
		adapters:    make(map[string]agency.Adapter, len(adapters)),
		validate:    validator.New(),
		testTimeout: defaultTestTimeout,
		configs:     make(map[string]models.DeliveryAgency),
	}
	for _, a := range adapters {
		r.adapters[a.Info().ID] = a
	}
	return r
}

// WithTestTimeout bounds TestConnection calls.
func (r *Registry) WithTestTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.testTimeout = d
	}
	return r
}

// EnsureInitialized loads persisted configs on first use. Concurrent first
// callers share one load; a failed load is retried by the next call.
func (r *Registry) EnsureInitialized(ctx context.Context) error {
	if r.loaded.Load() {
		return nil
	}
	_, err, _ := r.group.Do("load", func() (any, error) {
		if r.loaded.Load() {
			return nil, nil
		}
		return nil, r.load(ctx)
	})
	return err
}

func (r *Registry) load(ctx context.Context) error {
	persisted, err := r.store.ListAgencies(ctx)
	if err != nil {
		return errs.Persistence("load agency configs", err)
	}

	configs := make(map[string]models.DeliveryAgency, len(r.adapters))
	for id, a := range r.adapters {
		configs[id] = defaultConfig(a.Info())
	}
	for _, cfg := range persisted {
		a, ok := r.adapters[cfg.ID]
		if !ok {
			slog.Warn("agency config without adapter ignored", "agency", cfg.ID)
			continue
		}
		info := a.Info()
		cfg.CredentialsType = info.CredentialsType
		if len(cfg.SupportedRegions) == 0 {
			cfg.SupportedRegions = append([]string(nil), info.SupportedRegions...)
		}
		configs[cfg.ID] = cfg.Clone()
	}

	r.mu.Lock()
	r.configs = configs
	r.mu.Unlock()
	r.loaded.Store(true)

	slog.Info("agency registry loaded", "adapters", len(r.adapters), "persisted", len(persisted))
	return nil
}

func defaultConfig(info agency.Info) models.DeliveryAgency {
	return models.DeliveryAgency{
		ID:               info.ID,
		Name:             info.Name,
		CredentialsType:  info.CredentialsType,
		Settings:         map[string]string{},
		SupportedRegions: append([]string(nil), info.SupportedRegions...),
	}
}

func (r *Registry) GetAgency(ctx context.Context, id string) (agency.Adapter, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	a, ok := r.adapters[id]
	if !ok {
		return nil, errs.NotFound("agency", id)
	}
	return a, nil
}

// GetAgencyConfig returns a copy of the agency's current configuration.
func (r *Registry) GetAgencyConfig(ctx context.Context, id string) (models.DeliveryAgency, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return models.DeliveryAgency{}, err
	}
	r.mu.RLock()
	cfg, ok := r.configs[id]
	r.mu.RUnlock()
	if !ok {
		return models.DeliveryAgency{}, errs.NotFound("agency", id)
	}
	return cfg.Clone(), nil
}

// Resolve returns the adapter and configuration of an agency in one call.
func (r *Registry) Resolve(ctx context.Context, id string) (agency.Adapter, models.DeliveryAgency, error) {
	a, err := r.GetAgency(ctx, id)
	if err != nil {
		return nil, models.DeliveryAgency{}, err
	}
	cfg, err := r.GetAgencyConfig(ctx, id)
	if err != nil {
		return nil, models.DeliveryAgency{}, err
	}
	return a, cfg, nil
}

// GetAllAgencies lists the static metadata of every registered adapter.
func (r *Registry) GetAllAgencies() []agency.Info {
	out := make([]agency.Info, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAgencies joins adapters with their configuration. Credentials are
// redacted unless privileged is set.
func (r *Registry) ListAgencies(ctx context.Context, privileged bool) ([]AgencyView, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	infos := r.GetAllAgencies()
	out := make([]AgencyView, 0, len(infos))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range infos {
		out = append(out, r.view(info, r.configs[info.ID], privileged))
	}
	return out, nil
}

func (r *Registry) GetAgencyView(ctx context.Context, id string, privileged bool) (AgencyView, error) {
	a, err := r.GetAgency(ctx, id)
	if err != nil {
		return AgencyView{}, err
	}
	cfg, err := r.GetAgencyConfig(ctx, id)
	if err != nil {
		return AgencyView{}, err
	}
	return r.view(a.Info(), cfg, privileged), nil
}

func (r *Registry) view(info agency.Info, cfg models.DeliveryAgency, privileged bool) AgencyView {
	v := AgencyView{Info: info, Configured: cfg.Configured()}
	if privileged {
		v.Config = cfg.Clone()
	} else {
		v.Config = cfg.Redacted()
	}
	return v
}

// UpdateAgencyConfig validates and persists patch, then swaps the in-memory
// snapshot. Readers see either the old or the new config, never a mix.
func (r *Registry) UpdateAgencyConfig(ctx context.Context, id string, patch models.AgencyConfigPatch, actorID string) (models.DeliveryAgency, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return models.DeliveryAgency{}, err
	}
	if _, ok := r.adapters[id]; !ok {
		return models.DeliveryAgency{}, errs.NotFound("agency", id)
	}
	if err := r.validate.Struct(patch); err != nil {
		return models.DeliveryAgency{}, errs.Validation("agency %s: %s", id, err.Error())
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	cur := r.configs[id].Clone()
	r.mu.RUnlock()

	if patch.Credentials != nil {
		if err := patch.Credentials.Validate(cur.CredentialsType); err != nil {
			return models.DeliveryAgency{}, errs.Validation("agency %s: %s", id, err.Error())
		}
	}
	next := patch.Apply(cur)
	if next.Enabled && !next.Configured() {
		return models.DeliveryAgency{}, errs.Validation("agency %s cannot be enabled without %s credentials", id, next.CredentialsType)
	}
	next.UpdatedAt = time.Now().UTC()

	if err := r.store.UpsertAgency(ctx, next); err != nil {
		return models.DeliveryAgency{}, errs.Persistence("save agency config", err)
	}
	r.mu.Lock()
	r.configs[id] = next.Clone()
	r.mu.Unlock()

	if err := r.store.AddActivity(ctx, models.Activity{
		Type:        models.ActivityAgencyUpdated,
		Description: "Delivery agency " + next.Name + " configuration updated",
		ActorID:     actorID,
		Metadata:    map[string]any{"agency_id": id, "enabled": next.Enabled},
	}); err != nil {
		slog.Warn("agency update activity not recorded", "agency", id, "error", err.Error())
	}
	slog.Info("agency config updated", "agency", id, "enabled", next.Enabled, "actor", actorID)
	return next.Redacted(), nil
}

// TestConnection checks creds against the carrier, falling back to the
// stored credentials when creds is nil.
func (r *Registry) TestConnection(ctx context.Context, id string, creds *models.Credentials) error {
	a, cfg, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if creds != nil {
		cfg.Credentials = *creds
	}
	if err := cfg.Credentials.Validate(cfg.CredentialsType); err != nil {
		return errs.Validation("agency %s: %s", id, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, r.testTimeout)
	defer cancel()
	if err := a.TestConnection(ctx, cfg); err != nil {
		slog.Warn("agency connection test failed", "agency", id, "error", err.Error())
		return errs.AsRemote(id, err)
	}
	return nil
}
