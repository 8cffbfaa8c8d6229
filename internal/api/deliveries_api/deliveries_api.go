// Package deliveries_api exposes shipments, agencies and sync passes over
// HTTP. Authentication happens upstream; the caller's identity arrives in
// the X-Actor-ID and X-Actor-Role headers.
package deliveries_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/services/deliveries"
	"github.com/CheherK/COD-CRM-sub001/internal/services/registry"
	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	RoleAdmin       = "admin"
)

type Shipments interface {
	CreateShipment(ctx context.Context, in deliveries.CreateInput) (*models.DeliveryShipment, error)
	RetryShipment(ctx context.Context, id uuid.UUID, actorID string) (*models.DeliveryShipment, error)
	ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.DeliveryShipment, error)
	GetShipment(ctx context.Context, id uuid.UUID) (*models.DeliveryShipment, error)
	GetStatusHistory(ctx context.Context, id uuid.UUID) ([]*models.StatusLogEntry, error)
	DeleteShipment(ctx context.Context, id uuid.UUID, force bool, actorID string) error
	BulkUpdateShipmentStatus(ctx context.Context, ids []uuid.UUID, target string, actorID string) (*deliveries.BulkResult, error)
	TrackShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.DeliveryShipment, error)
}

type Agencies interface {
	ListAgencies(ctx context.Context, privileged bool) ([]registry.AgencyView, error)
	GetAgencyView(ctx context.Context, id string, privileged bool) (registry.AgencyView, error)
	UpdateAgencyConfig(ctx context.Context, id string, patch models.AgencyConfigPatch, actorID string) (models.DeliveryAgency, error)
	TestConnection(ctx context.Context, id string, creds *models.Credentials) error
}

type Sync interface {
	SyncAllShipments(ctx context.Context, trigger syncer.Trigger) (*syncer.Result, error)
	GetStatus(ctx context.Context) syncer.Status
}

type DeliveriesAPI struct {
	shipments Shipments
	agencies  Agencies
	sync      Sync
}

func New(shipments Shipments, agencies Agencies, sync Sync) *DeliveriesAPI {
	return &DeliveriesAPI{shipments: shipments, agencies: agencies, sync: sync}
}

// Routes mounts every endpoint under /v1.
func (a *DeliveriesAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(actorMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/agencies", func(r chi.Router) {
			r.Get("/", a.listAgencies)
			r.Get("/{id}", a.getAgency)
			r.With(requireAdmin).Put("/{id}", a.updateAgency)
			r.With(requireAdmin).Post("/{id}/test", a.testAgency)
		})
		r.Route("/shipments", func(r chi.Router) {
			r.Get("/", a.listShipments)
			r.With(requireActor).Post("/", a.createShipment)
			r.With(requireActor).Post("/bulk-status", a.bulkStatus)
			r.Get("/track/{trackingNumber}", a.trackShipment)
			r.Get("/{id}", a.getShipment)
			r.Get("/{id}/history", a.getHistory)
			r.With(requireActor).Post("/{id}/retry", a.retryShipment)
			r.With(requireActor).Delete("/{id}", a.deleteShipment)
		})
		r.Route("/sync", func(r chi.Router) {
			r.With(requireActor).Post("/", a.runSync)
			r.Get("/status", a.syncStatus)
		})
	})
	return r
}

type actor struct {
	ID   string
	Role string
}

type actorKey struct{}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		act := actor{
			ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
			Role: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, act)))
	})
}

func actorFrom(ctx context.Context) actor {
	act, _ := ctx.Value(actorKey{}).(actor)
	return act
}

func (act actor) admin() bool { return act.Role == RoleAdmin }

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorFrom(r.Context()).ID == "" {
			writeJSON(w, http.StatusUnauthorized, envelope{Reason: "missing " + HeaderActorID + " header"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return requireActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).admin() {
			writeError(w, errs.Unauthorized("agency configuration requires the %s role", RoleAdmin))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

type envelope struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err.Error())
	}
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.Kind(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		slog.Error("request failed", "kind", kind, "error", err.Error())
	}
	writeJSON(w, status, envelope{Reason: err.Error(), Kind: kind})
}

func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "validation":
		return http.StatusBadRequest
	case "invalid_state":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusForbidden
	case "remote_failure":
		return http.StatusBadGateway
	case "persistence_failure":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("malformed request body: %s", err.Error())
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.Validation("%s %q is not a valid id", name, raw)
	}
	return id, nil
}
