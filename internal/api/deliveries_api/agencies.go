package deliveries_api

import (
	"net/http"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/go-chi/chi/v5"
)

type agencyUpdateRequest struct {
	Name                   *string             `json:"name"`
	Enabled                *bool               `json:"enabled"`
	Credentials            *models.Credentials `json:"credentials"`
	Settings               map[string]string   `json:"settings"`
	WebhookURL             *string             `json:"webhook_url"`
	PollingIntervalSeconds *int                `json:"polling_interval_seconds"`
	SupportedRegions       []string            `json:"supported_regions"`
}

func (req agencyUpdateRequest) patch() (models.AgencyConfigPatch, error) {
	p := models.AgencyConfigPatch{
		Name:             req.Name,
		Enabled:          req.Enabled,
		Credentials:      req.Credentials,
		Settings:         req.Settings,
		WebhookURL:       req.WebhookURL,
		SupportedRegions: req.SupportedRegions,
	}
	if req.PollingIntervalSeconds != nil {
		if *req.PollingIntervalSeconds < 0 {
			return p, errs.Validation("polling_interval_seconds must not be negative")
		}
		d := time.Duration(*req.PollingIntervalSeconds) * time.Second
		p.PollingInterval = &d
	}
	return p, nil
}

type agencyTestRequest struct {
	Credentials *models.Credentials `json:"credentials"`
}

func (a *DeliveriesAPI) listAgencies(w http.ResponseWriter, r *http.Request) {
	views, err := a.agencies.ListAgencies(r.Context(), actorFrom(r.Context()).admin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, views)
}

func (a *DeliveriesAPI) getAgency(w http.ResponseWriter, r *http.Request) {
	view, err := a.agencies.GetAgencyView(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).admin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, view)
}

func (a *DeliveriesAPI) updateAgency(w http.ResponseWriter, r *http.Request) {
	var req agencyUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := a.agencies.UpdateAgencyConfig(r.Context(), chi.URLParam(r, "id"), patch, actorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, cfg)
}

func (a *DeliveriesAPI) testAgency(w http.ResponseWriter, r *http.Request) {
	var req agencyTestRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := a.agencies.TestConnection(r.Context(), chi.URLParam(r, "id"), req.Credentials); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"connected": true})
}
