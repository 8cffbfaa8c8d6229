package deliveries_api

import (
	"net/http"
	"strconv"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/services/deliveries"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type bulkStatusRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Status string      `json:"status"`
}

type historyResponse struct {
	Shipment *models.DeliveryShipment `json:"shipment"`
	History  []*models.StatusLogEntry `json:"history"`
}

func (a *DeliveriesAPI) listShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.ShipmentFilter{
		OrderID:  q.Get("order_id"),
		AgencyID: q.Get("agency_id"),
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := models.ParseShipmentStatus(raw)
		if !ok {
			writeError(w, errs.Validation("unknown shipment status %q", raw))
			return
		}
		f.Status = st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errs.Validation("limit %q is not a non-negative integer", raw))
			return
		}
		f.Limit = n
	}

	out, err := a.shipments.ListShipments(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, out)
}

func (a *DeliveriesAPI) createShipment(w http.ResponseWriter, r *http.Request) {
	var in deliveries.CreateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.ActorID = actorFrom(r.Context()).ID

	sh, err := a.shipments.CreateShipment(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, sh)
}

func (a *DeliveriesAPI) getShipment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	sh, err := a.shipments.GetShipment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sh)
}

func (a *DeliveriesAPI) getHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	sh, err := a.shipments.GetShipment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := a.shipments.GetStatusHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, historyResponse{Shipment: sh, History: logs})
}

func (a *DeliveriesAPI) retryShipment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	sh, err := a.shipments.RetryShipment(r.Context(), id, actorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sh)
}

func (a *DeliveriesAPI) deleteShipment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := a.shipments.DeleteShipment(r.Context(), id, force, actorFrom(r.Context()).ID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"id": id, "hard": force})
}

func (a *DeliveriesAPI) bulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.shipments.BulkUpdateShipmentStatus(r.Context(), req.IDs, req.Status, actorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

func (a *DeliveriesAPI) trackShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := a.shipments.TrackShipmentByTrackingNumber(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sh)
}
