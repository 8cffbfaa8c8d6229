package deliveries_api

import (
	"context"
	"net/http"

	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
)

// runSync runs a manual pass to completion even if the caller goes away.
func (a *DeliveriesAPI) runSync(w http.ResponseWriter, r *http.Request) {
	res, err := a.sync.SyncAllShipments(context.WithoutCancel(r.Context()), syncer.TriggerManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

func (a *DeliveriesAPI) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, a.sync.GetStatus(r.Context()))
}
