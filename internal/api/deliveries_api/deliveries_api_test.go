package deliveries_api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/agencytest"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/services/deliveries"
	"github.com/CheherK/COD-CRM-sub001/internal/services/registry"
	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
	"github.com/CheherK/COD-CRM-sub001/internal/storage/memdelivery"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type response struct {
	Success bool            `json:"success"`
	Reason  string          `json:"reason"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

type APISuite struct {
	suite.Suite

	ctx   context.Context
	store *memdelivery.Store
	alpha *agencytest.Adapter
	srv   *httptest.Server
}

func (s *APISuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memdelivery.New()
	s.alpha = agencytest.New("alpha")
	s.Require().NoError(s.store.UpsertAgency(s.ctx, s.alpha.Config()))

	reg := registry.New(s.store, s.alpha)
	svc := deliveries.New(s.store, reg, deliveries.Options{RemoteTimeout: 200 * time.Millisecond})
	sy := syncer.New(s.store, reg, svc)
	s.srv = httptest.NewServer(New(svc, reg, sy).Routes())

	s.Require().NoError(s.store.UpsertOrder(s.ctx, models.Order{
		ID:            "O1",
		Status:        models.OrderStatusConfirmed,
		CustomerName:  "Nour",
		CustomerPhone: "55111222",
		Address:       "7 Rue Ibn Khaldoun",
		City:          "Sousse",
		Region:        "Sousse",
		Items:         []models.OrderItem{{ProductName: "Mixer", Quantity: 1, UnitPrice: decimal.NewFromInt(89)}},
		Total:         decimal.NewFromInt(89),
	}))
}

func (s *APISuite) TearDownTest() {
	s.srv.Close()
}

func (s *APISuite) do(method, path, role string, body any) (int, response) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(s.ctx, method, s.srv.URL+path, rd)
	s.Require().NoError(err)
	if role != "" {
		req.Header.Set(HeaderActorID, "u-"+role)
		req.Header.Set(HeaderActorRole, role)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out response
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *APISuite) decode(r response, v any) {
	s.Require().NoError(json.Unmarshal(r.Data, v))
}

func (s *APISuite) createShipment() models.DeliveryShipment {
	code, res := s.do(http.MethodPost, "/v1/shipments", "agent", map[string]string{"order_id": "O1", "agency_id": "alpha"})
	s.Require().Equal(http.StatusCreated, code, res.Reason)
	s.Require().True(res.Success)
	var sh models.DeliveryShipment
	s.decode(res, &sh)
	return sh
}

func (s *APISuite) TestCreateAndRead() {
	sh := s.createShipment()
	s.Require().Equal(models.ShipmentStatusUploaded, sh.Status)
	s.Require().NotEmpty(sh.TrackingNumber)

	code, res := s.do(http.MethodGet, "/v1/shipments/"+sh.ID.String(), "", nil)
	s.Require().Equal(http.StatusOK, code)
	var got models.DeliveryShipment
	s.decode(res, &got)
	s.Require().Equal(sh.TrackingNumber, got.TrackingNumber)

	code, res = s.do(http.MethodGet, "/v1/shipments/"+sh.ID.String()+"/history", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var hist historyResponse
	s.decode(res, &hist)
	s.Require().Len(hist.History, 1)

	code, res = s.do(http.MethodGet, "/v1/shipments?order_id=O1", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var list []models.DeliveryShipment
	s.decode(res, &list)
	s.Require().Len(list, 1)
}

func (s *APISuite) TestCreateErrors() {
	code, res := s.do(http.MethodPost, "/v1/shipments", "", map[string]string{"order_id": "O1", "agency_id": "alpha"})
	s.Require().Equal(http.StatusUnauthorized, code)
	s.Require().False(res.Success)

	code, res = s.do(http.MethodPost, "/v1/shipments", "agent", map[string]string{"order_id": "missing", "agency_id": "alpha"})
	s.Require().Equal(http.StatusNotFound, code)
	s.Require().Equal("not_found", res.Kind)

	code, _ = s.do(http.MethodPost, "/v1/shipments", "agent", map[string]string{"order_id": "O1"})
	s.Require().Equal(http.StatusBadRequest, code)

	s.alpha.FailCreate(errors.New("carrier down"))
	code, res = s.do(http.MethodPost, "/v1/shipments", "agent", map[string]string{"order_id": "O1", "agency_id": "alpha"})
	s.Require().Equal(http.StatusBadGateway, code)
	s.Require().Contains(res.Reason, "carrier down")

	s.alpha.FailCreate(nil)
	s.createShipment()
	code, res = s.do(http.MethodPost, "/v1/shipments", "agent", map[string]string{"order_id": "O1", "agency_id": "alpha"})
	s.Require().Equal(http.StatusConflict, code)
	s.Require().Equal("invalid_state", res.Kind)
}

func (s *APISuite) TestBadParameters() {
	code, _ := s.do(http.MethodGet, "/v1/shipments/not-a-uuid", "", nil)
	s.Require().Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/v1/shipments?status=LOST", "", nil)
	s.Require().Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/v1/shipments?limit=-3", "", nil)
	s.Require().Equal(http.StatusBadRequest, code)
}

func (s *APISuite) TestTrackBulkDelete() {
	sh := s.createShipment()
	s.alpha.SetStatus(sh.TrackingNumber, models.ShipmentStatusInTransit)

	code, res := s.do(http.MethodGet, "/v1/shipments/track/"+sh.TrackingNumber, "", nil)
	s.Require().Equal(http.StatusOK, code)
	var tracked models.DeliveryShipment
	s.decode(res, &tracked)
	s.Require().Equal(models.ShipmentStatusInTransit, tracked.Status)

	code, _ = s.do(http.MethodDelete, "/v1/shipments/"+sh.ID.String(), "agent", nil)
	s.Require().Equal(http.StatusConflict, code)

	code, res = s.do(http.MethodPost, "/v1/shipments/bulk-status", "agent", map[string]any{
		"ids": []string{sh.ID.String()}, "status": "DELIVERED",
	})
	s.Require().Equal(http.StatusOK, code)
	var bulk deliveries.BulkResult
	s.decode(res, &bulk)
	s.Require().Equal(1, bulk.Updated)

	code, _ = s.do(http.MethodPost, "/v1/shipments/"+sh.ID.String()+"/retry", "agent", nil)
	s.Require().Equal(http.StatusConflict, code)

	code, _ = s.do(http.MethodDelete, "/v1/shipments/"+sh.ID.String(), "agent", nil)
	s.Require().Equal(http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/v1/shipments/"+sh.ID.String(), "", nil)
	s.Require().Equal(http.StatusNotFound, code)
}

func (s *APISuite) TestAgencies() {
	code, res := s.do(http.MethodGet, "/v1/agencies", "agent", nil)
	s.Require().Equal(http.StatusOK, code)
	var views []registry.AgencyView
	s.decode(res, &views)
	s.Require().Len(views, 1)
	s.Require().Equal("********", views[0].Config.Credentials.APIKey)

	code, res = s.do(http.MethodGet, "/v1/agencies/alpha", "admin", nil)
	s.Require().Equal(http.StatusOK, code)
	var view registry.AgencyView
	s.decode(res, &view)
	s.Require().Equal("key-alpha", view.Config.Credentials.APIKey)

	body := map[string]any{"enabled": false, "polling_interval_seconds": 300}
	code, _ = s.do(http.MethodPut, "/v1/agencies/alpha", "agent", body)
	s.Require().Equal(http.StatusForbidden, code)

	code, res = s.do(http.MethodPut, "/v1/agencies/alpha", "admin", body)
	s.Require().Equal(http.StatusOK, code, res.Reason)
	var cfg models.DeliveryAgency
	s.decode(res, &cfg)
	s.Require().False(cfg.Enabled)
	s.Require().Equal(5*time.Minute, cfg.PollingInterval)
	s.Require().Equal("********", cfg.Credentials.APIKey)

	code, _ = s.do(http.MethodPut, "/v1/agencies/alpha", "admin", map[string]any{"polling_interval_seconds": -1})
	s.Require().Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/v1/agencies/nope", "", nil)
	s.Require().Equal(http.StatusNotFound, code)

	code, res = s.do(http.MethodPost, "/v1/agencies/alpha/test", "admin", nil)
	s.Require().Equal(http.StatusOK, code, res.Reason)

	code, _ = s.do(http.MethodPost, "/v1/agencies/alpha/test", "admin", map[string]any{
		"credentials": map[string]string{"email": "x@y.tn"},
	})
	s.Require().Equal(http.StatusBadRequest, code)
}

func (s *APISuite) TestSync() {
	sh := s.createShipment()
	s.alpha.SetStatus(sh.TrackingNumber, models.ShipmentStatusPickedUp)

	code, _ := s.do(http.MethodPost, "/v1/sync", "", nil)
	s.Require().Equal(http.StatusUnauthorized, code)

	code, res := s.do(http.MethodPost, "/v1/sync", "agent", nil)
	s.Require().Equal(http.StatusOK, code)
	var out syncer.Result
	s.decode(res, &out)
	s.Require().Equal(1, out.Processed)
	s.Require().Equal(1, out.Updated)

	code, res = s.do(http.MethodGet, "/v1/sync/status", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var st syncer.Status
	s.decode(res, &st)
	s.Require().False(st.Running)
	s.Require().NotNil(st.LastResult)
	s.Require().Equal(syncer.TriggerManual, st.LastResult.Trigger)
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}
