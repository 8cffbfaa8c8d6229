package bestdelivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/pkg/errors"
)

const ID = "bestdelivery"

// Native vocabulary (French labels as returned by the carrier) mapped onto
// canonical statuses.
var statuses = agency.NewStatusMap(map[string]models.ShipmentStatus{
	"en attente":       models.ShipmentStatusUploaded,
	"au dépôt":         models.ShipmentStatusDeposit,
	"au depot":         models.ShipmentStatusDeposit,
	"en cours":         models.ShipmentStatusInTransit,
	"livré":            models.ShipmentStatusDelivered,
	"livre":            models.ShipmentStatusDelivered,
	"retour reçu":      models.ShipmentStatusReturned,
	"retour definitif": models.ShipmentStatusReturned,
	"retour définitif": models.ShipmentStatusReturned,
	"annulé":           models.ShipmentStatusFailed,
	"rejeté":           models.ShipmentStatusFailed,
})

// Client talks to the Best Delivery parcel API. Credentials travel in every
// request body; there is no session.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9101"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Info() agency.Info {
	return agency.Info{
		ID:               ID,
		Name:             "Best Delivery",
		CredentialsType:  models.CredentialsUsernamePassword,
		SupportedRegions: []string{"Tunis", "Ariana", "Ben Arous", "Manouba", "Nabeul", "Sousse", "Sfax", "Monastir", "Bizerte"},
	}
}

type login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type parcelReq struct {
	Reference      string `json:"reference"`
	TrackingNumber string `json:"code,omitempty"`
	Name           string `json:"nom"`
	Phone          string `json:"tel"`
	Address        string `json:"adresse"`
	City           string `json:"ville"`
	Governorate    string `json:"gouvernerat"`
	Designation    string `json:"designation"`
	Items          int    `json:"nb_article"`
	CODAmount      string `json:"prix"`
	Comment        string `json:"msg,omitempty"`
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type createResp struct {
	envelope
	Parcel struct {
		Code     string `json:"code"`
		Barcode  string `json:"barcode"`
		LabelURL string `json:"label_url"`
	} `json:"parcel"`
}

type statusResp struct {
	envelope
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

func (c *Client) CreateShipment(ctx context.Context, cfg models.DeliveryAgency, req agency.CreateRequest) (agency.CreateResult, error) {
	body := map[string]any{
		"login": c.login(cfg),
		"parcel": parcelReq{
			Reference:      req.OrderID,
			TrackingNumber: req.TrackingNumber,
			Name:           req.CustomerName,
			Phone:          req.CustomerPhone,
			Address:        req.Address,
			City:           req.City,
			Governorate:    req.Region,
			Designation:    req.ItemsSummary,
			Items:          req.ItemCount,
			CODAmount:      req.Price.StringFixed(3),
			Comment:        req.Notes,
		},
	}
	var resp createResp
	if err := c.post(ctx, cfg, "/api/v1/parcels", body, &resp); err != nil {
		return agency.CreateResult{}, err
	}
	if !resp.OK {
		return agency.CreateResult{}, errs.Remote(ID, rejection(resp.Error), nil)
	}
	if resp.Parcel.Code == "" {
		return agency.CreateResult{}, errs.Remote(ID, "response carries no parcel code", nil)
	}
	return agency.CreateResult{
		TrackingNumber: resp.Parcel.Code,
		Barcode:        resp.Parcel.Barcode,
		PrintURL:       resp.Parcel.LabelURL,
	}, nil
}

func (c *Client) FetchStatus(ctx context.Context, cfg models.DeliveryAgency, trackingNumber string) (agency.StatusResult, error) {
	body := map[string]any{
		"login": c.login(cfg),
		"code":  trackingNumber,
	}
	var resp statusResp
	if err := c.post(ctx, cfg, "/api/v1/parcels/status", body, &resp); err != nil {
		return agency.StatusResult{}, err
	}
	if !resp.OK {
		return agency.StatusResult{}, errs.Remote(ID, rejection(resp.Error), nil)
	}
	st, ok := c.NormalizeStatus(resp.Status)
	if !ok {
		return agency.StatusResult{}, errs.Remote(ID, fmt.Sprintf("unmapped carrier status %q", resp.Status), nil)
	}
	res := agency.StatusResult{Status: st, StatusRaw: resp.Status}
	// Carrier example: "2025-01-01 10:00:00", local Tunis time.
	if resp.UpdatedAt != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", resp.UpdatedAt, tunis); err == nil {
			t = t.UTC()
			res.StatusAt = &t
		}
	}
	return res, nil
}

func (c *Client) TestConnection(ctx context.Context, cfg models.DeliveryAgency) error {
	var resp envelope
	if err := c.post(ctx, cfg, "/api/v1/auth/check", map[string]any{"login": c.login(cfg)}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errs.Remote(ID, rejection(resp.Error), nil)
	}
	return nil
}

func (c *Client) NormalizeStatus(raw string) (models.ShipmentStatus, bool) {
	return statuses.Normalize(raw)
}

func (c *Client) login(cfg models.DeliveryAgency) login {
	return login{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
}

func (c *Client) post(ctx context.Context, cfg models.DeliveryAgency, path string, body, out any) error {
	base := c.baseURL
	if v := cfg.Settings["base_url"]; v != "" {
		base = v
	}
	u, err := url.Parse(base)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = path

	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errs.AsRemote(ID, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Remote(ID, "credentials rejected", fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.Remote(ID, "rate limited", fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusUnprocessableEntity:
		return errs.Remote(ID, "unexpected response", fmt.Errorf("http %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Remote(ID, "malformed response", errors.Wrap(err, "decode"))
	}
	return nil
}

func rejection(reason string) string {
	if reason == "" {
		return "rejected by carrier"
	}
	return reason
}

var tunis = func() *time.Location {
	loc, err := time.LoadLocation("Africa/Tunis")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}()
