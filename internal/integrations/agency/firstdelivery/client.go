package firstdelivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/pkg/errors"
)

const ID = "firstdelivery"

var statuses = agency.NewStatusMap(map[string]models.ShipmentStatus{
	"PENDING":            models.ShipmentStatusUploaded,
	"CREATED":            models.ShipmentStatusUploaded,
	"PICKED_UP":          models.ShipmentStatusPickedUp,
	"IN_TRANSIT":         models.ShipmentStatusInTransit,
	"OUT_FOR_DELIVERY":   models.ShipmentStatusOutForDelivery,
	"DELIVERED":          models.ShipmentStatusDelivered,
	"RETURNED":           models.ShipmentStatusReturned,
	"RETURNED_TO_SENDER": models.ShipmentStatusReturned,
	"CANCELED":           models.ShipmentStatusFailed,
	"REJECTED":           models.ShipmentStatusFailed,
})

var errTokenRejected = errors.New("token rejected")

type token struct {
	value     string
	expiresAt time.Time
}

// Client talks to the First Delivery v2 API: email/password login issues a
// bearer token that is cached per account until shortly before expiry.
type Client struct {
	baseURL string
	httpc   *http.Client
	now     func() time.Time

	mu     sync.Mutex
	tokens map[string]token
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9102"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:    time.Now,
		tokens: make(map[string]token),
	}
}

func (c *Client) Info() agency.Info {
	return agency.Info{
		ID:              ID,
		Name:            "First Delivery",
		CredentialsType: models.CredentialsEmailPassword,
	}
}

type orderReq struct {
	Reference      string `json:"reference"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Client         struct {
		Name    string `json:"name"`
		Phone   string `json:"phone"`
		Address string `json:"address"`
		City    string `json:"city"`
		State   string `json:"state"`
	} `json:"client"`
	Product struct {
		Description string `json:"description"`
		Quantity    int    `json:"quantity"`
		Price       string `json:"price"`
	} `json:"product"`
	Note string `json:"note,omitempty"`
}

type createResp struct {
	Data struct {
		TrackingNumber string `json:"tracking_number"`
		Barcode        string `json:"barcode"`
		Label          string `json:"label"`
	} `json:"data"`
	Message string `json:"message"`
}

type statusResp struct {
	Data struct {
		State     string    `json:"state"`
		UpdatedAt time.Time `json:"updated_at"`
		Location  string    `json:"location"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Client) CreateShipment(ctx context.Context, cfg models.DeliveryAgency, req agency.CreateRequest) (agency.CreateResult, error) {
	var body orderReq
	body.Reference = req.OrderID
	body.TrackingNumber = req.TrackingNumber
	body.Client.Name = req.CustomerName
	body.Client.Phone = req.CustomerPhone
	body.Client.Address = req.Address
	body.Client.City = req.City
	body.Client.State = req.Region
	body.Product.Description = req.ItemsSummary
	body.Product.Quantity = req.ItemCount
	body.Product.Price = req.Price.StringFixed(3)
	body.Note = req.Notes

	var resp createResp
	if err := c.authorized(ctx, cfg, http.MethodPost, "/v2/orders", body, &resp); err != nil {
		return agency.CreateResult{}, err
	}
	if resp.Data.TrackingNumber == "" {
		return agency.CreateResult{}, errs.Remote(ID, "response carries no tracking number", nil)
	}
	return agency.CreateResult{
		TrackingNumber: resp.Data.TrackingNumber,
		Barcode:        resp.Data.Barcode,
		PrintURL:       resp.Data.Label,
	}, nil
}

func (c *Client) FetchStatus(ctx context.Context, cfg models.DeliveryAgency, trackingNumber string) (agency.StatusResult, error) {
	var resp statusResp
	path := fmt.Sprintf("/v2/orders/%s/status", url.PathEscape(trackingNumber))
	if err := c.authorized(ctx, cfg, http.MethodGet, path, nil, &resp); err != nil {
		return agency.StatusResult{}, err
	}
	st, ok := c.NormalizeStatus(resp.Data.State)
	if !ok {
		return agency.StatusResult{}, errs.Remote(ID, fmt.Sprintf("unmapped carrier status %q", resp.Data.State), nil)
	}
	res := agency.StatusResult{Status: st, StatusRaw: resp.Data.State}
	if !resp.Data.UpdatedAt.IsZero() {
		t := resp.Data.UpdatedAt.UTC()
		res.StatusAt = &t
	}
	if resp.Data.Location != "" {
		res.Metadata = map[string]any{"location": resp.Data.Location}
	}
	return res, nil
}

func (c *Client) TestConnection(ctx context.Context, cfg models.DeliveryAgency) error {
	c.forget(cfg)
	_, err := c.token(ctx, cfg)
	return err
}

func (c *Client) NormalizeStatus(raw string) (models.ShipmentStatus, bool) {
	return statuses.Normalize(raw)
}

// authorized performs one call with a cached token, logging in again once if
// the carrier rejects it.
func (c *Client) authorized(ctx context.Context, cfg models.DeliveryAgency, method, path string, body, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.token(ctx, cfg)
		if err != nil {
			return err
		}
		err = c.do(ctx, cfg, method, path, tok, body, out)
		if errors.Is(err, errTokenRejected) {
			c.forget(cfg)
			continue
		}
		return err
	}
	return errs.Remote(ID, "credentials rejected", errTokenRejected)
}

func (c *Client) token(ctx context.Context, cfg models.DeliveryAgency) (string, error) {
	key := cfg.Credentials.Email
	c.mu.Lock()
	t, ok := c.tokens[key]
	c.mu.Unlock()
	if ok && c.now().Before(t.expiresAt) {
		return t.value, nil
	}

	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
		Message   string `json:"message"`
	}
	body := map[string]string{"email": cfg.Credentials.Email, "password": cfg.Credentials.Password}
	err := c.do(ctx, cfg, http.MethodPost, "/auth/login", "", body, &resp)
	if errors.Is(err, errTokenRejected) {
		return "", errs.Remote(ID, "credentials rejected", nil)
	}
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errs.Remote(ID, "login returned no token", nil)
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.mu.Lock()
	c.tokens[key] = token{value: resp.Token, expiresAt: c.now().Add(ttl - ttl/10)}
	c.mu.Unlock()
	return resp.Token, nil
}

func (c *Client) forget(cfg models.DeliveryAgency) {
	c.mu.Lock()
	delete(c.tokens, cfg.Credentials.Email)
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, cfg models.DeliveryAgency, method, path, tok string, body, out any) error {
	base := c.baseURL
	if v := cfg.Settings["base_url"]; v != "" {
		base = v
	}
	u, err := url.Parse(base)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = path

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errs.AsRemote(ID, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errTokenRejected
	}
	if resp.StatusCode/100 != 2 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		reason := msg.Message
		if reason == "" {
			reason = "unexpected response"
		}
		return errs.Remote(ID, reason, fmt.Errorf("http %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Remote(ID, "malformed response", errors.Wrap(err, "decode"))
	}
	return nil
}
