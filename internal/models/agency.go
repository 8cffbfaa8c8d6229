package models

import (
	"fmt"
	"strings"
	"time"
)

type CredentialsType string

const (
	CredentialsUsernamePassword CredentialsType = "username_password"
	CredentialsEmailPassword    CredentialsType = "email_password"
	CredentialsAPIKey           CredentialsType = "api_key"
)

const redactedSecret = "********"

// Credentials is a tagged union keyed by CredentialsType: exactly one shape
// is populated.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.Username == "" && c.Email == "" && c.Password == "" && c.APIKey == ""
}

func (c Credentials) Validate(t CredentialsType) error {
	switch t {
	case CredentialsUsernamePassword:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("username and password are required for %s", t)
		}
		if c.Email != "" || c.APIKey != "" {
			return fmt.Errorf("only username and password may be set for %s", t)
		}
	case CredentialsEmailPassword:
		if c.Email == "" || c.Password == "" {
			return fmt.Errorf("email and password are required for %s", t)
		}
		if !strings.Contains(c.Email, "@") {
			return fmt.Errorf("email %q is malformed", c.Email)
		}
		if c.Username != "" || c.APIKey != "" {
			return fmt.Errorf("only email and password may be set for %s", t)
		}
	case CredentialsAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("api key is required for %s", t)
		}
		if c.Username != "" || c.Email != "" || c.Password != "" {
			return fmt.Errorf("only api key may be set for %s", t)
		}
	default:
		return fmt.Errorf("unknown credentials type %q", t)
	}
	return nil
}

// Redacted masks every populated field, logins included. Empty fields stay
// empty so callers can still tell which shape is configured.
func (c Credentials) Redacted() Credentials {
	return Credentials{
		Username: mask(c.Username),
		Email:    mask(c.Email),
		Password: mask(c.Password),
		APIKey:   mask(c.APIKey),
	}
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return redactedSecret
}

// DeliveryAgency is the persisted per-carrier configuration.
type DeliveryAgency struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Enabled          bool              `json:"enabled"`
	CredentialsType  CredentialsType   `json:"credentials_type"`
	Credentials      Credentials       `json:"credentials"`
	Settings         map[string]string `json:"settings,omitempty"`
	WebhookURL       string            `json:"webhook_url,omitempty"`
	PollingInterval  time.Duration     `json:"polling_interval"`
	SupportedRegions []string          `json:"supported_regions,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (a DeliveryAgency) Clone() DeliveryAgency {
	out := a
	if a.Settings != nil {
		out.Settings = make(map[string]string, len(a.Settings))
		for k, v := range a.Settings {
			out.Settings[k] = v
		}
	}
	if a.SupportedRegions != nil {
		out.SupportedRegions = append([]string(nil), a.SupportedRegions...)
	}
	return out
}

func (a DeliveryAgency) Redacted() DeliveryAgency {
	out := a.Clone()
	out.Credentials = a.Credentials.Redacted()
	return out
}

// Configured reports whether stored credentials are complete for the
// agency's credentials type.
func (a DeliveryAgency) Configured() bool {
	return a.Credentials.Validate(a.CredentialsType) == nil
}

// ServesRegion is true when the agency has no region restriction or lists
// region (case-insensitive).
func (a DeliveryAgency) ServesRegion(region string) bool {
	if len(a.SupportedRegions) == 0 {
		return true
	}
	for _, r := range a.SupportedRegions {
		if strings.EqualFold(r, strings.TrimSpace(region)) {
			return true
		}
	}
	return false
}

// AgencyConfigPatch is a partial update; nil fields are left unchanged.
type AgencyConfigPatch struct {
	Name             *string           `json:"name,omitempty"`
	Enabled          *bool             `json:"enabled,omitempty"`
	Credentials      *Credentials      `json:"credentials,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
	WebhookURL       *string           `json:"webhook_url,omitempty" validate:"omitempty,url"`
	PollingInterval  *time.Duration    `json:"polling_interval,omitempty" validate:"omitempty,gte=0"`
	SupportedRegions []string          `json:"supported_regions,omitempty"`
}

func (p AgencyConfigPatch) Apply(a DeliveryAgency) DeliveryAgency {
	out := a.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Credentials != nil {
		out.Credentials = *p.Credentials
	}
	if p.Settings != nil {
		out.Settings = make(map[string]string, len(p.Settings))
		for k, v := range p.Settings {
			out.Settings[k] = v
		}
	}
	if p.WebhookURL != nil {
		out.WebhookURL = *p.WebhookURL
	}
	if p.PollingInterval != nil {
		out.PollingInterval = *p.PollingInterval
	}
	if p.SupportedRegions != nil {
		out.SupportedRegions = append([]string(nil), p.SupportedRegions...)
	}
	return out
}
