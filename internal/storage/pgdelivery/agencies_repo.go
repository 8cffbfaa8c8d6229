package pgdelivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) ListAgencies(ctx context.Context) ([]models.DeliveryAgency, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, name, enabled, credentials_type, credentials, settings, webhook_url,
       polling_interval_ms, supported_regions, updated_at
FROM delivery_agencies
ORDER BY id
`)
	if err != nil {
		return nil, errs.Persistence("select agencies", err)
	}
	defer rows.Close()

	var out []models.DeliveryAgency
	for rows.Next() {
		var (
			a        models.DeliveryAgency
			credType string
			creds    []byte
			settings []byte
			pollMS   int64
		)
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Enabled, &credType, &creds, &settings, &a.WebhookURL,
			&pollMS, &a.SupportedRegions, &a.UpdatedAt,
		); err != nil {
			return nil, errs.Persistence("scan agency", err)
		}
		a.CredentialsType = models.CredentialsType(credType)
		a.PollingInterval = time.Duration(pollMS) * time.Millisecond
		if err := json.Unmarshal(creds, &a.Credentials); err != nil {
			return nil, errors.Wrapf(err, "decode credentials of %s", a.ID)
		}
		if err := json.Unmarshal(settings, &a.Settings); err != nil {
			return nil, errors.Wrapf(err, "decode settings of %s", a.ID)
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, errs.Persistence("rows", rows.Err())
	}
	return out, nil
}

func (s *Storage) UpsertAgency(ctx context.Context, a models.DeliveryAgency) error {
	creds, err := json.Marshal(a.Credentials)
	if err != nil {
		return errors.Wrap(err, "marshal credentials")
	}
	settings := a.Settings
	if settings == nil {
		settings = map[string]string{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "marshal settings")
	}
	regions := a.SupportedRegions
	if regions == nil {
		regions = []string{}
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO delivery_agencies (
  id, name, enabled, credentials_type, credentials, settings, webhook_url,
  polling_interval_ms, supported_regions, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  enabled = EXCLUDED.enabled,
  credentials_type = EXCLUDED.credentials_type,
  credentials = EXCLUDED.credentials,
  settings = EXCLUDED.settings,
  webhook_url = EXCLUDED.webhook_url,
  polling_interval_ms = EXCLUDED.polling_interval_ms,
  supported_regions = EXCLUDED.supported_regions,
  updated_at = EXCLUDED.updated_at
`, a.ID, a.Name, a.Enabled, string(a.CredentialsType), creds, settingsJSON, a.WebhookURL,
		a.PollingInterval.Milliseconds(), regions, time.Now().UTC())
	return errs.Persistence("upsert agency", err)
}
