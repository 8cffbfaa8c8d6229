package deliveries

import (
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/agencytest"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
)

func agencyResult(st models.ShipmentStatus) agency.StatusResult {
	return agency.StatusResult{Status: st, StatusRaw: agencytest.Raw(st)}
}
