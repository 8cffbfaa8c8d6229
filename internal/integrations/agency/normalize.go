package agency

import (
	"strings"

	"github.com/CheherK/COD-CRM-sub001/internal/models"
)

// StatusMap maps carrier-native status labels onto canonical statuses.
// Lookup is case-insensitive and ignores surrounding spaces, dashes and
// underscores differences.
type StatusMap map[string]models.ShipmentStatus

func (m StatusMap) Normalize(raw string) (models.ShipmentStatus, bool) {
	st, ok := m[normKey(raw)]
	return st, ok
}

// NewStatusMap builds a StatusMap, normalizing keys.
func NewStatusMap(pairs map[string]models.ShipmentStatus) StatusMap {
	out := make(StatusMap, len(pairs))
	for k, v := range pairs {
		out[normKey(k)] = v
	}
	return out
}

func normKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
