package lifecycle

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/weelo/dispatch-core/internal/domain"
)

// roundCoord collapses lat/lng to ~111m resolution (3 decimal places) so
// that two requests for practically the same pickup/drop produce the same
// fingerprint even if the client's GPS jitters slightly between retries.
func roundCoord(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// fingerprint implements spec §4.5 step 1:
// hash(customer_id, truck type, truck subtype, rounded pickup, rounded drop).
func fingerprint(req domain.CreateRequest) string {
	raw := fmt.Sprintf("%s|%s|%s|%.3f,%.3f|%.3f,%.3f",
		req.CustomerID,
		req.VehicleType,
		req.VehicleSubtype,
		roundCoord(req.Pickup.Lat), roundCoord(req.Pickup.Lng),
		roundCoord(req.Drop.Lat), roundCoord(req.Drop.Lng),
	)
	return fmt.Sprintf("%x", xxhash.Sum64String(raw))
}
