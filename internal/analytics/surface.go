package analytics

import (
	"sort"

	"github.com/deltastream/deltastream/internal/models"
)

// SurfacePoints extracts the IV surface samples for one enriched chain.
// Both legs are inspected; where call and put disagree at a strike the call
// leg wins. Output is sorted by strike, one point per strike.
func SurfacePoints(chain *models.EnrichedChain) []models.IVSurfacePoint {
	points := make([]models.IVSurfacePoint, 0, len(chain.Strikes))
	for i, k := range chain.Strikes {
		iv := chain.Calls[i].IV
		if iv <= 0 {
			iv = chain.Puts[i].IV
		}
		if iv <= 0 {
			continue
		}
		points = append(points, models.IVSurfacePoint{
			Product: chain.Product,
			Expiry:  chain.Expiry,
			Strike:  k,
			IV:      iv,
		})
	}
	return points
}

// MergeSurface combines per-expiry point sets into a single product surface
// sorted by (expiry, strike).
func MergeSurface(sets ...[]models.IVSurfacePoint) []models.IVSurfacePoint {
	var merged []models.IVSurfacePoint
	for _, s := range sets {
		merged = append(merged, s...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Expiry != merged[j].Expiry {
			return merged[i].Expiry < merged[j].Expiry
		}
		return merged[i].Strike < merged[j].Strike
	})
	return merged
}
