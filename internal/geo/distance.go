package geo

import (
	"math"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const earthRadiusKM = 6371.0

// Distance returns the haversine great-circle distance in kilometers. The
// second result is false when either coordinate is missing.
func Distance(a, b *clinical.Coordinate) (float64, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h))), true
}

// Nearest picks the closest candidate that has both coordinates. On an exact
// tie the earlier candidate wins.
func Nearest(origin *clinical.Coordinate, candidates []clinical.Location) (*clinical.Location, *float64) {
	if origin == nil {
		return nil, nil
	}
	bestIdx := -1
	bestDist := 0.0
	for i := range candidates {
		d, ok := Distance(origin, candidates[i].Coordinate())
		if !ok {
			continue
		}
		if bestIdx < 0 || d < bestDist {
			bestIdx, bestDist = i, d
		}
	}
	if bestIdx < 0 {
		return nil, nil
	}
	loc := candidates[bestIdx]
	return &loc, &bestDist
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
