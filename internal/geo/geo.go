package geo

import (
	"fmt"
	"math"

	"github.com/example/ride-pooling/internal/models"
)

const earthRadiusKm = 6371.0

// kmPerDegreeLat is the length of one degree of latitude used for the
// coarse bounding box.
const kmPerDegreeLat = 111.32

// DistanceKm is the great-circle distance between a and b, rounded to 2
// decimal places.
func DistanceKm(a, b models.Coordinate) float64 {
	return Round2(haversineKm(a.Lat, a.Lon, b.Lat, b.Lon))
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// BearingDegrees is the initial compass bearing from a to b in [0, 360).
func BearingDegrees(a, b models.Coordinate) float64 {
	dLon := toRad(b.Lon - a.Lon)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	bearing := math.Mod(toDeg(math.Atan2(y, x))+360, 360)
	if bearing >= 360 {
		bearing = 0
	}
	return bearing
}

// DestinationPoint projects distanceKm from origin along bearingDeg.
func DestinationPoint(origin models.Coordinate, distanceKm, bearingDeg float64) models.Coordinate {
	brng := toRad(bearingDeg)
	lat1 := toRad(origin.Lat)
	ang := distanceKm / earthRadiusKm

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brng))
	lon2 := toRad(origin.Lon) + math.Atan2(
		math.Sin(brng)*math.Sin(ang)*math.Cos(lat1),
		math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2),
	)
	return models.Coordinate{Lon: normalizeLon(toDeg(lon2)), Lat: toDeg(lat2)}
}

// Bounds is an axis-aligned lon/lat box.
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
}

func (b Bounds) Contains(c models.Coordinate) bool {
	return c.Lon >= b.MinLon && c.Lon <= b.MaxLon && c.Lat >= b.MinLat && c.Lat <= b.MaxLat
}

// BoundingBox approximates a circle of radiusKm around center. The box is
// clamped to the valid coordinate range and does not wrap the antimeridian.
func BoundingBox(center models.Coordinate, radiusKm float64) Bounds {
	latDelta := radiusKm / kmPerDegreeLat
	lonDelta := 180.0
	if cos := math.Cos(toRad(center.Lat)); cos > 1e-9 {
		lonDelta = math.Min(180, radiusKm/(kmPerDegreeLat*cos))
	}
	return Bounds{
		MinLon: math.Max(-180, center.Lon-lonDelta),
		MaxLon: math.Min(180, center.Lon+lonDelta),
		MinLat: math.Max(-90, center.Lat-latDelta),
		MaxLat: math.Min(90, center.Lat+latDelta),
	}
}

// IsValidCoordinate is a range check only.
func IsValidCoordinate(c models.Coordinate) bool {
	if math.IsNaN(c.Lon) || math.IsNaN(c.Lat) {
		return false
	}
	return c.Lon >= -180 && c.Lon <= 180 && c.Lat >= -90 && c.Lat <= 90
}

// Validate returns ErrInvalidCoordinate for every out-of-range point.
func Validate(points ...models.Coordinate) error {
	for _, c := range points {
		if !IsValidCoordinate(c) {
			return fmt.Errorf("lon=%v lat=%v: %w", c.Lon, c.Lat, models.ErrInvalidCoordinate)
		}
	}
	return nil
}

// RouteDistance sums DistanceKm along the ordered points.
func RouteDistance(points []models.Coordinate) float64 {
	if len(points) < 2 {
		return 0
	}
	var total float64
	for i := 0; i < len(points)-1; i++ {
		total += DistanceKm(points[i], points[i+1])
	}
	return Round2(total)
}

// CenterPoint is the arithmetic mean of the points, (0,0) for none.
func CenterPoint(points []models.Coordinate) models.Coordinate {
	if len(points) == 0 {
		return models.Coordinate{}
	}
	var c models.Coordinate
	for _, p := range points {
		c.Lon += p.Lon
		c.Lat += p.Lat
	}
	n := float64(len(points))
	return models.Coordinate{Lon: c.Lon / n, Lat: c.Lat / n}
}

// Round2 rounds half away from zero to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

func normalizeLon(lon float64) float64 {
	return math.Mod(lon+540, 360) - 180
}
