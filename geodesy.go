package magnav

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// EarthRadius is the spherical Earth radius in meters used by every conversion.
const EarthRadius = 6371000.0

// LatLon is a geographic position in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// NewLatLon returns a validated LatLon.
func NewLatLon(lat, lon float64) (LatLon, error) {
	if lat < -90 || lat > 90 || math.IsNaN(lat) {
		return LatLon{}, fmt.Errorf("%w: got %f", ErrInvalidLatitude, lat)
	}
	if lon < -180 || lon > 180 || math.IsNaN(lon) {
		return LatLon{}, fmt.Errorf("%w: got %f", ErrInvalidLongitude, lon)
	}
	return LatLon{lat, lon}, nil
}

// DistanceTo returns the haversine great-circle distance in meters.
func (p LatLon) DistanceTo(o LatLon) float64 {
	φ1, φ2 := deg2rad(p.Lat), deg2rad(o.Lat)
	Δφ := φ2 - φ1
	Δλ := deg2rad(o.Lon - p.Lon)
	a := math.Pow(math.Sin(Δφ/2), 2) + math.Cos(φ1)*math.Cos(φ2)*math.Pow(math.Sin(Δλ/2), 2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ECEF returns the Earth-centered Earth-fixed position on a spherical Earth.
func (p LatLon) ECEF() ECEF {
	φ, λ := deg2rad(p.Lat), deg2rad(p.Lon)
	return ECEF{
		X: EarthRadius * math.Cos(φ) * math.Cos(λ),
		Y: EarthRadius * math.Cos(φ) * math.Sin(λ),
		Z: EarthRadius * math.Sin(φ),
	}
}

// Point returns the orb representation, i.e. [lon, lat].
func (p LatLon) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

func (p LatLon) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lon)
}

// LatLonFromPoint is the inverse of LatLon.Point.
func LatLonFromPoint(pt orb.Point) LatLon {
	return LatLon{Lat: pt.Lat(), Lon: pt.Lon()}
}

// ECEF is a Cartesian position in meters.
type ECEF struct {
	X, Y, Z float64
}

// LatLonFromECEF converts back to geographic coordinates on a spherical Earth.
func LatLonFromECEF(e ECEF) LatLon {
	return LatLon{
		Lat: rad2deg(math.Atan2(e.Z, math.Hypot(e.X, e.Y))),
		Lon: rad2deg(math.Atan2(e.Y, e.X)),
	}
}

// MagneticVector is a three axis magnetic field reading in nanotesla.
type MagneticVector struct {
	X float64 `json:"bx" yaml:"bx"`
	Y float64 `json:"by" yaml:"by"`
	Z float64 `json:"bz" yaml:"bz"`
}

// Magnitude returns the total field intensity.
func (v MagneticVector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Slice returns the components as [x, y, z].
func (v MagneticVector) Slice() []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// LatLonToMeters returns the (north, east) offset in meters of the second position
// relative to the first, using an equirectangular approximation.
func LatLonToMeters(lat1, lon1, lat2, lon2 float64) (north, east float64) {
	north = EarthRadius * (deg2rad(lat2) - deg2rad(lat1))
	east = EarthRadius * math.Cos(deg2rad(lat1)) * (deg2rad(lon2) - deg2rad(lon1))
	return
}

// MetersToLatLon is the inverse of LatLonToMeters.
func MetersToLatLon(lat, lon, north, east float64) (float64, float64) {
	newLat := lat + rad2deg(north/EarthRadius)
	newLon := lon + rad2deg(east/(EarthRadius*math.Cos(deg2rad(lat))))
	return newLat, newLon
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}

func rad2deg(r float64) float64 {
	return r * 180 / math.Pi
}
