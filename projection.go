package magnav

import "github.com/wroge/wgs84"

// LocalGrid projects geographic positions on a WGS84 transverse Mercator grid
// centered on an origin, so that exported tracks can be read in meters.
type LocalGrid struct {
	Origin  LatLon
	forward func(a, b, c float64) (a2, b2, c2 float64)
	inverse func(a, b, c float64) (a2, b2, c2 float64)
}

// NewLocalGrid returns a LocalGrid centered on origin with unit scale and no false easting.
func NewLocalGrid(origin LatLon) *LocalGrid {
	proj := wgs84.WGS84().TransverseMercator(origin.Lon, origin.Lat, 1, 0, 0)
	return &LocalGrid{
		Origin:  origin,
		forward: wgs84.Transform(wgs84.WGS84().LonLat(), proj),
		inverse: wgs84.Transform(proj, wgs84.WGS84().LonLat()),
	}
}

// Project returns the (easting, northing) of p in meters.
func (g *LocalGrid) Project(p LatLon) (east, north float64) {
	east, north, _ = g.forward(p.Lon, p.Lat, 0)
	return
}

// Unproject returns the position at (easting, northing).
func (g *LocalGrid) Unproject(east, north float64) LatLon {
	lon, lat, _ := g.inverse(east, north, 0)
	return LatLon{Lat: lat, Lon: lon}
}
