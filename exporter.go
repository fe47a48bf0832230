package magnav

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Exporter defines an export interface.
type Exporter interface {
	Write(Estimate) error
	Close() error
}

// CSVExporter writes each state component followed by its +2σ and -2σ bounds.
type CSVExporter struct {
	delimiter string
	hdlr      *os.File
}

// NewCSVExporter initializes a new CSV export in dir/filename.
func NewCSVExporter(headers []string, dir, filename string) (*CSVExporter, error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	delimiter := ","
	hdr := make([]string, 0, len(headers)*3+2)
	hdr = append(hdr, "step", "kind")
	for _, h := range headers {
		hdr = append(hdr, h, h+"+2s", h+"-2s")
	}
	if _, err := fmt.Fprintf(f, "# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter)); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVExporter{delimiter, f}, nil
}

// Name returns the path of the CSV file.
func (e *CSVExporter) Name() string { return e.hdlr.Name() }

// Write writes the estimate to the CSV file.
func (e *CSVExporter) Write(est Estimate) error {
	r := est.State().Len()
	vals := make([]string, 0, r*3+2)
	vals = append(vals, fmt.Sprintf("%d", est.Step), est.Kind.String())
	for i := 0; i < r; i++ {
		covar := 2 * math.Sqrt(est.Covariance().At(i, i))
		vals = append(vals,
			fmt.Sprintf("%f", est.State().AtVec(i)),
			fmt.Sprintf("%f", covar),
			fmt.Sprintf("%f", -covar))
	}
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// WriteRawLn writes a raw line to the CSV file.
func (e *CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// Close closes the file.
func (e *CSVExporter) Close() error {
	if err := e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC())); err != nil {
		return err
	}
	return e.hdlr.Close()
}

// GeoJSONExporter buffers estimates and writes them as a FeatureCollection on
// Close: a "track" LineString and one Point per estimate carrying its uncertainty.
type GeoJSONExporter struct {
	path  string
	grid  *LocalGrid
	track orb.LineString
	truth orb.LineString
	fc    *geojson.FeatureCollection
}

// NewGeoJSONExporter initializes a new GeoJSON export in dir/filename. A non nil
// grid adds the local easting and northing of each estimate to its properties.
func NewGeoJSONExporter(dir, filename string, grid *LocalGrid) (*GeoJSONExporter, error) {
	path := filepath.Join(dir, filename)
	// Fail early on an unwritable destination.
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &GeoJSONExporter{path: path, grid: grid, fc: geojson.NewFeatureCollection()}, nil
}

// Write implements the Exporter interface.
func (e *GeoJSONExporter) Write(est Estimate) error {
	p := est.Position()
	σlat, σlon := est.PositionSigma()
	e.track = append(e.track, p.Point())

	f := geojson.NewFeature(p.Point())
	f.Properties["step"] = est.Step
	f.Properties["kind"] = est.Kind.String()
	f.Properties["sigma_lat_m"] = deg2rad(σlat) * EarthRadius
	f.Properties["sigma_lon_m"] = deg2rad(σlon) * EarthRadius * math.Cos(deg2rad(p.Lat))
	if est.Innovation() != nil {
		f.Properties["nis"] = est.NIS()
		f.Properties["within_2sigma"] = est.IsWithin2σ()
	}
	if e.grid != nil {
		east, north := e.grid.Project(p)
		f.Properties["east_m"] = east
		f.Properties["north_m"] = north
	}
	e.fc.Append(f)
	return nil
}

// AddTruth adds the true trajectory as a "truth" LineString.
func (e *GeoJSONExporter) AddTruth(positions []LatLon) {
	for _, p := range positions {
		e.truth = append(e.truth, p.Point())
	}
}

// FeatureCollection returns the collection written on Close, track features included.
func (e *GeoJSONExporter) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range []struct {
		name string
		line orb.LineString
	}{{"track", e.track}, {"truth", e.truth}} {
		if len(l.line) < 2 {
			continue
		}
		f := geojson.NewFeature(l.line)
		f.Properties["name"] = l.name
		fc.Append(f)
	}
	fc.Features = append(fc.Features, e.fc.Features...)
	return fc
}

// Close writes the FeatureCollection.
func (e *GeoJSONExporter) Close() error {
	data, err := e.FeatureCollection().MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(e.path, data, 0o644)
}
