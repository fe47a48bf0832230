package magnav

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImplementsExporter(t *testing.T) {
	implements := func(Exporter) {}
	implements(new(CSVExporter))
	implements(new(GeoJSONExporter))
}

func TestCSVExportFail(t *testing.T) {
	_, err := NewCSVExporter(StateHeaders, "/noNoNoNo/", "temp.csv")
	if err == nil {
		t.Fatal("no issue when trying to create a file on root")
	}
}

func TestCSVExport(t *testing.T) {
	ce, err := NewCSVExporter(StateHeaders, t.TempDir(), "temp.csv")
	if err != nil {
		t.Fatalf("could not create file %s", err)
	}
	est := estimateAt(LatLon{0.5, 0.25}, 1)
	est.Step = 3
	est.Kind = UpdateStep
	if err = ce.Write(est); err != nil {
		t.Fatalf("could not write estimate to file %s", err)
	}
	if err = ce.Close(); err != nil {
		t.Fatalf("could not close file %s", err)
	}
	data, err := os.ReadFile(ce.Name())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "# Creation date"))
	assert.Equal(t, "step,kind,lat,lat+2s,lat-2s,lon,lon+2s,lon-2s,dlat,dlat+2s,dlat-2s,dlon,dlon+2s,dlon-2s", lines[1])
	assert.Equal(t, "3,update,0.500000,2.000000,-2.000000,0.250000,2.000000,-2.000000,0.000000,0.200000,-0.200000,0.000000,0.200000,-0.200000", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "# Closing date"))
}

func TestGeoJSONExport(t *testing.T) {
	dir := t.TempDir()
	_, err := NewGeoJSONExporter("/noNoNoNo/", "track.geojson", nil)
	require.Error(t, err)

	origin := LatLon{45, 5}
	ge, err := NewGeoJSONExporter(dir, "track.geojson", NewLocalGrid(origin))
	require.NoError(t, err)
	kf, err := New(origin, WithVelocity(1e-4, 0))
	require.NoError(t, err)
	require.NoError(t, ge.Write(kf.Last()))
	for i := 0; i < 2; i++ {
		est, err := kf.Predict(1)
		require.NoError(t, err)
		require.NoError(t, ge.Write(est))
	}
	ge.AddTruth([]LatLon{origin, {45.0002, 5}})
	require.NoError(t, ge.Close())

	data, err := os.ReadFile(filepath.Join(dir, "track.geojson"))
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 5)

	track, ok := fc.Features[0].Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Len(t, track, 3)
	assert.Equal(t, "track", fc.Features[0].Properties.MustString("name"))
	assert.Equal(t, "truth", fc.Features[1].Properties.MustString("name"))

	first := fc.Features[2]
	assert.Equal(t, origin.Point(), first.Point())
	assert.Equal(t, "init", first.Properties.MustString("kind"))
	assert.InDelta(t, 0, first.Properties.MustFloat64("east_m"), 1e-6)
	assert.InDelta(t, 0, first.Properties.MustFloat64("north_m"), 1e-6)
	// One degree of latitude is about 111 km.
	assert.InDelta(t, 111195, first.Properties.MustFloat64("sigma_lat_m"), 1)

	last := fc.Features[4]
	assert.InDelta(t, 2*1e-4*111195, last.Properties.MustFloat64("north_m"), 1)
	assert.Greater(t, last.Properties.MustFloat64("sigma_lat_m"), first.Properties.MustFloat64("sigma_lat_m"))
}
