package magnav

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectFormat(t *testing.T) {
	for path, exp := range map[string]string{
		"a.csv": FormatCSV, "b.JSON": FormatJSON, "dir/c.yaml": FormatYAML, "d.yml": FormatYAML,
	} {
		f, err := DetectFormat(path)
		require.NoError(t, err)
		assert.Equal(t, exp, f)
	}
	for _, path := range []string{"a.tif", "b.nc", "noext"} {
		_, err := DetectFormat(path)
		assert.ErrorIs(t, err, ErrUnknownFormat)
	}
}

func TestLoadCSV(t *testing.T) {
	path := writeFile(t, "grid.csv", "# survey tile\n0,1,0,1\n100,200\n300,400\n")
	m, err := LoadCSV(path, nil)
	require.NoError(t, err)
	v, err := m.Interpolate(0.25, 0.75, Bilinear)
	require.NoError(t, err)
	assert.InDelta(t, 225.0, v, 1e-12)
	assert.Nil(t, m.Header())

	m, err = ReadCSV(strings.NewReader("10;20;30;50\n1;2;3\n4;5;6\n"), LoadOptions{"delimiter": ";", "title": "semi", "resolution_m": "250"})
	require.NoError(t, err)
	rows, cols := m.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, Bounds{10, 20, 30, 50}, m.Bounds())
	assert.Equal(t, "semi", m.Header().Title)
	assert.Equal(t, 250.0, m.Header().ResolutionM)

	for _, bad := range []string{"", "0,1,0\n1,2\n3,4\n", "0,1,0,1\n1,2\n3\n", "0,1,0,1\n1,x\n3,4\n", "0,1,0,1\n1,2\n"} {
		_, err := ReadCSV(strings.NewReader(bad), nil)
		assert.Error(t, err, "%q", bad)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	jsonPath := writeFile(t, "grid.json", `{
  "lat_min": 0, "lat_max": 1, "lon_min": 0, "lon_max": 1,
  "grid": [[100, 200], [300, 400]],
  "header": {"title": "unit", "source": "synthetic", "resolution_m": 100}
}`)
	yamlPath := writeFile(t, "grid.yml", `lat_min: 0
lat_max: 1
lon_min: 0
lon_max: 1
grid:
  - [100, 200]
  - [300, 400]
header:
  title: unit
  source: synthetic
  resolution_m: 100
`)
	for _, path := range []string{jsonPath, yamlPath} {
		format, err := DetectFormat(path)
		require.NoError(t, err)
		m, err := DefaultLoaders()[format].Load(path, nil)
		require.NoError(t, err, path)
		assert.Equal(t, &Header{Title: "unit", Source: "synthetic", ResolutionM: 100}, m.Header())
		v, err := m.Interpolate(0.5, 0.5, Bilinear)
		require.NoError(t, err)
		assert.InDelta(t, 250.0, v, 1e-12)
	}

	m, err := LoadJSON(jsonPath, LoadOptions{"source": "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", m.Header().Source)
	assert.Equal(t, "unit", m.Header().Title)

	bad := writeFile(t, "bad.json", `{"lat_min": 1, "lat_max": 0, "lon_min": 0, "lon_max": 1, "grid": [[1,2],[3,4]]}`)
	_, err = LoadJSON(bad, nil)
	assert.ErrorIs(t, err, ErrInvalidBounds)
	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMapCacheWithFiles(t *testing.T) {
	path := writeFile(t, "grid.csv", "0,1,0,1\n100,200\n300,400\n")
	c := NewMapCache(DefaultMapCacheSize)
	a, err := c.Load(context.Background(), path, "", nil)
	require.NoError(t, err)
	b, err := c.Load(context.Background(), path, "csv", nil)
	require.NoError(t, err)
	assert.Same(t, a, b, "explicit and detected formats share the key")
}
