package magnav

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/paulmach/orb"
)

// Method is an interpolation method.
type Method uint8

const (
	// Bilinear is the canonical area weighted interpolation over the enclosing cell.
	Bilinear Method = iota + 1
	// Bicubic is an inverse squared distance average over the 4x4 neighborhood.
	Bicubic
)

func (m Method) String() string {
	switch m {
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "bicubic"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// Valid returns whether the method is supported.
func (m Method) Valid() bool {
	return m == Bilinear || m == Bicubic
}

// ParseMethod returns the Method by its name. An empty name is Bilinear.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bilinear":
		return Bilinear, nil
	case "bicubic":
		return Bicubic, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMethod, name)
	}
}

// Bounds are the geographic limits of a map, in degrees.
type Bounds struct {
	LatMin float64 `json:"lat_min" yaml:"lat_min"`
	LatMax float64 `json:"lat_max" yaml:"lat_max"`
	LonMin float64 `json:"lon_min" yaml:"lon_min"`
	LonMax float64 `json:"lon_max" yaml:"lon_max"`
}

// Contains is inclusive of the boundary.
func (b Bounds) Contains(lat, lon float64) bool {
	return b.LatMin <= lat && lat <= b.LatMax && b.LonMin <= lon && lon <= b.LonMax
}

// Center returns the middle of the bounds.
func (b Bounds) Center() LatLon {
	return LatLon{Lat: (b.LatMin + b.LatMax) / 2, Lon: (b.LonMin + b.LonMax) / 2}
}

func (b Bounds) validate() error {
	if !(b.LatMin < b.LatMax) {
		return fmt.Errorf("%w: lat_min=%f must be lower than lat_max=%f", ErrInvalidBounds, b.LatMin, b.LatMax)
	}
	if !(b.LonMin < b.LonMax) {
		return fmt.Errorf("%w: lon_min=%f must be lower than lon_max=%f", ErrInvalidBounds, b.LonMin, b.LonMax)
	}
	return nil
}

// Header is the optional dataset level metadata of a map.
type Header struct {
	Title       string  `json:"title" yaml:"title"`
	Source      string  `json:"source" yaml:"source"`
	ResolutionM float64 `json:"resolution_m" yaml:"resolution_m"`
}

// TileMetadata is the spatial metadata of a map.
type TileMetadata struct {
	Bounds
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

var mapIDs atomic.Uint64

// Map is an immutable bounded grid of magnetic anomaly values in nanotesla.
// Rows increase with latitude and columns with longitude.
type Map struct {
	id         uint64
	bounds     Bounds
	header     *Header
	grid       [][]float64
	rows, cols int
	dLat, dLon float64
}

// NewMap returns a new Map. The grid is copied.
func NewMap(bounds Bounds, grid [][]float64, header *Header) (*Map, error) {
	if err := bounds.validate(); err != nil {
		return nil, err
	}
	rows := len(grid)
	if rows < 2 {
		return nil, fmt.Errorf("%w: need at least 2 rows, got %d", ErrMalformedGrid, rows)
	}
	cols := len(grid[0])
	if cols < 2 {
		return nil, fmt.Errorf("%w: need at least 2 columns, got %d", ErrMalformedGrid, cols)
	}
	cp := make([][]float64, rows)
	for i, row := range grid {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns instead of %d", ErrMalformedGrid, i, len(row), cols)
		}
		cp[i] = append([]float64(nil), row...)
	}
	if header != nil {
		if header.ResolutionM < 0 {
			return nil, fmt.Errorf("%w: negative resolution %f", ErrMalformedGrid, header.ResolutionM)
		}
		h := *header
		header = &h
	}
	return &Map{
		id:     mapIDs.Add(1),
		bounds: bounds,
		header: header,
		grid:   cp,
		rows:   rows,
		cols:   cols,
		dLat:   (bounds.LatMax - bounds.LatMin) / float64(rows-1),
		dLon:   (bounds.LonMax - bounds.LonMin) / float64(cols-1),
	}, nil
}

// ID returns the process unique identity of this map.
func (m *Map) ID() uint64 { return m.id }

// Bounds returns the geographic limits of the map.
func (m *Map) Bounds() Bounds { return m.bounds }

// Header returns a copy of the header, or nil.
func (m *Map) Header() *Header {
	if m.header == nil {
		return nil
	}
	h := *m.header
	return &h
}

// Dims returns the number of rows and columns.
func (m *Map) Dims() (rows, cols int) { return m.rows, m.cols }

// At returns the grid value at (row, col).
func (m *Map) At(row, col int) float64 { return m.grid[row][col] }

// CellSize returns the latitude and longitude spacing of the grid.
func (m *Map) CellSize() (dLat, dLon float64) { return m.dLat, m.dLon }

// TileMetadata returns the bounds and the dimensions of the map.
func (m *Map) TileMetadata() TileMetadata {
	return TileMetadata{Bounds: m.bounds, Rows: m.rows, Cols: m.cols}
}

// Bound returns the orb bound of the map.
func (m *Map) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{m.bounds.LonMin, m.bounds.LatMin},
		Max: orb.Point{m.bounds.LonMax, m.bounds.LatMax},
	}
}

// Interpolate returns the anomaly at (lat, lon) with the provided method.
func (m *Map) Interpolate(lat, lon float64, method Method) (float64, error) {
	if !method.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}
	if !m.bounds.Contains(lat, lon) {
		return 0, fmt.Errorf("%w: (%f, %f)", ErrOutOfBounds, lat, lon)
	}
	rowF, colF := m.gridIndex(lat, lon)
	if method == Bilinear {
		return m.bilinear(rowF, colF), nil
	}
	return m.bicubic(rowF, colF), nil
}

// Field returns a FieldFunc interpolating this map.
func (m *Map) Field(method Method) FieldFunc {
	return func(lat, lon float64) (float64, error) {
		return m.Interpolate(lat, lon, method)
	}
}

// gridIndex converts geographic coordinates to fractional grid indices.
func (m *Map) gridIndex(lat, lon float64) (rowF, colF float64) {
	rowF = (lat - m.bounds.LatMin) / m.dLat
	colF = (lon - m.bounds.LonMin) / m.dLon
	// Absorb round-off at the upper boundary.
	rowF = math.Min(rowF, float64(m.rows-1))
	colF = math.Min(colF, float64(m.cols-1))
	return
}

func (m *Map) bilinear(rowF, colF float64) float64 {
	row0 := clampInt(int(math.Floor(rowF)), 0, m.rows-2)
	col0 := clampInt(int(math.Floor(colF)), 0, m.cols-2)
	fr := rowF - float64(row0)
	fc := colF - float64(col0)
	q00 := m.grid[row0][col0]
	q01 := m.grid[row0][col0+1]
	q10 := m.grid[row0+1][col0]
	q11 := m.grid[row0+1][col0+1]
	return q00*(1-fr)*(1-fc) + q01*(1-fr)*fc + q10*fr*(1-fc) + q11*fr*fc
}

func (m *Map) bicubic(rowF, colF float64) float64 {
	if rowF == math.Trunc(rowF) && colF == math.Trunc(colF) {
		return m.grid[int(rowF)][int(colF)]
	}
	if rowF < 1 || rowF > float64(m.rows-2) || colF < 1 || colF > float64(m.cols-2) {
		return m.bilinear(rowF, colF)
	}
	row, col := int(rowF), int(colF)
	u := rowF - float64(row)
	v := colF - float64(col)
	var sum, wsum float64
	for i := 0; i < 4; i++ {
		r := clampInt(row-1+i, 0, m.rows-1)
		di := math.Abs(float64(i) - 1 - u)
		for j := 0; j < 4; j++ {
			c := clampInt(col-1+j, 0, m.cols-1)
			dj := math.Abs(float64(j) - 1 - v)
			w := 1 / (1 + di*di + dj*dj)
			sum += w * m.grid[r][c]
			wsum += w
		}
	}
	return sum / wsum
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
