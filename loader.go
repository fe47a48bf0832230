package magnav

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in map formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// LoadOptions are format specific load parameters. They are part of the map cache key.
//
// Recognized keys: "delimiter" (csv, a single character), "title", "source" and
// "resolution_m" which override the header of the loaded map.
type LoadOptions map[string]string

// canonical returns a stable representation of the options.
func (o LoadOptions) canonical() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + o[k]
	}
	return strings.Join(parts, ",")
}

// Loader produces a Map from a file.
type Loader interface {
	Load(path string, opts LoadOptions) (*Map, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string, opts LoadOptions) (*Map, error)

// Load implements the Loader interface.
func (f LoaderFunc) Load(path string, opts LoadOptions) (*Map, error) {
	return f(path, opts)
}

// DefaultLoaders returns the built-in loaders by format.
func DefaultLoaders() map[string]Loader {
	return map[string]Loader{
		FormatCSV:  LoaderFunc(LoadCSV),
		FormatJSON: LoaderFunc(LoadJSON),
		FormatYAML: LoaderFunc(LoadYAML),
	}
}

// DetectFormat returns the map format from the file extension.
func DetectFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: cannot detect the format of %q", ErrUnknownFormat, path)
	}
}

// mapDocument is the on-disk shape of the json and yaml formats.
type mapDocument struct {
	Bounds `yaml:",inline"`
	Grid   [][]float64 `json:"grid" yaml:"grid"`
	Header *Header     `json:"header,omitempty" yaml:"header,omitempty"`
}

func (d mapDocument) toMap(opts LoadOptions) (*Map, error) {
	header, err := applyHeaderOptions(d.Header, opts)
	if err != nil {
		return nil, err
	}
	return NewMap(d.Bounds, d.Grid, header)
}

// LoadJSON reads a map from a json document.
func LoadJSON(path string, opts LoadOptions) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc mapDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.toMap(opts)
}

// LoadYAML reads a map from a yaml document with the same shape as the json one.
func LoadYAML(path string, opts LoadOptions) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc mapDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.toMap(opts)
}

// LoadCSV reads a map from a csv file. The first record holds lat_min, lat_max,
// lon_min and lon_max, every following record is a grid row. Lines starting with
// '#' are ignored.
func LoadCSV(path string, opts LoadOptions) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, opts)
}

// ReadCSV is LoadCSV on a reader.
func ReadCSV(r io.Reader, opts LoadOptions) (*Map, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if d, ok := opts["delimiter"]; ok {
		if len(d) != 1 {
			return nil, fmt.Errorf("invalid csv delimiter %q", d)
		}
		cr.Comma = rune(d[0])
	}
	first, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrMalformedGrid)
		}
		return nil, err
	}
	if len(first) != 4 {
		return nil, fmt.Errorf("%w: the bounds record needs 4 values, got %d", ErrMalformedGrid, len(first))
	}
	vals, err := parseFloats(first)
	if err != nil {
		return nil, fmt.Errorf("bounds: %w", err)
	}
	bounds := Bounds{LatMin: vals[0], LatMax: vals[1], LonMin: vals[2], LonMax: vals[3]}
	var grid [][]float64
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row, err := parseFloats(record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(grid), err)
		}
		grid = append(grid, row)
	}
	header, err := applyHeaderOptions(nil, opts)
	if err != nil {
		return nil, err
	}
	return NewMap(bounds, grid, header)
}

func parseFloats(record []string) ([]float64, error) {
	vals := make([]float64, len(record))
	for i, s := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func applyHeaderOptions(header *Header, opts LoadOptions) (*Header, error) {
	title, hasTitle := opts["title"]
	source, hasSource := opts["source"]
	res, hasRes := opts["resolution_m"]
	if !hasTitle && !hasSource && !hasRes {
		return header, nil
	}
	h := Header{}
	if header != nil {
		h = *header
	}
	if hasTitle {
		h.Title = title
	}
	if hasSource {
		h.Source = source
	}
	if hasRes {
		v, err := strconv.ParseFloat(res, 64)
		if err != nil {
			return nil, fmt.Errorf("resolution_m: %w", err)
		}
		h.ResolutionM = v
	}
	return &h, nil
}
