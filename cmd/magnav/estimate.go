package main

import (
	"encoding/json"

	"github.com/ChristopherRabotin/magnav"
	"github.com/spf13/cobra"
)

func (a *app) estimateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate [flags]",
		Short: "Fuse one measurement and print the updated filter state",
		Long: `Fuse one measurement and print the updated filter state.

The measurement is the field at (--lat, --lon). Without a map the field is
lat+lon and the filter starts at the origin; with a map the field is
interpolated and the filter starts at the map center.`,
		Annotations: map[string]string{annotationQuiet: "true"},
		RunE:        a.doEstimate,
	}
	cmd.Flags().Float64("lat", 0, "`<degrees>` latitude of the measurement")
	cmd.Flags().Float64("lon", 0, "`<degrees>` longitude of the measurement")
	cmd.Flags().String("map", "", "`<path>` of the map, overrides map.path")
	cmd.Flags().Float64("dt", 1, "`<seconds>` predicted before the update")
	cmd.MarkFlagRequired("lat")
	cmd.MarkFlagRequired("lon")
	return cmd
}

type estimateResult struct {
	magnav.LatLon
	Uncertainty magnav.LatLon `json:"uncertainty"`
	Measurement struct {
		magnav.LatLon
		Field float64 `json:"magnetic_field"`
	} `json:"measurement"`
}

// sumField is the field of the map-less demo.
func sumField(lat, lon float64) (float64, error) { return lat + lon, nil }

func (a *app) doEstimate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	lat, err := flags.GetFloat64("lat")
	if err != nil {
		return err
	}
	lon, err := flags.GetFloat64("lon")
	if err != nil {
		return err
	}
	dt, err := flags.GetFloat64("dt")
	if err != nil {
		return err
	}
	at, err := magnav.NewLatLon(lat, lon)
	if err != nil {
		return err
	}
	opts, err := a.filterOptions()
	if err != nil {
		return err
	}

	field := magnav.FieldFunc(sumField)
	initial := magnav.LatLon{}
	path, _ := flags.GetString("map")
	if path != "" || a.cfg.Map.Path != "" {
		m, err := a.loadMap(cmd.Context(), path)
		if err != nil {
			return err
		}
		field = m.Field(a.cfg.InterpolationMethod())
		initial = m.Bounds().Center()
	}
	obs, err := field(at.Lat, at.Lon)
	if err != nil {
		return err
	}

	kf, err := magnav.New(initial, opts...)
	if err != nil {
		return err
	}
	if _, err := kf.Predict(dt); err != nil {
		return err
	}
	if _, err := kf.Update(obs, field, a.cfg.Filter.MeasurementNoise); err != nil {
		return err
	}

	var res estimateResult
	res.LatLon = kf.Estimate()
	res.Uncertainty.Lat, res.Uncertainty.Lon = kf.PositionUncertainty()
	res.Measurement.LatLon = at
	res.Measurement.Field = obs
	a.logger.Info("estimate", "lat", res.Lat, "lon", res.Lon, "obs", obs)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
