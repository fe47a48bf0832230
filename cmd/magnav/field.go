package main

import (
	"encoding/json"

	"github.com/ChristopherRabotin/magnav"
	"github.com/spf13/cobra"
)

func (a *app) fieldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "field [flags]",
		Short:       "Interpolate the map at a position",
		Annotations: map[string]string{annotationQuiet: "true"},
		RunE:        a.doField,
	}
	cmd.Flags().String("map", "", "`<path>` of the map, overrides map.path")
	cmd.Flags().Float64("lat", 0, "`<degrees>` latitude")
	cmd.Flags().Float64("lon", 0, "`<degrees>` longitude")
	cmd.Flags().String("method", "", "`<method>` bilinear or bicubic, overrides map.method")
	cmd.MarkFlagRequired("lat")
	cmd.MarkFlagRequired("lon")
	return cmd
}

func (a *app) doField(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	lat, err := flags.GetFloat64("lat")
	if err != nil {
		return err
	}
	lon, err := flags.GetFloat64("lon")
	if err != nil {
		return err
	}
	method := a.cfg.InterpolationMethod()
	if name, _ := flags.GetString("method"); name != "" {
		if method, err = magnav.ParseMethod(name); err != nil {
			return err
		}
	}
	path, _ := flags.GetString("map")
	m, err := a.loadMap(cmd.Context(), path)
	if err != nil {
		return err
	}
	v, err := m.Interpolate(lat, lon, method)
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
		"lat":    lat,
		"lon":    lon,
		"method": method.String(),
		"value":  v,
	})
}
