package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/ChristopherRabotin/magnav"
	"github.com/spf13/cobra"
)

func (a *app) monteCarloCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "montecarlo [flags]",
		Short: "Evaluate the filter over simulated trajectories across the map",
		Long: `Evaluate the filter over simulated trajectories across the map.

Each run simulates the trajectory from --start to --end (by default the south
west to the north east quarter points of the map) with its own noise seed,
then filters it. The summary reports the position errors and the NIS and NEES
consistency. --csv writes the per state statistics, the errors, and the
first run as CSV and GeoJSON.`,
		Annotations: map[string]string{annotationQuiet: "true"},
		RunE:        a.doMonteCarlo,
	}
	cmd.Flags().String("map", "", "`<path>` of the map, overrides map.path")
	cmd.Flags().Int("runs", 10, "`<n>` number of runs")
	cmd.Flags().Int("steps", 100, "`<n>` number of samples of each run")
	cmd.Flags().Float64Slice("start", nil, "`<lat,lon>` start of the trajectory")
	cmd.Flags().Float64Slice("end", nil, "`<lat,lon>` end of the trajectory")
	cmd.Flags().Float64("speed", 10, "`<m/s>` speed along the trajectory")
	cmd.Flags().Float64("noise", 5, "`<nT>` standard deviation of the measurement noise")
	cmd.Flags().String("path", "straight", "`<type>` straight, curved or random")
	cmd.Flags().Uint64("seed", 1, "`<seed>` of the first run")
	cmd.Flags().Float64("alpha", 0.05, "`<α>` significance of the consistency tests")
	cmd.Flags().String("csv", "", "`<dir>` to write the CSV and GeoJSON exports to")
	return cmd
}

func latLonFlag(cmd *cobra.Command, name string, def magnav.LatLon) (magnav.LatLon, error) {
	vals, err := cmd.Flags().GetFloat64Slice(name)
	if err != nil {
		return def, err
	}
	switch len(vals) {
	case 0:
		return def, nil
	case 2:
		return magnav.NewLatLon(vals[0], vals[1])
	default:
		return def, fmt.Errorf("--%s expects lat,lon", name)
	}
}

func (a *app) doMonteCarlo(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("map")
	m, err := a.loadMap(cmd.Context(), path)
	if err != nil {
		return err
	}
	b := m.Bounds()
	start, err := latLonFlag(cmd, "start", magnav.LatLon{
		Lat: b.LatMin + 0.25*(b.LatMax-b.LatMin),
		Lon: b.LonMin + 0.25*(b.LonMax-b.LonMin),
	})
	if err != nil {
		return err
	}
	end, err := latLonFlag(cmd, "end", magnav.LatLon{
		Lat: b.LatMin + 0.75*(b.LatMax-b.LatMin),
		Lon: b.LonMin + 0.75*(b.LonMax-b.LonMin),
	})
	if err != nil {
		return err
	}
	runs, _ := flags.GetInt("runs")
	steps, _ := flags.GetInt("steps")
	if steps < 2 {
		return fmt.Errorf("steps must be >= 2, got %d", steps)
	}
	alpha, _ := flags.GetFloat64("alpha")
	pathName, _ := flags.GetString("path")

	sim := magnav.DefaultSimulationConfig(start, end)
	sim.Speed, _ = flags.GetFloat64("speed")
	sim.NoiseLevel, _ = flags.GetFloat64("noise")
	sim.Seed, _ = flags.GetUint64("seed")
	if sim.Path, err = magnav.ParsePathType(pathName); err != nil {
		return err
	}
	// The sample rate yields the requested number of samples.
	north, east := magnav.LatLonToMeters(start.Lat, start.Lon, end.Lat, end.Lon)
	if d := math.Hypot(north, east); d > 0 {
		sim.SampleRate = (float64(steps) + 0.5) * sim.Speed / d
	}

	opts, err := a.filterOptions()
	if err != nil {
		return err
	}
	mc, err := magnav.RunMonteCarlo(magnav.MonteCarloConfig{
		Runs:       runs,
		Simulation: sim,
		Field:      a.interpolationCache().Field(m, a.cfg.InterpolationMethod()),
		Options:    opts,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	chi, err := magnav.NewChiSquare(mc, alpha, true, true)
	if err != nil {
		return err
	}
	nis, nees := chi.Consistency()
	last := mc.Steps() - 1
	mean, std := mc.ErrorStats(last)
	skipped := 0
	for _, run := range mc.Runs {
		skipped += run.Skipped
	}
	rmse, err := mc.Runs[0].Truth.RMSE(mc.Runs[0].Estimates)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "runs: %d, steps: %d, skipped updates: %d\n", runs, mc.Steps(), skipped)
	fmt.Fprintf(out, "final error: %.3f m ± %.3f m\n", mean, std)
	fmt.Fprintf(out, "first run RMSE: %.3f m\n", rmse)
	fmt.Fprintf(out, "NIS consistency: %.1f%%, NEES consistency: %.1f%% (α=%.3f)\n", 100*nis, 100*nees, alpha)

	dir, _ := flags.GetString("csv")
	if dir == "" {
		return nil
	}
	if err := exportMonteCarlo(dir, mc, start); err != nil {
		return err
	}
	a.logger.Info("monte carlo exported", "dir", dir)
	return nil
}

// exportMonteCarlo writes the statistics of mc and the estimates of its first run to dir.
func exportMonteCarlo(dir string, mc *magnav.MonteCarloRuns, origin magnav.LatLon) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, doc := range mc.AsCSV(magnav.StateHeaders) {
		if err := os.WriteFile(filepath.Join(dir, "mc-"+magnav.StateHeaders[i]+".csv"), []byte(doc+"\n"), 0o644); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "mc-errors.csv"), []byte(mc.ErrorsCSV()+"\n"), 0o644); err != nil {
		return err
	}

	run := mc.Runs[0]
	csvExport, err := magnav.NewCSVExporter(magnav.StateHeaders, dir, "run0.csv")
	if err != nil {
		return err
	}
	geoExport, err := magnav.NewGeoJSONExporter(dir, "run0.geojson", magnav.NewLocalGrid(origin))
	if err != nil {
		csvExport.Close()
		return err
	}
	truth := make([]magnav.LatLon, run.Truth.Len())
	for k := range truth {
		truth[k] = run.Truth.Position(k)
	}
	geoExport.AddTruth(truth)
	for _, est := range run.Estimates {
		for _, e := range []magnav.Exporter{csvExport, geoExport} {
			if err := e.Write(est); err != nil {
				return err
			}
		}
	}
	if err := csvExport.Close(); err != nil {
		return err
	}
	return geoExport.Close()
}
