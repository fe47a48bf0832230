package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/ChristopherRabotin/magnav"
	"github.com/spf13/cobra"
)

func (a *app) simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "simulate [flags]",
		Short:       "Generate random positions around the origin as JSON",
		Annotations: map[string]string{annotationQuiet: "true"},
		RunE:        a.doSimulate,
	}
	cmd.Flags().Int("steps", 10, "`<n>` number of points to emit")
	cmd.Flags().StringP("output", "o", "-", "`<path>` of the output file, - for stdout")
	cmd.Flags().Uint64("seed", 0, "`<seed>` of the generator, 0 for a random one")
	return cmd
}

// simulatePositions returns n positions within 0.001° (about 100 m) of the origin.
func simulatePositions(n int, rng *rand.Rand) []magnav.LatLon {
	offset := func() float64 { return (rng.Float64()*2 - 1) * 0.001 }
	positions := make([]magnav.LatLon, n)
	for i := range positions {
		positions[i] = magnav.LatLon{Lat: offset(), Lon: offset()}
	}
	return positions
}

func (a *app) doSimulate(cmd *cobra.Command, args []string) error {
	steps, err := cmd.Flags().GetInt("steps")
	if err != nil {
		return err
	}
	if steps < 0 {
		return fmt.Errorf("steps must be >= 0, got %d", steps)
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	seed, err := cmd.Flags().GetUint64("seed")
	if err != nil {
		return err
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	positions := simulatePositions(steps, rand.New(rand.NewPCG(seed, seed)))

	var w io.Writer = cmd.OutOrStdout()
	enc := json.NewEncoder(w)
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		enc = json.NewEncoder(f)
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(positions); err != nil {
		return err
	}
	a.logger.Info("simulated positions", "steps", steps, "output", output, "seed", seed)
	return nil
}
