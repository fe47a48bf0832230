package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChristopherRabotin/magnav"
	"github.com/ChristopherRabotin/magnav/config"
	"github.com/ChristopherRabotin/magnav/logging"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(NewCmd().ExecuteContext(ctx))
}

// annotationQuiet marks the commands whose stdout carries data: their logs
// are discarded when the configuration logs to stdout. The value "stdio"
// limits this to the stdio MCP transport.
const annotationQuiet = "quiet"

// app is the state shared by the commands once the configuration is loaded.
type app struct {
	cfg      *config.Config
	sink     *logging.Sink
	logger   *slog.Logger
	registry gometrics.Registry
	maps     *magnav.MapCache
}

// NewCmd returns the root command with every subcommand attached.
func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false
	a := &app{registry: gometrics.NewRegistry()}

	rootCmd := &cobra.Command{
		Use:           "magnav [command] [flags]",
		Short:         "magnav is a magnetic anomaly map navigation toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.sink != nil {
				return a.sink.Close()
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "`<path>` to the YAML configuration")

	rootCmd.AddCommand(
		a.simulateCmd(),
		a.estimateCmd(),
		a.fieldCmd(),
		a.serveCmd(),
		a.mcpCmd(),
		a.monteCarloCmd(),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if a.cfg, err = config.Load(path); err != nil {
		return err
	}
	logCfg := a.cfg.Logging
	if a.quiet(cmd) && (logCfg.Filename == "" || logCfg.Filename == "-") {
		logCfg.Filename = "."
	}
	if a.sink, err = logging.Open(&logCfg, a.registry); err != nil {
		return err
	}
	a.logger = a.sink.Logger
	a.maps = magnav.NewMapCache(a.cfg.Cache.Maps, magnav.WithCacheLogger(a.logger))
	return nil
}

func (a *app) quiet(cmd *cobra.Command) bool {
	switch cmd.Annotations[annotationQuiet] {
	case "":
		return false
	case "stdio":
		return a.transport(cmd) == "stdio"
	default:
		return true
	}
}

// transport returns the --transport flag, or mcp.transport.
func (a *app) transport(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("transport"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return a.cfg.MCP.Transport
}

// loadMap loads the map at path, or the configured one when path is empty.
func (a *app) loadMap(ctx context.Context, path string) (*magnav.Map, error) {
	if path == "" {
		path = a.cfg.Map.Path
	}
	if path == "" {
		return nil, errors.New("no map: set --map or map.path in the configuration")
	}
	m, err := a.maps.Load(ctx, path, a.cfg.Map.Format, magnav.LoadOptions(a.cfg.Map.Options))
	if err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	a.logger.Info("map loaded", "path", path, "rows", rows, "cols", cols, "bounds", fmt.Sprintf("%+v", m.Bounds()))
	return m, nil
}

func (a *app) interpolationCache() *magnav.InterpolationCache {
	return magnav.NewInterpolationCache(a.cfg.Cache.Interpolations, magnav.WithCacheLogger(a.logger))
}

// filterOptions returns the configured filter options with the logger.
func (a *app) filterOptions() ([]magnav.Option, error) {
	opts, err := a.cfg.FilterOptions()
	if err != nil {
		return nil, err
	}
	return append(opts, magnav.WithLogger(a.logger)), nil
}
