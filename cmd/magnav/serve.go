package main

import (
	"fmt"

	"github.com/ChristopherRabotin/magnav/mcptools"
	"github.com/ChristopherRabotin/magnav/service"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Serve the navigation session over HTTP",
		RunE:  a.doServe,
	}
	cmd.Flags().String("map", "", "`<path>` of the map, overrides map.path")
	cmd.Flags().String("addr", "", "`<addr>` to listen on, overrides http.addr")
	return cmd
}

func (a *app) doServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("map")
	m, err := a.loadMap(cmd.Context(), path)
	if err != nil {
		return err
	}
	opts, err := a.filterOptions()
	if err != nil {
		return err
	}
	session, err := service.NewSession(m.Bounds().Center(), a.cfg.Filter.MeasurementNoise, opts...)
	if err != nil {
		return err
	}
	svr, err := service.New(m, a.interpolationCache(), session,
		service.WithLogger(a.logger),
		service.WithRegistry(a.registry),
		service.WithMethod(a.cfg.InterpolationMethod()),
	)
	if err != nil {
		return err
	}
	addr := a.cfg.HTTP.Addr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}
	return svr.Run(cmd.Context(), addr)
}

func (a *app) mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "mcp [flags]",
		Short:       "Serve the navigation tools over MCP",
		Annotations: map[string]string{annotationQuiet: "stdio"},
		RunE:        a.doMCP,
	}
	cmd.Flags().String("map", "", "`<path>` of the map, overrides map.path")
	cmd.Flags().String("transport", "", "`<transport>` stdio or sse, overrides mcp.transport")
	return cmd
}

func (a *app) doMCP(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("map")
	m, err := a.loadMap(cmd.Context(), path)
	if err != nil {
		return err
	}
	opts, err := a.filterOptions()
	if err != nil {
		return err
	}
	tools, err := mcptools.NewTools(m, a.interpolationCache(),
		mcptools.WithLogger(a.logger),
		mcptools.WithFilter(a.cfg.Filter.MeasurementNoise, opts...),
	)
	if err != nil {
		return err
	}
	svr := mcptools.NewServer(a.cfg.MCP.Name, tools)
	switch transport := a.transport(cmd); transport {
	case "sse":
		return svr.ServeSSE(cmd.Context(), a.cfg.MCP.Addr)
	case "stdio":
		return svr.ServeStdio(cmd.Context())
	default:
		return fmt.Errorf("unknown MCP transport %q", transport)
	}
}
