package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to the MCP clients.
const Version = "0.1.0"

// Server serves Tools over stdio or SSE.
type Server struct {
	mcpServer *server.MCPServer
	sseServer *server.SSEServer
	logger    *slog.Logger
}

// NewServer registers the tools on a new MCP server.
func NewServer(name string, tools *Tools) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, Version, server.WithLogging()),
		logger:    tools.logger,
	}
	s.mcpServer.AddTools(tools.ServerTools()...)
	return s
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves on stdin and stdout until ctx is done or stdin is closed.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "mcp: ", log.LstdFlags))
	s.logger.Info("MCP stdio", "tools", len(s.mcpServer.ListTools()))
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handler returns the SSE handler of the server.
func (s *Server) Handler() http.Handler {
	if s.sseServer == nil {
		s.sseServer = server.NewSSEServer(
			s.mcpServer,
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
		)
	}
	return s.sseServer
}

// ServeSSE serves over SSE on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	sse := s.Handler().(*server.SSEServer)
	errc := make(chan error, 1)
	go func() { errc <- sse.Start(addr) }()
	s.logger.Info("MCP SSE Listen", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
