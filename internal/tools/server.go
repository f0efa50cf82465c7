package tools

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gamegenie/genie-bridge/internal/dispatch"
	"github.com/gamegenie/genie-bridge/internal/imagegen"
)

// Executor runs peer commands. *dispatch.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any) dispatch.Result
	ExecuteWithFollowUp(ctx context.Context, name string, params map[string]any, event string) dispatch.Result
}

// ImageGenerator produces images. *imagegen.Client satisfies it.
type ImageGenerator interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Generation, error)
}

// Status describes the peer connection for the connection resource.
type Status struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	URL              string `json:"url"`
	Transport        string `json:"transport"`
	Connected        bool   `json:"connected"`
	ConnectedClients int    `json:"connected_clients"`
	Primary          string `json:"primary,omitempty"`
}

// StatusFunc reports the current connection status.
type StatusFunc func() Status

// Config describes the advertised server.
type Config struct {
	Name         string
	Version      string
	Instructions string
}

// Option configures a Server.
type Option func(*Server)

// WithImageGenerator enables the generate_image tool.
func WithImageGenerator(g ImageGenerator) Option {
	return func(s *Server) {
		s.images = g
	}
}

// WithStatus enables the connection resource.
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server is the MCP tool server.
type Server struct {
	mcp    *server.MCPServer
	exec   Executor
	images ImageGenerator
	status StatusFunc
	logger *slog.Logger

	tools []string
}

// New creates a Server and registers its tools, resource and prompt.
func New(cfg Config, exec Executor, opts ...Option) *Server {
	s := &Server{
		exec:   exec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tools")

	serverOpts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
		server.WithRecovery(),
	}
	if cfg.Instructions != "" {
		serverOpts = append(serverOpts, server.WithInstructions(cfg.Instructions))
	}
	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version, serverOpts...)

	s.registerTools()
	if s.status != nil {
		s.registerResources()
	}
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Tools returns the names of the registered tools.
func (s *Server) Tools() []string {
	names := append([]string(nil), s.tools...)
	sort.Strings(names)
	return names
}

// ServeStdio serves MCP over in and out until ctx is cancelled or in is
// closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("serving MCP over stdio", "tools", s.Tools())
	return stdio.Listen(ctx, in, out)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}
