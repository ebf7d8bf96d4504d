package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/apperror"
	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/sandbox"
)

const (
	serverName    = "pyexec"
	serverVersion = "1.0.0"

	// EndpointPath is where the streamable HTTP transport is mounted
	EndpointPath = "/mcp"
)

// MCPServer exposes the execution engine as MCP tools
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	sandboxExec sandbox.SandboxExecutor
	mcpServer   *server.MCPServer

	httpServer *http.Server
	listener   net.Listener
	stopStdio  context.CancelFunc
}

// New creates the MCP server and registers its tools
func New(cfg *config.Config, logger *zap.Logger, sandboxExec sandbox.SandboxExecutor) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger.With(zap.String("component", "mcp")),
		sandboxExec: sandboxExec,
	}

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.mcpServer.AddTool(executeTool(), s.handleExecute)
	s.mcpServer.AddTool(cancelTool(), s.handleCancel)
	s.mcpServer.AddTool(packagesTool(), s.handleListPackages)

	return s, nil
}

func executeTool() mcp.Tool {
	return mcp.NewTool("execute_python_code",
		mcp.WithDescription("Execute a Python snippet. Imports outside the package allow-list are not installed "+
			"and code matching dangerous patterns is rejected before it runs."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python source code to execute"),
		),
		mcp.WithString("execution_id",
			mcp.Description("Optional id used to cancel the execution; generated when omitted"),
		),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("cancel_execution",
		mcp.WithDescription("Stop a running execution by id"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Id of the execution to stop"),
		),
	)
}

func packagesTool() mcp.Tool {
	return mcp.NewTool("list_allowed_packages",
		mcp.WithDescription("List the packages that may be installed on demand"),
	)
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := sandbox.ExecuteRequest{
		Code:        code,
		ExecutionID: request.GetString("execution_id", ""),
	}

	result, err := s.sandboxExec.Execute(ctx, req)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return mcp.NewToolResultError(appErr.Message), nil
		}
		s.logger.Error("execution failed", zap.Error(err))
		return mcp.NewToolResultError("An internal error occurred"), nil
	}

	return jsonResult(result)
}

func (s *MCPServer) handleCancel(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	found := s.sandboxExec.Cancel(id)
	message := "execution not found or already finished"
	if found {
		message = "execution stopped"
	}

	return jsonResult(map[string]any{
		"success":      found,
		"execution_id": id,
		"message":      message,
	})
}

func (s *MCPServer) handleListPackages(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	packages := s.sandboxExec.AllowedPackages()
	return jsonResult(map[string]any{
		"allowed_packages": packages,
		"total_count":      len(packages),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Start launches the configured transport in the background
func (s *MCPServer) Start() error {
	switch s.config.MCP.Transport {
	case "stdio":
		return s.startStdio(os.Stdin, os.Stdout)
	case "http":
		return s.startHTTP()
	default:
		return fmt.Errorf("unsupported MCP transport: %s", s.config.MCP.Transport)
	}
}

func (s *MCPServer) startStdio(in io.Reader, out io.Writer) error {
	s.logger.Info("starting MCP server on stdio")

	ctx, cancel := context.WithCancel(context.Background())
	s.stopStdio = cancel

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	go func() {
		if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP stdio server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *MCPServer) startHTTP() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.MCP.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle(EndpointPath, server.NewStreamableHTTPServer(s.mcpServer))
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.logger.Info("starting MCP server on HTTP",
		zap.String("addr", ln.Addr().String()),
		zap.String("endpoint", EndpointPath))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound HTTP address, or "" for the stdio transport
func (s *MCPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the running transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.stopStdio != nil {
		s.stopStdio()
	}
	if s.httpServer != nil {
		s.logger.Info("shutting down MCP HTTP server")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("MCP HTTP server shutdown: %w", err)
		}
	}
	return nil
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
