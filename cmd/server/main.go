package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/httpserver"
	"github.com/isdmx/pyexec/logger"
	"github.com/isdmx/pyexec/mcpserver"
	"github.com/isdmx/pyexec/metrics"
	"github.com/isdmx/pyexec/sandbox"
)

func main() {
	// The stop timeout depends on configuration, so it is loaded before the
	// container is built.
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyexec: %v\n", err)
		os.Exit(1)
	}

	fx.New(appOptions(cfg)).Run()
}

func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			logger.NewFromConfig,
			metrics.New,
			newExecutor,
			httpserver.New,
			mcpserver.New,
		),

		// OnStop hooks run in reverse order. The executor is registered last
		// so running executions are killed before the servers wait for their
		// in-flight requests to drain.
		fx.Invoke(
			registerHTTPServer,
			registerMCPServer,
			registerExecutor,
		),

		fx.StopTimeout(cfg.GetShutdownTimeout()),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

// newExecutor passes the collector to the engine as its Recorder. A nil
// collector must become a nil interface, not a typed nil.
func newExecutor(log *zap.Logger, cfg *config.Config, collector *metrics.Collector) (sandbox.SandboxExecutor, error) {
	var recorder sandbox.Recorder
	if collector != nil {
		recorder = collector
	}
	return sandbox.NewExecutor(log, cfg, recorder)
}

// registerExecutor stops every running execution on shutdown, escalating to
// SIGKILL if the stop context ends first.
func registerExecutor(lc fx.Lifecycle, log *zap.Logger, executor sandbox.SandboxExecutor, collector *metrics.Collector) {
	collector.TrackRunning(func() int { return len(executor.RunningExecutions()) })

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("stopping running executions",
				zap.Int("count", len(executor.RunningExecutions())))
			return executor.Shutdown(ctx)
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, srv *httpserver.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start()
		},
		OnStop: srv.Shutdown,
	})
}

func registerMCPServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, srv *mcpserver.MCPServer) {
	if !cfg.MCP.Enabled {
		log.Info("MCP server disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start()
		},
		OnStop: srv.Shutdown,
	})
}
