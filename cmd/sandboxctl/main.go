package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxctl/config"
	"github.com/isdmx/sandboxctl/lifecycle"
	"github.com/isdmx/sandboxctl/logger"
	"github.com/isdmx/sandboxctl/logstream"
	"github.com/isdmx/sandboxctl/mcpserver"
	"github.com/isdmx/sandboxctl/sandbox"
)

// stopTimeout bounds fx shutdown, which includes sandbox cleanup.
const stopTimeout = 2 * time.Minute

// runStatus carries the exit code of a finished "once" run back to main.
type runStatus struct {
	code atomic.Int32
}

func main() {
	status := &runStatus{}
	app := fx.New(
		fx.Supply(status),

		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Runtime adapter based on config
			sandbox.NewRuntime,

			// Lifecycle controller owning the runtime
			lifecycle.NewFromConfig,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(
			// Registered first so it runs last on stop.
			closeController,
			start,
		),

		fx.StopTimeout(stopTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	os.Exit(run(app, status))
}

// run starts app, waits for a shutdown signal and stops it. A non-zero code
// stored by a "once" run wins over the code carried by the signal, so an
// interrupted run whose cleanup failed still exits non-zero.
func run(app *fx.App, status *runStatus) int {
	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return 1
	}

	sig := <-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		return 1
	}

	if code := status.code.Load(); code != 0 {
		return int(code)
	}
	return sig.ExitCode
}

func closeController(lc fx.Lifecycle, ctrl *lifecycle.Controller, log *zap.Logger) {
	lc.Append(fx.StopHook(func() {
		if err := ctrl.Close(); err != nil {
			log.Warn("failed to close runtime client", zap.Error(err))
		}
		_ = log.Sync()
	}))
}

func start(lc fx.Lifecycle, sd fx.Shutdowner, status *runStatus, cfg *config.Config, ctrl *lifecycle.Controller, server *mcpserver.MCPServer, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var serve func() int
	switch cfg.Server.Transport {
	case "once":
		serve = func() int {
			res, err := ctrl.Run(ctx, sandbox.SpecFromConfig(cfg), printRecord(os.Stdout, os.Stderr))
			code := lifecycle.ExitCode(res, err)
			if err != nil {
				log.Error("sandbox run failed",
					zap.String(logger.KeySandboxID, res.SandboxID),
					zap.String("state", res.State.String()),
					zap.Int("exit_code", code),
					zap.Error(err))
			}
			return code
		}
	case "stdio":
		serve = func() int { return serveMCP(server.ServeStdio, log) }
	case "http":
		serve = func() int { return serveMCP(server.ServeHTTP, log) }
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				code := serve()
				status.code.Store(int32(code))
				if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
					log.Error("failed to request shutdown", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if cfg.Server.Transport != "once" {
				// MCP transports own their goroutine until the process exits.
				return nil
			}
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return fmt.Errorf("sandbox cleanup did not finish: %w", stopCtx.Err())
			}
		},
	})
}

func serveMCP(serve func() error, log *zap.Logger) int {
	if err := serve(); err != nil {
		log.Error("MCP server stopped", zap.Error(err))
		return 1
	}
	return 0
}

// printRecord writes stderr records to errOut and everything else to out.
func printRecord(out, errOut io.Writer) lifecycle.Sink {
	return func(rec logstream.Record) {
		w := out
		if rec.Source == logstream.SourceStderr {
			w = errOut
		}
		fmt.Fprintln(w, rec.Line)
	}
}
