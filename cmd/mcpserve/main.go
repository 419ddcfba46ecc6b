// Command mcpserve runs the tool calling server over WebSocket, wired to the
// demo application and either a mock or a Claude language model backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "embed"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/qforge/mcpserve"
	"github.com/qforge/mcpserve/llm"
	"github.com/qforge/mcpserve/servers/demo"
)

//go:embed VERSION
var version string

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcpserve: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	pflag.String("host", "localhost", "Host to bind the server to")
	pflag.Int("port", 8080, "Port to bind the server to")
	pflag.Bool("mock-llm", false, "Use the mock language model backend")
	pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Parse()

	v := viper.New()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix("MCPSERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(v.GetString("log-level")),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := makeBackend(ctx, v.GetBool("mock-llm"), logger)
	if err != nil {
		return err
	}

	app := demo.NewApp(logger)
	registry, err := demo.NewRegistry(app, backend, logger)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", v.GetString("host"), v.GetInt("port"))
	transport := mcpserve.NewWSTransport(addr, mcpserve.WithWSLogger(logger))
	if err := transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	srv := mcpserve.NewServer(
		mcpserve.Info{Name: "mcpserve", Version: strings.TrimSpace(version)},
		transport,
		registry,
		mcpserve.WithBackend(backend),
		mcpserve.WithServerLogger(logger),
	)

	logger.Info("server starting",
		slog.String("addr", addr),
		slog.String("version", strings.TrimSpace(version)),
		slog.Bool("mockLLM", v.GetBool("mock-llm")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Serve()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func makeBackend(ctx context.Context, mock bool, logger *slog.Logger) (llm.Backend, error) {
	if mock {
		logger.Info("using mock language model backend")
		return llm.NewMock(), nil
	}

	backend := llm.NewClaude(llm.WithClaudeLogger(logger))
	if err := backend.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize language model backend: %w", err)
	}
	return backend, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
