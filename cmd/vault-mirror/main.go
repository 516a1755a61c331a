package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/vault-mirror/internal/config"
	"github.com/alexjbarnes/vault-mirror/internal/mcpserver"
	"github.com/alexjbarnes/vault-mirror/internal/server"
	"github.com/alexjbarnes/vault-mirror/internal/storewatch"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vault-mirror",
	Short: "End-to-end encrypted SQLite sync across multiple backends",
	Long: `vault-mirror keeps a local SQLite database in sync with one or more
remote backends. Every column value is encrypted on this device before it
leaves; backends only ever see ciphertext.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg)
	},
}

func main() {
	rootCmd.Version = Version
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	logger := a.logger
	logger.Info("vault-mirror starting",
		slog.String("version", Version),
		slog.String("mode", cfg.SyncMode),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("watch_db", cfg.WatchDBFile),
	)

	if cfg.BackendsFile != "" {
		n, err := a.registry.ImportFile(ctx, cfg.BackendsFile)
		if err != nil {
			return fmt.Errorf("importing backends: %w", err)
		}

		logger.Info("seeded backends", slog.Int("count", n))
	}

	a.registry.Attach(a.orch)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.orch.Run(gctx)
	})

	if cfg.WatchDBFile {
		g.Go(func() error {
			return storewatch.New(cfg.LocalDBPath, 0, a.store, logger).Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, a, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// runMCP serves the status and control tools over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("component", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "vault-mirror-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.orch, a.registry)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      server.NewMux(server.MuxConfig{APIKey: cfg.MCPAPIKey, MCPHandler: mcpHandler, Logger: mcpLogger}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
