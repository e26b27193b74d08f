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

	"github.com/alexjbarnes/photo-uploader/internal/backend"
	"github.com/alexjbarnes/photo-uploader/internal/config"
	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	"github.com/alexjbarnes/photo-uploader/internal/diagnostics"
	"github.com/alexjbarnes/photo-uploader/internal/logging"
	"github.com/alexjbarnes/photo-uploader/internal/mcpserver"
	"github.com/alexjbarnes/photo-uploader/internal/server"
	"github.com/alexjbarnes/photo-uploader/internal/state"
	"github.com/alexjbarnes/photo-uploader/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Subcommands run before config loading where they can.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash":
			hashFiles(os.Args[2:])
			return
		case "dump":
			if err := dump(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashFiles prints the content key of each file, one per line.
func hashFiles(paths []string) {
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: photo-uploader hash <file>...")
		os.Exit(2)
	}

	failed := false

	for _, p := range paths {
		key, size, err := contentkey.SumFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			failed = true

			continue
		}

		fmt.Printf("%s  %d  %s\n", key, size, p)
	}

	if failed {
		os.Exit(1)
	}
}

// dump writes a diagnostics snapshot of the queue to stdout. The queue
// database is locked while the daemon runs; use GET /api/diagnostics
// on the control server then.
func dump() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := state.LoadAt(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("%w (if the daemon is running, use GET /api/diagnostics)", err)
	}
	defer store.Close()

	baseURL := cfg.BaseURL
	if raw, ok, err := store.BaseURLOverride(); err == nil && ok {
		baseURL = raw
	}

	snap, err := diagnostics.Collect(store, baseURL, time.Now())
	if err != nil {
		return err
	}

	return diagnostics.WriteSnapshot(os.Stdout, snap)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(os.Stderr, cfg.Environment, cfg.LogLevel)
	logger.Info("photo-uploader starting",
		slog.String("version", Version),
		slog.String("state_dir", cfg.StateDir),
		slog.Bool("inbox", cfg.InboxDir != ""),
		slog.Bool("control", cfg.EnableControl),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	store, err := state.LoadAt(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	settings := upload.NewSettings(client, store, logger)
	if err := settings.Restore(); err != nil {
		return err
	}

	worker := upload.NewWorker(store, client, upload.WorkerConfig{
		Concurrency: cfg.Concurrency,
		Backoff: upload.Backoff{
			Base:        cfg.BackoffBase,
			Max:         cfg.BackoffMax,
			Multiplier:  cfg.BackoffMultiplier,
			MaxAttempts: cfg.MaxAttempts,
		},
		PollInterval: cfg.PollInterval,
		PollMax:      cfg.PollMax,
		Retention:    cfg.CompletedRetention,
	}, logger)
	if cfg.CleansInbox() {
		worker.OnCompleted(upload.NewSourceCleaner(cfg.InboxDir, cfg.ArchiveDir, logger).Completed)
	}

	hub := server.NewHub(logger)
	summary := upload.NewSummaryStarter(store, upload.MultiIndicator{upload.NewLogIndicator(logger), hub}, logger)
	queue := upload.NewEnqueuer(store, worker, summary, cfg.MaxFileSize, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	summary.Start(gctx)
	queue.Start(gctx)

	startup := upload.NewStartupInitializer(store, summary, queue, logger)
	if err := startup.EnsureRunningIfNeeded(); err != nil {
		return fmt.Errorf("resuming queue: %w", err)
	}

	g.Go(func() error {
		return queue.Wait(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		summary.Wait()

		return nil
	})

	if cfg.InboxDir != "" {
		watcher := upload.NewInboxWatcher(cfg.InboxDir, queue, logger)

		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("inbox watcher: %w", err)
			}

			return nil
		})
	}

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, queue, hub, settings, logger)
		})
	}

	return g.Wait()
}

func newBackendClient(cfg *config.Config) (*backend.Client, error) {
	opts := backend.Options{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.HTTPTimeout,
		BandwidthLimit: cfg.BandwidthLimit,
	}

	if cfg.SigningEnabled() {
		signer, err := backend.NewSigner(cfg.DeviceID, cfg.DeviceSecret)
		if err != nil {
			return nil, fmt.Errorf("creating request signer: %w", err)
		}

		opts.Signer = signer
	}

	client, err := backend.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}

	return client, nil
}

// runControl serves the local control API and, when enabled, MCP.
func runControl(ctx context.Context, cfg *config.Config, queue *upload.Enqueuer, hub *server.Hub, settings *upload.Settings, logger *slog.Logger) error {
	controlLogger := logger.With(slog.String("service", "control"))

	var mcpHandler http.Handler

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "photo-uploader-mcp", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, queue)
		mcpserver.RegisterSettingsTools(mcpServer, settings)

		mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	mux := server.NewMux(server.MuxConfig{
		Queue:      queue,
		Hub:        hub,
		Logger:     controlLogger,
		APIKey:     cfg.ControlAPIKey,
		MCPHandler: mcpHandler,
		Settings:   settings,
	})

	srv := &http.Server{
		Addr:              cfg.ControlListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	controlLogger.Info("starting control server",
		slog.String("listen", cfg.ControlListenAddr),
		slog.Bool("api_key", cfg.ControlAPIKey != ""),
		slog.Bool("mcp", mcpHandler != nil),
	)

	go func() {
		<-ctx.Done()
		controlLogger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
