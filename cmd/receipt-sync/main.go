package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/config"
	"github.com/alexjbarnes/receipt-sync/internal/inbox"
	"github.com/alexjbarnes/receipt-sync/internal/localstore"
	"github.com/alexjbarnes/receipt-sync/internal/logging"
	"github.com/alexjbarnes/receipt-sync/internal/mcpserver"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/network"
	"github.com/alexjbarnes/receipt-sync/internal/server"
	"github.com/alexjbarnes/receipt-sync/internal/state"
	"github.com/alexjbarnes/receipt-sync/internal/storage"
	"github.com/alexjbarnes/receipt-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashToken() {
	fmt.Fprint(os.Stderr, "Enter control token: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	token := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("receipt-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceID),
		slog.String("backend", cfg.StorageBackend),
		slog.String("policy", cfg.SyncPolicy),
		slog.Bool("control", cfg.EnableControl),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if counts, err := appState.CountByStatus(); err == nil {
		logger.Info("local receipts",
			slog.Int("local", counts[models.SyncStatusLocal]),
			slog.Int("synced", counts[models.SyncStatusSynced]),
			slog.Int("indexed", counts[models.SyncStatusIndexed]),
		)
	}

	library, err := localstore.New(cfg.LibraryDir())
	if err != nil {
		return fmt.Errorf("opening library: %w", err)
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	engine := syncengine.New(appState, library, provider, newMonitor(cfg, logger), syncengine.Config{
		Country:       cfg.Country,
		DeviceID:      cfg.DeviceID,
		Policy:        cfg.Policy(),
		RetryAttempts: cfg.RetryAttempts,
		RetryBase:     cfg.RetryBase,
	}, logger.With(slog.String("service", "sync")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runScheduler(gctx, engine, cfg.SyncInterval, logger)
		return nil
	})

	if cfg.InboxDir != "" {
		importer := inbox.New(cfg.InboxDir, appState, library, inbox.Config{
			Country:  cfg.Country,
			Currency: cfg.DefaultCurrency,
			Location: cfg.Location(),
			DeviceID: cfg.DeviceID,
		}, func() {
			go engine.SyncAll(gctx)
		}, logger.With(slog.String("service", "inbox")))

		g.Go(func() error {
			return importer.Watch(gctx)
		})
	}

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, engine, appState, logger)
		})
	}

	return g.Wait()
}

// newProvider returns the configured remote. The none backend yields a
// nil provider, which the engine replaces with storage.NopProvider.
func newProvider(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.StorageBackend {
	case config.BackendDir:
		p, err := storage.NewDirProvider(cfg.RemoteDir)
		if err != nil {
			return nil, fmt.Errorf("opening remote dir: %w", err)
		}
		return p, nil
	case config.BackendS3:
		p, err := storage.NewS3Provider(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 provider: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

func newMonitor(cfg *config.Config, logger *slog.Logger) network.Monitor {
	if cfg.NetworkProbeAddr != "" {
		return network.NewProbeMonitor(cfg.Connection(), cfg.NetworkProbeAddr, logger.With(slog.String("service", "network")))
	}

	return network.NewStaticMonitor(cfg.Connection())
}

// runScheduler runs a cycle at startup and then every interval. A zero
// interval runs only the startup cycle.
func runScheduler(ctx context.Context, engine *syncengine.Engine, interval time.Duration, logger *slog.Logger) {
	engine.SyncAll(ctx)

	if interval <= 0 {
		logger.Info("periodic sync disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.SyncAll(ctx)
		}
	}
}

// runControl serves the control API and, when enabled, MCP tools on the
// same listener.
func runControl(ctx context.Context, cfg *config.Config, engine *syncengine.Engine, appState *state.State, logger *slog.Logger) error {
	ctlLogger := logger.With(slog.String("service", "control"))

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "receipt-sync-mcp", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, engine, appState)

		mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	mux := server.NewMux(server.MuxConfig{
		Engine:     engine,
		Alerts:     appState,
		TokenHash:  cfg.ControlTokenHash,
		MCPHandler: mcpHandler,
		Logger:     ctlLogger,
	})

	// No write timeout: /sync blocks for a whole cycle and /events streams.
	srv := &http.Server{
		Addr:              cfg.ControlListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctlLogger.Info("starting control server",
		slog.String("listen", cfg.ControlListenAddr),
		slog.Bool("mcp", mcpHandler != nil),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		ctlLogger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
