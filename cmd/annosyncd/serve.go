package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/framepoint/annosync/internal/config"
	"github.com/framepoint/annosync/internal/engine"
	"github.com/framepoint/annosync/internal/identity"
	"github.com/framepoint/annosync/internal/lockstate"
	"github.com/framepoint/annosync/internal/metrics"
	"github.com/framepoint/annosync/internal/protocol"
	"github.com/framepoint/annosync/internal/registry"
	"github.com/framepoint/annosync/internal/scheduler"
	"github.com/framepoint/annosync/internal/server"
	"github.com/framepoint/annosync/internal/storage"
	"github.com/framepoint/annosync/internal/workingcopy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination daemon",
	Long: `Run the coordinator: the lock API, the WebSocket sync channel, and the
background persistence scheduler.

Example usage:
  annosyncd serve                          # ./annosync.yaml or defaults
  annosyncd serve --config /etc/annosync/annosync.yaml
  annosyncd serve --listen 0.0.0.0:8710 --data-dir /var/lib/annosync`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (host:port)")
	serveCmd.Flags().String("data-dir", "", "Working copy root directory")
	serveCmd.Flags().String("log-file", "", "Log file path (default: stderr)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be configured (config file or ANNOSYNC_AUTH_JWT_SECRET)")
	}

	logOut, closeLog := logOutput(cfg)
	defer closeLog()
	logger := log.New(logOut, "[annosyncd] ", log.LstdFlags)

	store, err := lockstate.Open(cfg.StateDBPath())
	if err != nil {
		return fmt.Errorf("failed to open lock state store: %w", err)
	}
	defer store.Close()

	// Surface unclean shutdowns before accepting any traffic.
	if _, err := scheduler.RecoveryCheck(store, logger); err != nil {
		return fmt.Errorf("recovery check failed: %w", err)
	}

	copies, err := workingcopy.NewManager(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	objects, err := buildObjectStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	verifier, err := identity.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	m := metrics.New()
	reg := registry.New(log.New(logOut, "[registry] ", log.LstdFlags))

	applier, err := engine.NewJournalApplier(copies)
	if err != nil {
		return err
	}

	handler, err := protocol.NewHandler(protocol.Config{
		Store:        store,
		Registry:     reg,
		Applier:      applier,
		Copies:       copies,
		Metrics:      m,
		Logger:       log.New(logOut, "[ws] ", log.LstdFlags),
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}

	schedConfig := scheduler.DefaultConfig()
	schedConfig.Interval = cfg.Scheduler.Interval
	schedConfig.IdleThreshold = cfg.Scheduler.IdleThreshold
	schedConfig.CheckpointInterval = cfg.Scheduler.CheckpointInterval
	schedConfig.StaleLockThreshold = cfg.Scheduler.StaleLockThreshold
	schedConfig.Logger = log.New(logOut, "[scheduler] ", log.LstdFlags)
	schedConfig.Metrics = m

	sched, err := scheduler.New(store, objects, copies, reg, schedConfig)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Store:           store,
		Objects:         objects,
		Copies:          copies,
		Registry:        reg,
		Handler:         handler,
		Verifier:        verifier,
		Metrics:         m,
		Logger:          log.New(logOut, "[server] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	sched.Start()
	if err := srv.Start(); err != nil {
		_ = sched.Stop()
		return err
	}
	logger.Printf("Coordinator ready on %s", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// Shutdown order matters: stop accepting sessions first, then flush
	// every unsaved working copy to durable storage.
	logger.Println("Shutting down")
	if err := srv.Stop(); err != nil {
		logger.Printf("Server shutdown error: %v", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Printf("Scheduler shutdown error: %v", err)
		return err
	}
	logger.Println("Shutdown complete")
	return nil
}

// logOutput returns the log destination, rotating via lumberjack when a file
// is configured.
func logOutput(cfg *config.Config) (io.Writer, func()) {
	if cfg.Log.File == "" {
		return os.Stderr, func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	return lj, func() { _ = lj.Close() }
}

// buildObjectStore selects S3 when a bucket is configured, otherwise the
// in-memory store for local development.
func buildObjectStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.Store, error) {
	if cfg.Storage.Bucket == "" {
		logger.Println("Warning: no storage bucket configured, durable copies are kept in memory")
		return storage.NewMemoryStore(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	return storage.NewS3Store(client, cfg.Storage.Bucket)
}
