package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xiot/watch/internal/app"
	"github.com/xiot/watch/internal/config"
	dbpkg "github.com/xiot/watch/internal/db"
	"github.com/xiot/watch/internal/grpcapi"
	"github.com/xiot/watch/internal/httpapi"
	"github.com/xiot/watch/internal/logging"
	"github.com/xiot/watch/internal/xiot/service"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

// newApp loads .env and the config, then assembles the app. The caller must
// defer a.Close().
func newApp(ctx context.Context) (*app.App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = os.Getenv("XIOT_CONFIG_FILE")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	logger, err := logging.New(cfg.Env, "xiot-server")
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "xiot-server",
	Short:        "Device heartbeat monitor and record store",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the change observers and the schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.Config
		logger := a.Logger
		logger.Infof("starting (env=%s, region=%s, store=%s)", cfg.Env, cfg.Region, cfg.Store)

		srv := httpapi.NewServer(httpapi.Dependencies{
			Logger:        logger.Named("http"),
			Addr:          cfg.HTTPAddr,
			Store:         a.Store,
			IngestService: a.Ingest,
			Jobs:          a.Scheduler,
			AuthSecret:    cfg.AuthSecret,
		})

		var health *grpcapi.HealthServer
		if cfg.GRPCAddr != "" {
			health = grpcapi.NewHealthServer(cfg.GRPCAddr, logger.Named("grpc"))
			go func() {
				if err := health.Start(); err != nil {
					logger.Errorf("grpc health error: %v", err)
				}
			}()
		}

		a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()

		go func() {
			logger.Infof("listening on %s", cfg.HTTPAddr)
			if err := srv.Start(); err != nil {
				logger.Errorf("server error: %v", err)
				stop()
			}
		}()
		if health != nil {
			health.SetServing(true)
		}

		<-ctx.Done()

		if health != nil {
			health.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

var checkPingCmd = &cobra.Command{
	Use:   "check-ping",
	Short: "Run the heartbeat monitor once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), service.JobCheckPing)
	},
}

var deleteOldCmd = &cobra.Command{
	Use:   "delete-old",
	Short: "Run the retention sweep once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), service.JobDeleteOldItems)
	},
}

func runJob(ctx context.Context, name string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Scheduler.RunNow(ctx, name)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup MAC",
	Short: "Delete every heartbeat, log and alert of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Cleanup.Run(cmd.Context(), args[0])
		fmt.Printf("Deleted %s records of %s\n", humanize.Comma(int64(n)), args[0])
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQLite schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		// Open runs the migrations.
		sqlDB, err := dbpkg.Open(cmd.Context(), dbpkg.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		version, dirty, err := dbpkg.Version(sqlDB)
		if err != nil {
			return err
		}
		fmt.Printf("Schema version %d (dirty=%t) at %s\n", version, dirty, cfg.DBPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (default $XIOT_CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkPingCmd)
	rootCmd.AddCommand(deleteOldCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(migrateCmd)
}
