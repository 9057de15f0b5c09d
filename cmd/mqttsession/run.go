package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/spf13/cobra"

	"github.com/nerrad567/mqttsession/internal/api"
	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/fleet"
	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
	"github.com/nerrad567/mqttsession/internal/infrastructure/database"
	"github.com/nerrad567/mqttsession/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqttsession/internal/infrastructure/logging"
	"github.com/nerrad567/mqttsession/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttsession/internal/journal"
	"github.com/nerrad567/mqttsession/internal/metrics"
	"github.com/nerrad567/mqttsession/migrations"
)

const (
	// shutdownTimeout bounds the graceful disconnect of every session.
	shutdownTimeout = 15 * time.Second

	// statusInterval is how often fleet connectivity is written to InfluxDB.
	statusInterval = 30 * time.Second
)

func runCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the session daemon",
		Long: `Connect every configured session, journal their events and serve the
HTTP API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, load)
		},
	}
}

// run is the daemon, separated from the command for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - load: Loads the configuration
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, load configLoader) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting mqttsession",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, path, err := load()
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", path, "sessions", len(cfg.Sessions))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	mqtt.SetPahoLogger(log.Component("paho"))

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// The journal stays a nil interface when disabled.
	var journalRepo journal.Repository
	if cfg.Journal.Enabled {
		journalRepo = startJournal(ctx, cfg.Journal, db, log)
	} else {
		log.Info("event journal disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	collector := metrics.New()

	router := bus.NewRouter()
	router.SetLogger(log.Component("bus"))
	defer router.Close()

	provider := mqtt.NewProvider(router)
	provider.SetLogger(log.Component("mqtt"))
	defer func() {
		if closeErr := provider.Close(); closeErr != nil {
			log.Error("error closing MQTT provider", "error", closeErr)
		}
	}()

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)

	sinks, err := buildSinks(cfg, hub, collector, journalRepo, influxClient, log)
	if err != nil {
		return err
	}

	fl, err := fleet.New(cfg.Sessions, provider, router,
		fleet.WithSinks(sinks...),
		fleet.WithLogger(log.Component("fleet")),
		fleet.WithPublishObserver(collector),
	)
	if err != nil {
		return fmt.Errorf("creating session fleet: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("disconnecting sessions")
		if shutdownErr := fl.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error disconnecting sessions", "error", shutdownErr)
		}
	}()

	// Unreachable brokers are not fatal; their sessions report errors and
	// can be reconnected by restarting once the broker is back.
	if startErr := fl.Start(ctx); startErr != nil {
		log.Warn("some sessions failed to connect", "error", startErr)
	}
	connected, total := fl.Connected()
	log.Info("sessions started", "connected", connected, "total", total)

	if influxClient != nil {
		go fl.ReportStatus(ctx, influxClient, statusInterval)
	}

	checks := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     provider,
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	srv, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Fleet:    fl,
		Journal:  journalRepo,
		Metrics:  collector,
		Checks:   checks,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	sdnotify(log, daemon.SdNotifyReady)
	log.Info("initialisation complete, waiting for shutdown signal", "api", srv.Addr())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	sdnotify(log, daemon.SdNotifyStopping)

	// Deferred calls run in reverse order:
	// API server, sessions, MQTT provider, event router, InfluxDB, database.
	return nil
}

// startJournal creates the journal repository and starts its retainer.
func startJournal(ctx context.Context, cfg config.JournalConfig, db *database.DB, log *logging.Logger) journal.Repository {
	repo := journal.NewSQLiteRepository(db.DB, cfg.MaxPayload)

	if cfg.Retention > 0 {
		// A nil interface, not a nil *S3Archiver, when archiving is off.
		var archiver journal.Archiver
		if cfg.Archive.Enabled {
			archiver = journal.NewS3Archiver(cfg.Archive)
			log.Info("journal archive enabled", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
		}
		retainer := journal.NewRetainer(repo, archiver, cfg.RetentionDuration(), cfg.PruneEvery())
		retainer.SetLogger(log.Component("journal"))
		go retainer.Run(ctx)
	}

	log.Info("event journal enabled", "retention_hours", cfg.Retention, "max_payload", cfg.MaxPayload)
	return repo
}

// buildSinks assembles the fleet's event consumers. The hub and metrics are
// always present; the journal and InfluxDB only when enabled.
func buildSinks(cfg *config.Config, hub *api.Hub, collector *metrics.Collector, repo journal.Repository, influxClient *influxdb.Client, log *logging.Logger) ([]fleet.Sink, error) {
	metricsSink, err := fleet.NewMetricsSink(collector, cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("registering session metrics: %w", err)
	}

	sinks := []fleet.Sink{hub, metricsSink}
	if repo != nil {
		sinks = append(sinks, fleet.NewJournalSink(repo, log.Component("journal")))
	}
	if influxClient != nil {
		sinks = append(sinks, fleet.NewInfluxSink(influxClient))
	}
	return sinks, nil
}

// sdnotify reports daemon state to systemd. Outside systemd it is a no-op.
func sdnotify(log *logging.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", "state", state, "error", err)
	}
}
