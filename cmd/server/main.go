// Command server runs the camfleet daemon: it owns the data root, opens
// the store, starts the orchestrator, scanner, relay publisher and metrics
// collector, and serves the admin HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/camfleet/camfleet/internal/analytics"
	"github.com/camfleet/camfleet/internal/api"
	"github.com/camfleet/camfleet/internal/camera"
	"github.com/camfleet/camfleet/internal/config"
	"github.com/camfleet/camfleet/internal/crypto"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/metrics"
	"github.com/camfleet/camfleet/internal/platform/lockfile"
	"github.com/camfleet/camfleet/internal/platform/paths"
	"github.com/camfleet/camfleet/internal/relay"
	"github.com/camfleet/camfleet/internal/scan"
	"github.com/camfleet/camfleet/internal/stream"

	_ "github.com/camfleet/camfleet/internal/protocols/onvif"
	_ "github.com/camfleet/camfleet/internal/protocols/rtsp"
	_ "github.com/camfleet/camfleet/internal/protocols/vendorhttp"
)

func main() {
	var (
		configPath = flag.String("config", "", "bootstrap config file (default <data-root>/config/config.yaml)")
		dataRoot   = flag.String("data-root", "", "data root override (default $CAMFLEET_DATA_ROOT or ~/.camfleet)")
	)
	flag.Parse()

	layout := paths.Resolve(*dataRoot)
	bootPath := *configPath
	if bootPath == "" {
		bootPath = filepath.Join(layout.ConfigDir(), "config.yaml")
	}
	boot, err := config.LoadBootstrap(bootPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camfleet: %v\n", err)
		os.Exit(1)
	}
	if *dataRoot == "" && boot.DataRoot != "" {
		layout = paths.Resolve(boot.DataRoot)
	}

	log.Configure(log.Config{Level: boot.LogLevel, Service: "camfleet", Pretty: boot.LogPretty})
	logger := log.WithComponent("main")

	if err := layout.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("data root not usable")
	}
	lock, err := lockfile.Acquire(layout.LockFile())
	if err != nil {
		logger.Fatal().Err(err).Str("lock", layout.LockFile()).Msg("data root is already in use")
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	dialect := data.Dialect(boot.DB.Driver)
	dsn := boot.DB.DSN
	if dialect == data.DialectSQLite && dsn == "" {
		dsn = layout.DatabaseFile()
	}
	db, err := data.Open(dialect, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("database open failed")
	}
	if err := data.Migrate(db, dialect); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	store := data.NewStore(db, dialect, layout, data.StoreOptions{
		CacheTTL:       time.Duration(boot.Storage.CacheTTLHours) * time.Hour,
		BackupInterval: time.Duration(boot.Storage.BackupIntervalHours) * time.Hour,
		RetentionDays:  boot.Storage.AutoCleanupDays,
	})
	store.StartMaintenance(ctx)
	defer store.Close()

	// Runtime config registry. A missing secret box only disables
	// persisting password-typed values.
	box, err := crypto.LoadSecretBox(layout.SecretKeyFile())
	if err != nil {
		logger.Warn().Err(err).Msg("secret key unavailable, sensitive config values will not persist")
		box = nil
	}
	registry := config.NewRegistry(store, box)
	if err := registry.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("runtime config load failed, continuing with defaults")
	}
	exportConfigs(ctx, registry, store, layout)

	// Events.
	bus := events.NewBus()
	defer bus.Close()

	if boot.NATS.URL != "" {
		nc, err := nats.Connect(boot.NATS.URL, nats.Name("camfleet"))
		if err != nil {
			logger.Warn().Err(err).Str("url", boot.NATS.URL).Msg("nats connect failed, event forwarding disabled")
		} else {
			defer nc.Close()
			forwarder := events.NewForwarder(nc, boot.NATS.SubjectPrefix, boot.NATS.MaxRetries)
			forwarder.Attach(bus)
			defer forwarder.Detach()
			logger.Info().Str("url", boot.NATS.URL).Msg("event forwarding enabled")
		}
	}

	// Camera orchestration.
	orch := camera.NewOrchestrator(camera.OrchestratorConfig{
		MaxConcurrent: boot.Orchestrator.MaxConcurrentConnections,
		MaxPerCamera:  boot.Orchestrator.MaxConnectionsPerCamera,
		Connection: camera.ConnectionConfig{
			Timeout:             boot.Orchestrator.ConnectionTimeout,
			HealthCheckInterval: boot.Orchestrator.HealthCheckInterval,
		},
		RetryInterval: boot.Orchestrator.RetryInterval,
		RetryFailed:   boot.Orchestrator.RetryFailedConnections,
	}, bus)
	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("orchestrator start failed")
	}
	streams := stream.NewManager(bus, stream.Config{})
	core := camera.NewCore(orch, streams, bus, camera.WithSnapshotSink(store))

	// Scanner.
	scans := scan.NewCoordinator(scanConfig(boot), layout, bus, store)
	if err := scans.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scan coordinator start failed")
	}

	// Relay publishing, optional.
	var publisher *relay.Publisher
	if boot.Relay.BaseURL != "" {
		secret := boot.Relay.JWTSecret
		if secret == "" {
			secret = uuid.NewString()
			logger.Warn().Msg("relay jwt secret not set, viewer tokens will not survive a restart")
		}
		issuer := relay.NewTokenIssuer(secret, boot.Relay.SessionTTL)
		client := relay.NewClient(relay.ClientConfig{
			BaseURL:        boot.Relay.BaseURL,
			RequestTimeout: boot.Relay.RequestTimeout,
			FailureTrip:    boot.Relay.FailureTrip,
		})

		var sessions *relay.SessionStore
		if boot.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     boot.Redis.Addr,
				Password: boot.Redis.Password,
				DB:       boot.Redis.DB,
			})
			defer rdb.Close()
			sessions = relay.NewSessionStore(rdb, boot.Relay.SessionTTL, boot.Relay.MaxViewers)
		} else {
			logger.Warn().Msg("redis not configured, viewer sessions disabled")
		}

		publisher = relay.NewPublisher(client, issuer, sessions)
		publisher.Start(ctx)
		logger.Info().Str("relay", boot.Relay.BaseURL).Msg("relay publishing enabled")
	}

	// Analytics sidecar, optional; hooks stay attached either way so a
	// future sidecar sees the same traffic.
	hooks := analytics.AttachHooks(bus, analytics.NopHooks{})
	defer hooks.Unsubscribe()

	var prober *analytics.Prober
	if boot.Analytics.Endpoint != "" {
		prober, err = analytics.NewProber(analytics.ProberConfig{
			Endpoint: boot.Analytics.Endpoint,
			Interval: boot.Analytics.ProbeInterval,
		}, bus)
		if err != nil {
			logger.Warn().Err(err).Msg("analytics probe disabled")
		} else {
			prober.Start(ctx)
		}
	}

	// Metrics.
	mcfg := metrics.Config{
		Connections: core,
		Streams:     core,
		Scans:       scans,
		Storage:     store,
		DataDir:     layout.DataDir(),
		PerCamera:   true,
	}
	if publisher != nil {
		mcfg.Viewers = publisher
	}
	collector := metrics.NewCollector(mcfg)
	go collector.Start(ctx)

	// Admin surface.
	srv := api.NewServer(api.Config{
		Core:    core,
		Store:   store,
		Scans:   scans,
		Bus:     bus,
		Relay:   publisher,
		Metrics: collector.Handler(),
	})
	httpServer := &http.Server{
		Addr:              boot.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", boot.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Hot reload applies the reloadable subset: log level and scan
	// tunables. Everything else needs a restart.
	config.WatchBootstrap(ctx, bootPath, func(nb config.Bootstrap) {
		log.SetLevel(nb.LogLevel)
		scans.Retune(scanConfig(nb))
	})

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	scans.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	if prober != nil {
		prober.Stop()
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("orchestrator drain incomplete")
	}
	exportConfigs(shutdownCtx, registry, store, layout)
	logger.Info().Msg("stopped")
}

// scanConfig maps the bootstrap scan block onto coordinator tunables; it
// runs again on config reload.
func scanConfig(b config.Bootstrap) scan.Config {
	return scan.Config{
		MaxConcurrent:    b.Scan.MaxConcurrentScans,
		ProbeTimeout:     b.Scan.DefaultTimeout,
		ProbeConcurrency: b.Scan.ProbeConcurrency,
		CacheTTL:         b.Scan.CacheTTL,
		MaxCacheEntries:  b.Scan.MaxCacheEntries,
		MaxCompleted:     b.Scan.MaxCompletedScans,
		HistoryRetention: time.Duration(b.Scan.HistoryRetentionDays) * 24 * time.Hour,
	}
}

// exportConfigs mirrors the registry and the saved camera profiles to the
// config dir for external tooling. Failures are logged, never fatal.
func exportConfigs(ctx context.Context, registry *config.Registry, store *data.Store, layout paths.Layout) {
	logger := log.WithComponent("main")
	if err := registry.ExportAppConfig(layout.AppConfigFile()); err != nil {
		logger.Warn().Err(err).Msg("app config export failed")
	}
	if err := registry.ExportCredentials(layout.CredentialsFile()); err != nil {
		logger.Warn().Err(err).Msg("credentials export failed")
	}
	if err := store.ExportProfiles(ctx, layout.ProfilesFile()); err != nil {
		logger.Warn().Err(err).Msg("profiles export failed")
	}
}
