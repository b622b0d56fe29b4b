// Test stand core: instrument control and telemetry for an RF plasma source.
//
// This is the main entry point. It connects to the RF generator (falling
// back to the built-in simulator when configured to), optionally to the
// high-voltage power supply, and then:
//   - polls RF telemetry on a fixed interval
//   - publishes snapshots and component health over MQTT
//   - exposes Prometheus metrics
//   - serves the HTTP control API with a SQLite command audit trail
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/api"
	"github.com/nerrad567/teststand-core/internal/audit"
	"github.com/nerrad567/teststand-core/internal/infrastructure/config"
	"github.com/nerrad567/teststand-core/internal/infrastructure/database"
	"github.com/nerrad567/teststand-core/internal/infrastructure/logging"
	"github.com/nerrad567/teststand-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
	"github.com/nerrad567/teststand-core/internal/metrics"
	"github.com/nerrad567/teststand-core/internal/rfgen"
	"github.com/nerrad567/teststand-core/internal/telemetry"
	"github.com/nerrad567/teststand-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Health topic component names.
const (
	componentCore = "core"
	componentRF   = "rf_generator"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Shutdown order matters: the API and poller stop before the instrument
// links close, so no exchange is in flight when a port goes away.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting test stand core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing useful to do on shutdown
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	m := metrics.New()

	// Instruments
	gen, err := openGenerator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing rf generator")
		if closeErr := gen.Close(); closeErr != nil {
			log.Error("error closing rf generator", "error", closeErr)
		}
	}()
	gen.SetLogger(log)
	gen.SetObserver(m)

	var supply *hvps.Supply
	if cfg.HVPS.Enabled {
		supply, err = hvps.Open(ctx, hvps.Config{
			Device:   cfg.HVPS.Device,
			Address:  cfg.HVPSAddress(),
			Timeout:  cfg.HVPSTimeout(),
			Channels: cfg.HVPS.Channels,
		})
		if err != nil {
			return fmt.Errorf("connecting to hvps: %w", err)
		}
		defer func() {
			log.Info("closing hvps")
			if closeErr := supply.Close(); closeErr != nil {
				log.Error("error closing hvps", "error", closeErr)
			}
		}()
		supply.SetLogger(log)
		supply.SetObserver(m)
		log.Info("hvps connected", "address", cfg.HVPSAddress(), "channels", supply.Channels())
	} else {
		log.Info("hvps disabled")
	}

	// Acquisition
	poller, err := acquisition.New(gen, acquisition.Config{
		Interval:   cfg.PollInterval(),
		SkipEnable: !cfg.Acquisition.EnableOnStart,
	})
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	poller.SetLogger(log)
	poller.AddSink(m)

	// Telemetry
	mqttClient, reporters := connectTelemetry(cfg, log, gen, poller)
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	// Audit trail
	var (
		db       *database.DB
		repo     audit.Repository
		recorder *audit.Recorder
	)
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, database.ConfigFrom(cfg.Database))
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database ready", "path", db.Path())

		repo = audit.NewSQLiteRepository(db.DB)
		recorder = audit.NewRecorder(repo, audit.SourceAPI)
		recorder.SetLogger(log)
	}

	// HTTP API
	var server *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			Logger:    log,
			Generator: gen,
			Poller:    poller,
			Supply:    supply,
			Audit:     recorder,
			DB:        db,
			Version:   version,
		}
		if repo != nil {
			deps.AuditRepo = repo
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = m.Handler()
			deps.MetricsPath = cfg.Metrics.Path
		}
		server, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	var srv apiServer
	if server != nil {
		srv = server
	}
	log.Info("acquisition configured", "interval", cfg.PollInterval(), "simulated", gen.Simulated())
	return serve(ctx, log, poller, reporters, recorder, srv)
}

// apiServer is the part of *api.Server that serve drives.
type apiServer interface {
	Start(ctx context.Context) error
	Close() error
}

// serve runs the long-lived parts of the core until ctx is cancelled or
// one of them fails. Whatever has been started is stopped before serve
// returns, including when the API server cannot bind.
func serve(ctx context.Context, log *logging.Logger, poller *acquisition.Poller,
	reporters []*telemetry.HealthReporter, recorder *audit.Recorder, server apiServer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if recorder != nil {
		g.Go(func() error {
			recorder.Run(gctx)
			return nil
		})
	}

	if err := poller.Start(gctx); err != nil {
		// The loop keeps running; readings show whether RF came up.
		log.Warn("rf output not enabled at start", "error", err)
	}

	for _, r := range reporters {
		r.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, cleaning up")

		var errs []error
		if server != nil {
			errs = append(errs, server.Close())
		}
		poller.Stop()
		for _, r := range reporters {
			r.Stop()
		}
		return errors.Join(errs...)
	})

	if server != nil {
		if err := server.Start(gctx); err != nil {
			cancel()
			return errors.Join(fmt.Errorf("starting API server: %w", err), g.Wait())
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	err := g.Wait()
	log.Info("test stand core stopped")
	return err
}

// openGenerator connects to the configured RF generator and pings it.
// When the generator is disabled, or unreachable with simulate_on_failure
// set, the built-in simulator is used instead.
//
// Parameters:
//   - ctx: Context for connection timeout/cancellation
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *rfgen.Generator: Connected (or simulated) generator
//   - error: If the generator cannot be reached and fallback is off
func openGenerator(ctx context.Context, cfg *config.Config, log *logging.Logger) (*rfgen.Generator, error) {
	if !cfg.RFGenerator.Enabled {
		log.Info("rf generator disabled, using simulator")
		gen, _, err := rfgen.OpenSimulated(ctx)
		return gen, err
	}

	gen, err := rfgen.Open(ctx, rfgen.Config{
		Device:   cfg.RFGenerator.Device,
		Resource: cfg.RFGenerator.Resource,
		Timeout:  cfg.RFTimeout(),
		BaudRate: cfg.RFGenerator.BaudRate,
	})
	if err == nil {
		var reply string
		if reply, err = gen.Ping(ctx); err == nil {
			log.Info("rf generator connected",
				"device", cfg.RFGenerator.Device,
				"resource", cfg.RFGenerator.Resource,
				"ping", reply,
			)
			return gen, nil
		}
		gen.Close() //nolint:errcheck // Replaced by the simulator or abandoned
	}

	if !cfg.RFGenerator.SimulateOnFailure {
		return nil, fmt.Errorf("connecting to rf generator: %w", err)
	}

	log.Warn("rf generator unavailable, falling back to simulator",
		"resource", cfg.RFGenerator.Resource,
		"error", err,
	)
	gen, _, err = rfgen.OpenSimulated(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting simulator: %w", err)
	}
	return gen, nil
}

// connectTelemetry connects to the broker and wires the snapshot publisher
// and health reporters. A broker that cannot be reached is logged and
// telemetry is skipped; the stand stays controllable through the API.
func connectTelemetry(cfg *config.Config, log *logging.Logger, gen *rfgen.Generator, poller *acquisition.Poller) (*mqtt.Client, []*telemetry.HealthReporter) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled, telemetry not published")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		log.Warn("MQTT unavailable, telemetry not published", "error", err)
		return nil, nil
	}
	client.SetLogger(log)
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	pub := telemetry.NewSnapshotPublisher(client, cfg.Site.ID, client.QoS())
	pub.SetLogger(log)
	pub.SetSimulated(gen.Simulated())
	poller.AddSink(pub)

	reporters := []*telemetry.HealthReporter{
		telemetry.NewHealthReporter(telemetry.HealthReporterConfig{
			Component: componentCore,
			Version:   version,
			Interval:  telemetry.DefaultHealthInterval,
			Publisher: client,
		}),
		telemetry.NewHealthReporter(telemetry.HealthReporterConfig{
			Component: componentRF,
			Version:   version,
			Interval:  telemetry.DefaultHealthInterval,
			Publisher: client,
			Source:    telemetry.PollerHealth(poller.Stats, gen.Simulated()),
		}),
	}
	for _, r := range reporters {
		r.SetLogger(log)
	}
	return client, reporters
}
