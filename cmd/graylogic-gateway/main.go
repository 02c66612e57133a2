// Gray Logic Gateway - fleet messaging and synchronisation
//
// This is the main entry point for a Gray Logic gateway. A gateway keeps one
// logical broker connection, announces itself to the fleet, exchanges atoms,
// states and device traffic with its peers, and measures their reachability.
// The master gateway additionally supervises the fleet's mosquitto broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-gateway/internal/api"
	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/cluster"
	"github.com/nerrad567/gray-logic-gateway/internal/device"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/amqp"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/cipher"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-gateway/internal/kvstore"
	"github.com/nerrad567/gray-logic-gateway/internal/mosquitto"
	"github.com/nerrad567/gray-logic-gateway/internal/variables"
	"github.com/nerrad567/gray-logic-gateway/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds the whole shutdown sequence.
	shutdownTimeout = 10 * time.Second

	// laneDepthInterval is how often queue depths are written to InfluxDB.
	laneDepthInterval = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// identity is who this gateway is within the fleet.
type identity struct {
	GatewayID string
	IsMaster  bool
	MasterID  string
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "transport", cfg.Broker.Transport)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
		Migrations:  migrations.FS,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	kv := kvstore.New(db.DB)
	id, err := resolveIdentity(ctx, kv, cfg.Gateway)
	if err != nil {
		return fmt.Errorf("resolving gateway identity: %w", err)
	}
	log = log.WithGateway(id.GatewayID)
	log.Info("gateway identity resolved", "master", id.IsMaster, "master_id", id.MasterID)

	codec, err := newCodec(cfg.Cluster)
	if err != nil {
		return err
	}
	defer codec.Close()

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	var influx *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influx, err = influxdb.Connect(ctx, cfg.InfluxDB, id.GatewayID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Local state and the hooks that carry its changes to the fleet.
	dispatcher := hooks.New()
	dispatcher.SetLogger(log.Component("hooks"))

	atoms := variables.New(variables.Atoms, id.GatewayID, dispatcher)
	atoms.SetLogger(log.Component("atoms"))
	states := variables.New(variables.States, id.GatewayID, dispatcher)
	states.SetLogger(log.Component("states"))

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB), dispatcher)
	devices.SetLogger(log.Component("devices"))
	if err := devices.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	log.Info("device registry loaded", "devices", len(devices.List()))

	if id.IsMaster {
		mq, mqErr := startMosquitto(ctx, cfg.Mosquitto, m, log)
		if mqErr != nil {
			return mqErr
		}
		defer func() {
			if stopErr := mq.Stop(); stopErr != nil {
				log.Error("error stopping mosquitto", "error", stopErr)
			}
		}()
	}

	// Broker connection. Slaves probe the master's endpoints; the master
	// talks to its own broker directly.
	var selector *cluster.Selector
	var resolve broker.Resolver
	if !id.IsMaster {
		selector = cluster.NewSelector(
			cluster.Candidates(cfg.Broker.Endpoints),
			broker.Endpoint{Host: cfg.Broker.Host, Port: cfg.Broker.Port, TLS: cfg.Broker.TLS},
			cluster.DialProbe(cfg.Broker.Endpoints.ProbeTimeout),
			kv,
		)
		selector.SetLogger(log.Component("endpoint"))
		selector.SetMetrics(m)
		resolve = selector.Resolve
	}

	var mqttDialer *mqtt.Dialer
	var dialer broker.Dialer
	switch cfg.Broker.Transport {
	case "amqp":
		d := amqp.NewDialer(cfg.Broker, resolve)
		d.SetLogger(log.Component("amqp"))
		dialer = d
	default:
		mqttDialer = mqtt.NewDialer(cfg.Broker, resolve)
		mqttDialer.SetLogger(log.Component("mqtt"))
		dialer = mqttDialer
	}

	manager := broker.New(dialer, brokerOptions(cfg))
	manager.SetLogger(log.Component("broker"))
	manager.SetMetrics(m)
	manager.OnConnect(func() {
		log.Info("broker connected")
	})
	manager.OnDisconnect(func(err error) {
		log.Warn("broker disconnected", "error", err)
		if selector != nil {
			selector.Invalidate()
		}
	})

	syncer, err := cluster.New(cluster.Deps{
		Transport: manager,
		Codec:     codec,
		Atoms:     atoms,
		States:    states,
		Devices:   devices,
		Hooks:     dispatcher,
	}, cluster.OptionsFrom(cfg, id.GatewayID, id.MasterID, id.IsMaster))
	if err != nil {
		return fmt.Errorf("creating cluster sync: %w", err)
	}
	syncer.SetLogger(log.Component("cluster"))
	syncer.SetMetrics(m)
	if influx != nil {
		syncer.SetTelemetry(influx)
	}

	if _, err := syncer.OfflineMessage(); err != nil {
		return fmt.Errorf("building last will: %w", err)
	}
	manager.SetLastWill(syncer.OfflineMessage)
	if mqttDialer != nil {
		mqttDialer.SetWill(syncer.OfflineMessage)
	}

	if err := syncer.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster sync: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting broker manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		diag := api.New(api.Deps{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			Metrics:     m.Handler(),
			Cluster:     syncer,
			Peers:       syncer.Peers(),
			Broker:      manager,
			Logger:      log.Component("api"),
			Version:     version,
		})
		g.Go(func() error {
			log.Info("diagnostics listening", "listen", cfg.Metrics.Listen, "metrics_path", cfg.Metrics.Path)
			return diag.Serve(gctx)
		})
	}
	if influx != nil {
		g.Go(func() error {
			recordLaneDepths(gctx, manager.Queue(), influx)
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := syncer.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping cluster sync: %w", err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing broker manager: %w", err))
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	log.Info("Gray Logic Gateway stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// resolveIdentity seeds the KV store from configuration on first start and
// returns the stored identity afterwards. A missing gateway id is generated.
func resolveIdentity(ctx context.Context, kv *kvstore.Store, gw config.GatewayConfig) (identity, error) {
	seedID := gw.ID
	if seedID == "" {
		seedID = envelope.NewID()
	}
	gwID, err := kvstore.Seed(ctx, kv, kvstore.KeyGatewayID, seedID)
	if err != nil {
		return identity{}, err
	}
	isMaster, err := kvstore.Seed(ctx, kv, kvstore.KeyIsMaster, gw.IsMaster)
	if err != nil {
		return identity{}, err
	}

	seedMaster := gw.MasterID
	if isMaster {
		seedMaster = gwID
	}
	masterID, err := kvstore.Seed(ctx, kv, kvstore.KeyMasterGatewayID, seedMaster)
	if err != nil {
		return identity{}, err
	}
	if isMaster && masterID != gwID {
		if err := kv.Set(ctx, kvstore.KeyMasterGatewayID, gwID); err != nil {
			return identity{}, err
		}
		masterID = gwID
	}
	return identity{GatewayID: gwID, IsMaster: isMaster, MasterID: masterID}, nil
}

// newCodec builds the envelope codec, encrypting payloads when a cluster
// key is configured.
func newCodec(cfg config.ClusterConfig) (*envelope.Codec, error) {
	codecCfg := envelope.Config{CompressionThreshold: cfg.CompressionThreshold}
	if cfg.EncryptionKey != "" {
		c, err := cipher.NewAESGCM(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("creating payload cipher: %w", err)
		}
		codecCfg.Cipher = c
	}
	codec, err := envelope.NewCodec(codecCfg)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}
	return codec, nil
}

// brokerOptions maps configuration onto the connection manager.
func brokerOptions(cfg *config.Config) broker.Options {
	opts := broker.DefaultOptions()
	b := cfg.Broker.Backoff
	opts.Backoff.Initial = b.InitialDelay
	opts.Backoff.Max = b.MaxDelay
	opts.Backoff.Factor = b.Factor
	opts.Backoff.Jitter = b.Jitter
	opts.StartupOffsetMin = b.StartupOffsetMin
	opts.StartupOffsetMax = b.StartupOffsetMax
	opts.OfflineGrace = cfg.Broker.OfflineGrace
	opts.CorrelationCapacity = cfg.Cluster.CorrelationCapacity
	return opts
}

func startMosquitto(ctx context.Context, cfg config.MosquittoConfig, m *metrics.Metrics, log *logging.Logger) (*mosquitto.Manager, error) {
	mq, err := mosquitto.NewManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mosquitto manager: %w", err)
	}
	mq.SetLogger(log.Component("mosquitto"))
	mq.SetMetrics(m)
	if err := mq.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mosquitto: %w", err)
	}
	if err := mq.HealthCheck(ctx); err != nil {
		_ = mq.Stop() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("mosquitto health check: %w", err)
	}
	return mq, nil
}

// laneDepths is the delivery queue surface recordLaneDepths reads.
type laneDepths interface {
	Len(l broker.Lane) int
}

// depthRecorder receives lane depth points. *influxdb.Client satisfies it.
type depthRecorder interface {
	RecordLaneDepth(lane string, depth int)
}

func recordLaneDepths(ctx context.Context, q laneDepths, rec depthRecorder) {
	ticker := time.NewTicker(laneDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range []broker.Lane{broker.LaneHigh, broker.LaneNormal, broker.LaneLow} {
				rec.RecordLaneDepth(l.String(), q.Len(l))
			}
		}
	}
}
