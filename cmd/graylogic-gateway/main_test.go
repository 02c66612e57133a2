package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gateway/internal/kvstore"
	"github.com/nerrad567/gray-logic-gateway/migrations"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func newTestKV(t *testing.T) *kvstore.Store {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "gateway.db"),
		BusyTimeout: 5,
		Migrations:  migrations.FS,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return kvstore.New(db.DB)
}

// ===== Configuration =====

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("GRAYLOGIC_CONFIG", expected)
	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_InvalidEncryptionKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
gateway:
  id: gw-test-000000001
database:
  path: "`+dbPath+`"
cluster:
  encryption_key: "`+strings.Repeat("zz", 32)+`"
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "cipher") {
		t.Fatalf("run() error = %v, want cipher error", err)
	}
}

// ===== Identity =====

func TestResolveIdentity_SeedsOnce(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	first, err := resolveIdentity(ctx, kv, config.GatewayConfig{ID: "gw-first-0000001", MasterID: "gw-master-000001"})
	if err != nil {
		t.Fatal(err)
	}
	if first.GatewayID != "gw-first-0000001" || first.IsMaster || first.MasterID != "gw-master-000001" {
		t.Errorf("first identity = %+v", first)
	}

	second, err := resolveIdentity(ctx, kv, config.GatewayConfig{ID: "gw-other-0000002", MasterID: "gw-other-master"})
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("stored identity not preferred: %+v, want %+v", second, first)
	}
}

func TestResolveIdentity_MasterIsItsOwnMaster(t *testing.T) {
	kv := newTestKV(t)

	id, err := resolveIdentity(context.Background(), kv, config.GatewayConfig{ID: "gw-master-000001", IsMaster: true})
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsMaster || id.MasterID != id.GatewayID {
		t.Errorf("master identity = %+v", id)
	}
}

func TestResolveIdentity_GeneratesMissingID(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	id, err := resolveIdentity(ctx, kv, config.GatewayConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if len(id.GatewayID) != 26 {
		t.Errorf("generated id = %q, want a 26 character ULID", id.GatewayID)
	}
	again, _ := resolveIdentity(ctx, kv, config.GatewayConfig{})
	if again.GatewayID != id.GatewayID {
		t.Errorf("generated id not persisted: %q then %q", id.GatewayID, again.GatewayID)
	}
}

// ===== Wiring =====

func TestBrokerOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Backoff = config.BackoffConfig{
		InitialDelay:     2 * time.Second,
		MaxDelay:         30 * time.Second,
		Factor:           2,
		Jitter:           0.1,
		StartupOffsetMin: time.Second,
		StartupOffsetMax: 3 * time.Second,
	}
	cfg.Broker.OfflineGrace = 4 * time.Second
	cfg.Cluster.CorrelationCapacity = 42

	opts := brokerOptions(cfg)
	if opts.Backoff.Initial != 2*time.Second || opts.Backoff.Max != 30*time.Second || opts.Backoff.Factor != 2 || opts.Backoff.Jitter != 0.1 {
		t.Errorf("backoff = %+v", opts.Backoff)
	}
	if opts.StartupOffsetMin != time.Second || opts.StartupOffsetMax != 3*time.Second {
		t.Errorf("startup offset = %v..%v", opts.StartupOffsetMin, opts.StartupOffsetMax)
	}
	if opts.OfflineGrace != 4*time.Second || opts.CorrelationCapacity != 42 {
		t.Errorf("options = %+v", opts)
	}
	if opts.ReplayPause == 0 {
		t.Error("defaults not kept for unmapped fields")
	}
}

func TestNewCodec_Encryption(t *testing.T) {
	plain, err := newCodec(config.ClusterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	plain.Close()

	enc, err := newCodec(config.ClusterConfig{EncryptionKey: strings.Repeat("ab", 32)})
	if err != nil {
		t.Fatalf("newCodec() with key error = %v", err)
	}
	enc.Close()
}

// TestRun_StartupAndShutdown starts a full gateway against a real broker.
// Set GRAYLOGIC_TEST_BROKER=host:port to run it.
func TestRun_StartupAndShutdown(t *testing.T) {
	addr := os.Getenv("GRAYLOGIC_TEST_BROKER")
	if addr == "" {
		t.Skip("GRAYLOGIC_TEST_BROKER not set")
	}
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		t.Fatalf("GRAYLOGIC_TEST_BROKER = %q, want host:port", addr)
	}

	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
gateway:
  id: gw-run-test-0001
  is_master: true
database:
  path: "`+dbPath+`"
broker:
  transport: mqtt
  host: "`+host+`"
  port: `+port+`
  backoff:
    startup_offset_min: 1ms
    startup_offset_max: 2ms
logging:
  level: warn
  format: text
`))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not stop after cancellation")
	}
}
