package cluster

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/device"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gateway/internal/variables"
	"github.com/nerrad567/gray-logic-gateway/migrations"
)

// Gateway ids long enough to be pinged.
const (
	gwLocal  = "gw-local-000001"
	gwPeer   = "gw-peer-0000002"
	gwMaster = "gw-master-00003"
)

// fakeTransport records everything Sync hands to the broker.
type fakeTransport struct {
	mu            sync.Mutex
	exchanges     []broker.ExchangeParams
	queues        []broker.QueueParams
	bindings      []broker.BindingParams
	subscriptions []broker.SubscriptionParams
	published     []broker.Message
	lanes         []broker.Lane
	onConnect     []func()

	tracker *broker.Tracker[broker.Message]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{tracker: broker.NewTracker[broker.Message](16)}
}

func (f *fakeTransport) RegisterExchange(p broker.ExchangeParams, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, p)
	return nil
}

func (f *fakeTransport) RegisterQueue(p broker.QueueParams, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, p)
	return nil
}

func (f *fakeTransport) RegisterBinding(p broker.BindingParams, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, p)
	return nil
}

func (f *fakeTransport) Subscribe(p broker.SubscriptionParams, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, p)
	return nil
}

func (f *fakeTransport) Publish(msg broker.Message, lane broker.Lane) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.lanes = append(f.lanes, lane)
	return nil
}

func (f *fakeTransport) Request(msg broker.Message, lane broker.Lane, reqCtx any) (*broker.Pending[broker.Message], error) {
	p, err := f.tracker.Track(msg.CorrelationID, reqCtx)
	if err != nil {
		return nil, err
	}
	f.tracker.MarkSent(p.ID)
	if err := f.Publish(msg, lane); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *fakeTransport) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, fn)
}

// connect fires the registered connect callbacks.
func (f *fakeTransport) connect() {
	f.mu.Lock()
	fns := append([]func(){}, f.onConnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeTransport) messages() []broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Message(nil), f.published...)
}

// recordingMetrics counts the sync metrics it receives.
type recordingMetrics struct {
	noopSink
	mu      sync.Mutex
	dropped map[string]int
	pings   map[string]time.Duration
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{dropped: make(map[string]int), pings: make(map[string]time.Duration)}
}

func (m *recordingMetrics) IncDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *recordingMetrics) ObservePing(gw string, rtt, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings[gw] = rtt
}

func (m *recordingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

type harness struct {
	sync      *Sync
	transport *fakeTransport
	codec     *envelope.Codec
	hooks     *hooks.Dispatcher
	devices   *device.Registry
	atoms     *variables.Store
	states    *variables.Store
	metrics   *recordingMetrics
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "cluster.db"),
		BusyTimeout: 5,
		Migrations:  migrations.FS,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// testOptions keeps timers short and pings out of the way.
func testOptions(id string) Options {
	return Options{
		GatewayID:         id,
		MasterID:          gwMaster,
		IsMaster:          id == gwMaster,
		PingInterval:      time.Hour,
		AnnounceDelay:     5 * time.Millisecond,
		ResyncJitterMin:   time.Millisecond,
		ResyncJitterMax:   2 * time.Millisecond,
		ResyncMinInterval: time.Hour,
	}
}

// newHarness builds a started Sync for opts.GatewayID with devices
// dev-local (owned locally) and dev-peer (owned by gwPeer).
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	codec, err := envelope.NewCodec(envelope.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(codec.Close)

	d := hooks.New()
	reg := device.NewRegistry(device.NewSQLiteRepository(setupTestDB(t).DB), d)
	for _, dev := range []*device.Device{
		{ID: "dev-local", GatewayID: opts.GatewayID, Label: "Local lamp", Type: "light"},
		{ID: "dev-peer", GatewayID: gwPeer, Label: "Peer lamp", Type: "light"},
	} {
		if err := reg.Create(ctx, dev); err != nil {
			t.Fatalf("Create(%s) error = %v", dev.ID, err)
		}
	}

	h := &harness{
		transport: newFakeTransport(),
		codec:     codec,
		hooks:     d,
		devices:   reg,
		atoms:     variables.New(variables.Atoms, opts.GatewayID, d),
		states:    variables.New(variables.States, opts.GatewayID, d),
		metrics:   newRecordingMetrics(),
	}
	s, err := New(Deps{
		Transport: h.transport,
		Codec:     codec,
		Atoms:     h.atoms,
		States:    h.states,
		Devices:   reg,
		Hooks:     d,
	}, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.SetMetrics(h.metrics)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx) //nolint:errcheck // Test cleanup
	})
	h.sync = s
	return h
}

// deliver encodes an envelope as a peer would and hands it to the sync.
func (h *harness) deliver(t *testing.T, env envelope.Envelope) {
	t.Helper()
	topic, data, err := h.codec.Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	h.sync.HandleDelivery(context.Background(), broker.Delivery{
		Message: broker.Message{RoutingKey: topic, Body: data},
	})
}

func (h *harness) deliverData(t *testing.T, src, dest, name string, payload any) {
	t.Helper()
	env, err := envelope.New(envelope.MessageData, src, dest, envelope.ComponentLib, name, payload)
	if err != nil {
		t.Fatal(err)
	}
	h.deliver(t, env)
}

// sent decodes everything published so far.
func (h *harness) sent(t *testing.T) []envelope.Envelope {
	t.Helper()
	var out []envelope.Envelope
	for _, msg := range h.transport.messages() {
		env, err := h.codec.Decode(msg.RoutingKey, msg.Body)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", msg.RoutingKey, err)
		}
		out = append(out, env)
	}
	return out
}

// sentTo filters sent envelopes by destination and component name.
func (h *harness) sentTo(t *testing.T, dest, name string) []envelope.Envelope {
	t.Helper()
	var out []envelope.Envelope
	for _, env := range h.sent(t) {
		if env.DestinationID == dest && (name == "" || env.ComponentName == name) {
			out = append(out, env)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
