package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	opts         *pahomqtt.ClientOptions
	connectErr   error
	open         bool
	subs         map[string]pahomqtt.MessageHandler
	published    []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.open = true
	}
	return doneToken(c.connectErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.open = false
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, qos, retained, payload.([]byte)})
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token     { return doneToken(nil) }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (c *fakeClient) deliver(filter, topic string, payload []byte) {
	c.mu.Lock()
	cb := c.subs[filter]
	c.mu.Unlock()
	cb(c, fakeMessage{topic: topic, payload: payload})
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Transport: "mqtt",
		Host:      "127.0.0.1",
		Port:      1883,
		ClientID:  "graylogic-test",
		QoS:       1,
	}
}

func newTestDialer(fc *fakeClient) *Dialer {
	d := NewDialer(testBrokerConfig(), nil)
	d.newClient = func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		fc.opts = opts
		if fc.subs == nil {
			fc.subs = make(map[string]pahomqtt.MessageHandler)
		}
		return fc
	}
	return d
}

func dialSession(t *testing.T, fc *fakeClient) *Session {
	t.Helper()
	sess, err := newTestDialer(fc).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return sess.(*Session)
}

// =============================================================================
// Dial Tests
// =============================================================================

func TestDial_Options(t *testing.T) {
	fc := &fakeClient{}
	d := newTestDialer(fc)
	built := 0
	d.SetWill(func() (broker.Message, error) {
		built++
		return broker.Message{RoutingKey: "ybo_gw/gw1/all/lib/gateway", Body: []byte("offline")}, nil
	})

	if _, err := d.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if got := fc.opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("broker = %s", got)
	}
	if fc.opts.AutoReconnect {
		t.Error("paho auto-reconnect must be off")
	}
	if !fc.opts.WillEnabled || fc.opts.WillTopic != "ybo_gw/gw1/all/lib/gateway" {
		t.Errorf("will = %v %q", fc.opts.WillEnabled, fc.opts.WillTopic)
	}
	if fc.opts.WillRetained {
		t.Error("will must not be retained")
	}
	will, err := decodeFrame(fc.opts.WillTopic, fc.opts.WillPayload)
	if err != nil || string(will.Body) != "offline" {
		t.Errorf("will payload = %q, %v", will.Body, err)
	}

	if _, err := d.Dial(context.Background()); err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	if built != 2 {
		t.Errorf("will built %d times, want once per dial", built)
	}
}

func TestDial_ResolverAndTLS(t *testing.T) {
	fc := &fakeClient{}
	d := newTestDialer(fc)
	d.resolve = broker.StaticResolver(broker.Endpoint{Host: "master.local", Port: 8883, TLS: true})

	if _, err := d.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fc.opts.Servers[0].String(); got != "ssl://master.local:8883" {
		t.Errorf("broker = %s", got)
	}
	if fc.opts.TLSConfig == nil || fc.opts.TLSConfig.ServerName != "master.local" {
		t.Error("TLS config not applied")
	}
}

func TestDial_Failures(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	if _, err := newTestDialer(fc).Dial(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Dial() error = %v, want ErrConnectionFailed", err)
	}

	d := newTestDialer(&fakeClient{})
	d.cfg.QoS = 3
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Dial() error = %v, want ErrInvalidQoS", err)
	}

	d = newTestDialer(&fakeClient{})
	d.resolve = func(context.Context) (broker.Endpoint, error) { return broker.Endpoint{}, errors.New("no endpoint") }
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Dial() error = %v, want ErrConnectionFailed", err)
	}
}

// =============================================================================
// Session Tests
// =============================================================================

func TestSession_BindingsBecomeSubscriptions(t *testing.T) {
	fc := &fakeClient{}
	s := dialSession(t, fc)
	ctx := context.Background()

	if err := s.BindQueue(ctx, broker.BindingParams{Queue: "gw", RoutingKey: "ybo_gw/+/all/#"}); err != nil {
		t.Fatal(err)
	}
	if len(fc.subs) != 0 {
		t.Fatal("subscribed before the queue had a consumer")
	}

	var got []broker.Delivery
	var mu sync.Mutex
	handler := func(_ context.Context, d broker.Delivery) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	}
	if err := s.Consume(ctx, broker.SubscriptionParams{Queue: "gw"}, handler); err != nil {
		t.Fatal(err)
	}
	if _, ok := fc.subs["ybo_gw/+/all/#"]; !ok {
		t.Fatal("bound filter not subscribed on Consume")
	}

	// Late binding on a consumed queue subscribes immediately.
	if err := s.BindQueue(ctx, broker.BindingParams{Queue: "gw", RoutingKey: "ybo_req/+/gw1/#"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := fc.subs["ybo_req/+/gw1/#"]; !ok {
		t.Fatal("late binding not subscribed")
	}

	frame, _ := encodeFrame(broker.Message{Body: []byte("hi"), CorrelationID: "c1"})
	fc.deliver("ybo_gw/+/all/#", "ybo_gw/gw2/all/lib/atoms", frame)
	fc.deliver("ybo_gw/+/all/#", "ybo_gw/gw2/all/lib/atoms", []byte("not a frame"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1 (bad frame dropped)", len(got))
	}
	if got[0].RoutingKey != "ybo_gw/gw2/all/lib/atoms" || got[0].Queue != "gw" || got[0].CorrelationID != "c1" {
		t.Errorf("delivery = %+v", got[0])
	}
}

func TestSession_HandlerPanicRecovered(t *testing.T) {
	fc := &fakeClient{}
	s := dialSession(t, fc)
	ctx := context.Background()

	s.BindQueue(ctx, broker.BindingParams{Queue: "q", RoutingKey: "t/#"}) //nolint:errcheck // Test setup
	s.Consume(ctx, broker.SubscriptionParams{Queue: "q"}, func(context.Context, broker.Delivery) {
		panic("boom")
	}) //nolint:errcheck // Test setup

	frame, _ := encodeFrame(broker.Message{})
	fc.deliver("t/#", "t/x", frame) // must not panic
}

func TestSession_Publish(t *testing.T) {
	fc := &fakeClient{}
	s := dialSession(t, fc)
	ctx := context.Background()

	msg := broker.Message{RoutingKey: "ybo_gw/gw1/all/lib/states", Body: []byte(`{"a":1}`), UserID: "gw1"}
	if err := s.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(fc.published) != 1 {
		t.Fatalf("published = %d", len(fc.published))
	}
	p := fc.published[0]
	if p.topic != msg.RoutingKey || p.qos != 1 || p.retained {
		t.Errorf("published = %+v", p)
	}
	back, err := decodeFrame(p.topic, p.payload)
	if err != nil || back.UserID != "gw1" || string(back.Body) != `{"a":1}` {
		t.Errorf("frame = %+v, %v", back, err)
	}

	if err := s.Publish(ctx, broker.Message{}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	big := broker.Message{RoutingKey: "t", Body: make([]byte, maxPayloadSize+1)}
	if err := s.Publish(ctx, big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversize error = %v", err)
	}
}

func TestSession_ErrorsWrapBrokerSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not connected", ErrNotConnected, broker.ErrNotConnected},
		{"empty topic", ErrInvalidTopic, broker.ErrUndeliverable},
		{"oversize", ErrPayloadTooLarge, broker.ErrUndeliverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.want)
			}
		})
	}

	fc := &fakeClient{}
	s := dialSession(t, fc)
	big := broker.Message{RoutingKey: "t", Body: make([]byte, maxPayloadSize+1)}
	if err := s.Publish(context.Background(), big); !errors.Is(err, broker.ErrUndeliverable) {
		t.Errorf("oversize Publish() error = %v, want broker.ErrUndeliverable", err)
	}
	s.Close() //nolint:errcheck // Test cleanup
	if err := s.Publish(context.Background(), broker.Message{RoutingKey: "t"}); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want broker.ErrNotConnected", err)
	}
}

func TestSession_CloseAndLoss(t *testing.T) {
	fc := &fakeClient{}
	s := dialSession(t, fc)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !fc.disconnected {
		t.Error("Close() did not disconnect")
	}
	select {
	case err := <-s.NotifyClose():
		if err != nil {
			t.Errorf("clean close cause = %v", err)
		}
	default:
		t.Fatal("NotifyClose() not signalled")
	}
	if err := s.Publish(context.Background(), broker.Message{RoutingKey: "t"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish after Close error = %v", err)
	}

	// Connection loss reported by paho.
	fc2 := &fakeClient{}
	s2 := dialSession(t, fc2)
	lost := errors.New("EOF")
	fc2.opts.OnConnectionLost(fc2, lost)
	fc2.opts.OnConnectionLost(fc2, lost) // second report ignored
	if err := <-s2.NotifyClose(); !errors.Is(err, lost) {
		t.Errorf("loss cause = %v", err)
	}
	if s2.ctx.Err() == nil {
		t.Error("handler context not cancelled on loss")
	}
}

// =============================================================================
// Frame Tests
// =============================================================================

func TestFrame_RoundTrip(t *testing.T) {
	ts := time.UnixMilli(1_772_000_000_123)
	in := broker.Message{
		RoutingKey:         "ybo_gw/a/b/lib/atoms",
		Body:               []byte{0, 1, 2, 'G'},
		ContentType:        "application/json",
		ContentEncoding:    "zstd",
		MessageID:          "m1",
		UserID:             "gw1",
		CorrelationID:      "c1",
		ReplyCorrelationID: "r1",
		Timestamp:          ts,
	}
	raw, err := encodeFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeFrame(in.RoutingKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Body) != string(in.Body) || out.MessageID != "m1" || out.ReplyCorrelationID != "r1" ||
		out.ContentEncoding != "zstd" || !out.Timestamp.Equal(ts) {
		t.Errorf("decoded = %+v", out)
	}
}

func TestFrame_DecodeRejects(t *testing.T) {
	good, _ := encodeFrame(broker.Message{Body: []byte("x")})
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"wrong magic", append([]byte{'X'}, good[1:]...)},
		{"wrong version", append([]byte{frameMagic, 9}, good[2:]...)},
		{"header overruns", []byte{frameMagic, frameVersion, 0x7f, '{'}},
		{"header not json", []byte{frameMagic, frameVersion, 0x01, '!'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeFrame("t", tt.payload); !errors.Is(err, ErrBadFrame) {
				t.Errorf("decodeFrame() error = %v, want ErrBadFrame", err)
			}
		})
	}
}
