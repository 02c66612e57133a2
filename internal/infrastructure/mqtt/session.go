package mqtt

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Dialer opens MQTT sessions for the broker manager.
type Dialer struct {
	cfg     config.BrokerConfig
	resolve broker.Resolver

	mu     sync.Mutex
	will   broker.WillFunc
	logger Logger

	// newClient is replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewDialer creates a Dialer. resolve picks the endpoint for each dial; nil
// means cfg.Host and cfg.Port.
func NewDialer(cfg config.BrokerConfig, resolve broker.Resolver) *Dialer {
	if resolve == nil {
		resolve = broker.StaticResolver(broker.Endpoint{Host: cfg.Host, Port: cfg.Port, TLS: cfg.TLS})
	}
	return &Dialer{
		cfg:       cfg,
		resolve:   resolve,
		logger:    noopLogger{},
		newClient: pahomqtt.NewClient,
	}
}

// SetLogger sets a logger for error and panic logging.
func (d *Dialer) SetLogger(logger Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// SetWill sets the builder of the message the broker publishes if a
// session drops uncleanly. It is called on every dial.
func (d *Dialer) SetWill(build broker.WillFunc) {
	d.mu.Lock()
	d.will = build
	d.mu.Unlock()
}

// Dial connects once. It never retries; the broker manager does.
func (d *Dialer) Dial(ctx context.Context) (broker.Session, error) {
	if d.cfg.QoS < 0 || d.cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	ep, err := d.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving endpoint: %w", ErrConnectionFailed, err)
	}

	d.mu.Lock()
	buildWill := d.will
	logger := d.logger
	d.mu.Unlock()

	qos := byte(d.cfg.QoS)
	opts := buildClientOptions(d.cfg, ep, clientID(d.cfg))
	if buildWill != nil {
		will, err := buildWill()
		if err != nil {
			return nil, fmt.Errorf("building will: %w", err)
		}
		if err := configureWill(opts, will, qos); err != nil {
			return nil, err
		}
	}

	s := newSession(qos, logger)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.signalClosed(err)
	})

	s.client = d.newClient(opts)
	if err := waitToken(ctx, s.client.Connect(), defaultConnectTimeout); err != nil {
		s.cancel()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, ep, err)
	}
	return s, nil
}

// Session is one MQTT connection.
//
// MQTT has no exchanges or queues. Queues exist only as names grouping
// bindings; each binding's routing key is subscribed as a topic filter once
// the queue has a consumer.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Session struct {
	client pahomqtt.Client
	qos    byte
	logger Logger

	mu        sync.Mutex
	bindings  map[string][]string
	consumers map[string]broker.Handler

	ctx       context.Context
	cancel    context.CancelFunc
	closeCh   chan error
	closeOnce sync.Once
}

func newSession(qos byte, logger Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		qos:       qos,
		logger:    logger,
		bindings:  make(map[string][]string),
		consumers: make(map[string]broker.Handler),
		ctx:       ctx,
		cancel:    cancel,
		closeCh:   make(chan error, 1),
	}
}

// DeclareExchange is a no-op for MQTT.
func (s *Session) DeclareExchange(context.Context, broker.ExchangeParams) error { return nil }

// DeclareQueue is a no-op for MQTT.
func (s *Session) DeclareQueue(context.Context, broker.QueueParams) error { return nil }

// BindQueue records a topic filter for the queue, subscribing at once if the
// queue is already consumed.
func (s *Session) BindQueue(ctx context.Context, p broker.BindingParams) error {
	if p.RoutingKey == "" {
		return ErrInvalidTopic
	}

	s.mu.Lock()
	if !slices.Contains(s.bindings[p.Queue], p.RoutingKey) {
		s.bindings[p.Queue] = append(s.bindings[p.Queue], p.RoutingKey)
	}
	deliver := s.consumers[p.Queue]
	s.mu.Unlock()

	if deliver == nil {
		return nil
	}
	return s.subscribe(ctx, p.Queue, p.RoutingKey, deliver)
}

// Consume subscribes every filter bound to p.Queue.
func (s *Session) Consume(ctx context.Context, p broker.SubscriptionParams, deliver broker.Handler) error {
	s.mu.Lock()
	s.consumers[p.Queue] = deliver
	filters := slices.Clone(s.bindings[p.Queue])
	s.mu.Unlock()

	if len(filters) == 0 {
		s.logger.Warn("MQTT consumer has no bound topics", "queue", p.Queue)
	}
	for _, f := range filters {
		if err := s.subscribe(ctx, p.Queue, f, deliver); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, queue, filter string, deliver broker.Handler) error {
	token := s.client.Subscribe(filter, s.qos, s.route(queue, deliver))
	if err := waitToken(ctx, token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// route unframes inbound messages for deliver, with panic recovery.
func (s *Session) route(queue string, deliver broker.Handler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("MQTT handler panic recovered",
					"topic", m.Topic(),
					"panic", r,
				)
			}
		}()

		msg, err := decodeFrame(m.Topic(), m.Payload())
		if err != nil {
			s.logger.Warn("MQTT message dropped",
				"topic", m.Topic(),
				"error", err,
			)
			return
		}
		deliver(s.ctx, broker.Delivery{Message: msg, Queue: queue, Redelivered: m.Duplicate()})
	}
}

// Publish frames msg and publishes it on msg.RoutingKey.
func (s *Session) Publish(ctx context.Context, msg broker.Message) error {
	if msg.RoutingKey == "" {
		return ErrInvalidTopic
	}
	payload, err := encodeFrame(msg)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrPublishFailed, broker.ErrUndeliverable, err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d bytes", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := s.client.Publish(msg.RoutingKey, s.qos, false, payload)
	if err := waitToken(ctx, token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// NotifyClose yields once when the session ends.
func (s *Session) NotifyClose() <-chan error { return s.closeCh }

// Close disconnects cleanly. The broker does not publish the will.
func (s *Session) Close() error {
	if s.client != nil && s.client.IsConnectionOpen() {
		s.client.Disconnect(defaultDisconnectQuiesce)
	}
	s.signalClosed(nil)
	return nil
}

func (s *Session) signalClosed(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeCh <- cause
	})
}

// waitToken waits for a paho token, honouring ctx and timeout.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
