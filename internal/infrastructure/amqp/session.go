package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

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

// connection is the subset of *amqp091.Connection a Session uses.
type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// channel is the subset of *amqp091.Channel a Session uses.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// amqpConn adapts *amqp091.Connection to connection.
type amqpConn struct{ *amqp091.Connection }

func (c amqpConn) Channel() (channel, error) { return c.Connection.Channel() }

// Dialer opens AMQP sessions for the broker manager.
type Dialer struct {
	cfg     config.BrokerConfig
	resolve broker.Resolver

	mu     sync.Mutex
	logger Logger

	// dial is replaced in tests.
	dial func(url string, cfg amqp091.Config) (connection, error)
}

// NewDialer creates a Dialer. resolve picks the endpoint for each dial; nil
// means cfg.Host and cfg.Port.
func NewDialer(cfg config.BrokerConfig, resolve broker.Resolver) *Dialer {
	if resolve == nil {
		resolve = broker.StaticResolver(broker.Endpoint{Host: cfg.Host, Port: cfg.Port, TLS: cfg.TLS})
	}
	return &Dialer{
		cfg:     cfg,
		resolve: resolve,
		logger:  noopLogger{},
		dial: func(url string, c amqp091.Config) (connection, error) {
			conn, err := amqp091.DialConfig(url, c)
			if err != nil {
				return nil, err
			}
			return amqpConn{conn}, nil
		},
	}
}

// SetLogger sets a logger for error and panic logging.
func (d *Dialer) SetLogger(logger Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// Dial opens one connection and one channel with the configured prefetch.
// It never retries; the broker manager does.
func (d *Dialer) Dial(ctx context.Context) (broker.Session, error) {
	ep, err := d.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving endpoint: %w", ErrConnectionFailed, err)
	}

	d.mu.Lock()
	logger := d.logger
	d.mu.Unlock()

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.dial(dialURL(d.cfg, ep), amqp091.Config{
		Vhost:           d.cfg.VHost,
		Heartbeat:       defaultHeartbeat,
		TLSClientConfig: tlsConfig(ep),
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, ep, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("%w: opening channel: %w", ErrConnectionFailed, err)
	}
	if d.cfg.Prefetch > 0 {
		if err := ch.Qos(d.cfg.Prefetch, 0, false); err != nil {
			conn.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("%w: setting prefetch: %w", ErrConnectionFailed, err)
		}
	}

	s := newSession(conn, ch, logger)
	go s.watchClose(
		conn.NotifyClose(make(chan *amqp091.Error, 1)),
		ch.NotifyClose(make(chan *amqp091.Error, 1)),
	)
	return s, nil
}

// Session is one AMQP connection with a single channel.
//
// Thread Safety:
//   - All methods are safe for concurrent use; channel operations are
//     serialised by chMu since amqp091 channels are not.
type Session struct {
	conn   connection
	ch     channel
	logger Logger

	chMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeCh   chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(conn connection, ch channel, logger Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:    conn,
		ch:      ch,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		closeCh: make(chan error, 1),
	}
}

// watchClose signals the first of a connection or channel close.
func (s *Session) watchClose(connClosed, chClosed <-chan *amqp091.Error) {
	var amqpErr *amqp091.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	case <-s.ctx.Done():
		return
	}
	if amqpErr == nil {
		s.signalClosed(nil)
		return
	}
	s.signalClosed(amqpErr)
}

// DeclareExchange declares a topic (or other kind) exchange.
func (s *Session) DeclareExchange(_ context.Context, p broker.ExchangeParams) error {
	kind := p.Type
	if kind == "" {
		kind = amqp091.ExchangeTopic
	}

	s.chMu.Lock()
	err := s.ch.ExchangeDeclare(p.Name, kind, p.Durable, p.AutoDelete, false, false, nil)
	s.chMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: exchange %s: %w", ErrDeclareFailed, p.Name, err)
	}
	return nil
}

// DeclareQueue declares a queue.
func (s *Session) DeclareQueue(_ context.Context, p broker.QueueParams) error {
	s.chMu.Lock()
	_, err := s.ch.QueueDeclare(p.Name, p.Durable, p.AutoDelete, p.Exclusive, false, amqp091.Table(p.Args))
	s.chMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: queue %s: %w", ErrDeclareFailed, p.Name, err)
	}
	return nil
}

// BindQueue binds a queue with the routing key translated to AMQP form.
func (s *Session) BindQueue(_ context.Context, p broker.BindingParams) error {
	key, err := toAMQPKey(p.RoutingKey)
	if err != nil {
		return err
	}

	s.chMu.Lock()
	err = s.ch.QueueBind(p.Queue, key, p.Exchange, false, nil)
	s.chMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s -> %s (%s): %w", ErrBindFailed, p.Exchange, p.Queue, key, err)
	}
	return nil
}

// Consume starts a consumer whose deliveries are passed to deliver until
// the session closes. Non auto-ack deliveries are acked after deliver
// returns.
func (s *Session) Consume(_ context.Context, p broker.SubscriptionParams, deliver broker.Handler) error {
	s.chMu.Lock()
	deliveries, err := s.ch.Consume(p.Queue, p.ConsumerTag, p.AutoAck, false, false, false, nil)
	s.chMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConsumeFailed, p.Queue, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				s.handle(p, d, deliver)
			}
		}
	}()
	return nil
}

func (s *Session) handle(p broker.SubscriptionParams, d amqp091.Delivery, deliver broker.Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("AMQP handler panic recovered",
				"queue", p.Queue,
				"routing_key", d.RoutingKey,
				"panic", r,
			)
		}
		if !p.AutoAck && d.Acknowledger != nil {
			if err := d.Ack(false); err != nil {
				s.logger.Warn("AMQP ack failed", "queue", p.Queue, "error", err)
			}
		}
	}()
	deliver(s.ctx, toDelivery(p.Queue, d))
}

// Publish sends msg to msg.Exchange with its routing key translated.
func (s *Session) Publish(ctx context.Context, msg broker.Message) error {
	key, err := toAMQPKey(msg.RoutingKey)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrNotConnected
	}

	s.chMu.Lock()
	err = s.ch.PublishWithContext(ctx, msg.Exchange, key, false, false, toPublishing(msg))
	s.chMu.Unlock()
	if errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// NotifyClose yields once when the session ends.
func (s *Session) NotifyClose() <-chan error { return s.closeCh }

// Close closes the channel and connection and waits for consumers to stop.
func (s *Session) Close() error {
	s.signalClosed(nil)

	s.chMu.Lock()
	s.ch.Close() //nolint:errcheck // Connection close follows
	s.chMu.Unlock()
	err := s.conn.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) signalClosed(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeCh <- cause
	})
}

func toPublishing(msg broker.Message) amqp091.Publishing {
	pub := amqp091.Publishing{
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		MessageId:       msg.MessageID,
		UserId:          msg.UserID,
		CorrelationId:   msg.CorrelationID,
		Timestamp:       msg.Timestamp,
		DeliveryMode:    amqp091.Transient,
		Body:            msg.Body,
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp091.Persistent
	}
	if len(msg.Headers) > 0 || msg.ReplyCorrelationID != "" {
		pub.Headers = make(amqp091.Table, len(msg.Headers)+1)
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
		if msg.ReplyCorrelationID != "" {
			pub.Headers[replyHeader] = msg.ReplyCorrelationID
		}
	}
	return pub
}

func toDelivery(queue string, d amqp091.Delivery) broker.Delivery {
	msg := broker.Message{
		Exchange:        d.Exchange,
		RoutingKey:      fromAMQPKey(d.RoutingKey),
		Body:            d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageID:       d.MessageId,
		UserID:          d.UserId,
		Timestamp:       d.Timestamp,
		Persistent:      d.DeliveryMode == amqp091.Persistent,
		CorrelationID:   d.CorrelationId,
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			if k == replyHeader {
				if id, ok := v.(string); ok {
					msg.ReplyCorrelationID = id
				}
				continue
			}
			msg.Headers[k] = v
		}
		if len(msg.Headers) == 0 {
			msg.Headers = nil
		}
	}
	return broker.Delivery{Message: msg, Queue: queue, Redelivered: d.Redelivered}
}
