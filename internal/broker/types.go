package broker

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Lane is a delivery priority tier. Lower values drain first.
type Lane int

const (
	LaneRegistrations Lane = iota
	LaneBindings
	LaneSubscriptions
	LaneHigh
	LaneNormal
	LaneLow

	numLanes = int(LaneLow) + 1
)

var laneNames = [numLanes]string{"registrations", "bindings", "subscriptions", "high", "normal", "low"}

// String returns the lane label used in logs and metrics.
func (l Lane) String() string {
	if l < 0 || int(l) >= numLanes {
		return "unknown"
	}
	return laneNames[l]
}

// Kind identifies the type of a broker resource.
type Kind int

const (
	KindExchange Kind = iota
	KindQueue
	KindBinding
	KindSubscription

	numKinds = int(KindSubscription) + 1
)

var kindNames = [numKinds]string{"exchange", "queue", "binding", "subscription"}

func (k Kind) String() string {
	if k < 0 || int(k) >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// lane returns the registration lane a resource of this kind is queued in.
func (k Kind) lane() Lane {
	switch k {
	case KindBinding:
		return LaneBindings
	case KindSubscription:
		return LaneSubscriptions
	default:
		return LaneRegistrations
	}
}

// ExchangeParams declares an exchange.
type ExchangeParams struct {
	Name       string
	Type       string // "topic", "direct", "fanout"
	Durable    bool
	AutoDelete bool
}

// QueueParams declares a queue.
type QueueParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]any
}

// BindingParams links a queue to an exchange.
//
// RoutingKey uses slash separators and MQTT-style wildcards (+, #);
// transports translate it to their native form.
type BindingParams struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// SubscriptionParams starts consuming a queue.
type SubscriptionParams struct {
	Queue       string
	ConsumerTag string
	AutoAck     bool
	Handler     Handler
}

// Message is an outbound or inbound broker message.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte

	ContentType     string
	ContentEncoding string
	MessageID       string
	UserID          string
	Timestamp       time.Time
	Persistent      bool

	// CorrelationID marks a request that expects a reply.
	CorrelationID string
	// ReplyCorrelationID marks a reply to the request with that id.
	ReplyCorrelationID string

	Headers map[string]any
}

// Delivery is a message received from a subscription.
type Delivery struct {
	Message
	Queue       string
	Redelivered bool
}

// Handler processes inbound deliveries. It must not block for long.
type Handler func(ctx context.Context, d Delivery)

// Session is one live connection to the broker with a single channel
// already opened and its prefetch applied.
type Session interface {
	DeclareExchange(ctx context.Context, p ExchangeParams) error
	DeclareQueue(ctx context.Context, p QueueParams) error
	BindQueue(ctx context.Context, p BindingParams) error
	// Consume starts delivering messages from p.Queue to deliver until the
	// session closes.
	Consume(ctx context.Context, p SubscriptionParams, deliver Handler) error
	Publish(ctx context.Context, msg Message) error

	// NotifyClose yields once when the session is lost, with the cause.
	// A clean Close yields nil.
	NotifyClose() <-chan error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Endpoint is a broker network address.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// String renders host:port, with a tls marker when set.
func (e Endpoint) String() string {
	s := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if e.TLS {
		s += " (tls)"
	}
	return s
}

// Resolver chooses the endpoint for the next dial.
type Resolver func(ctx context.Context) (Endpoint, error)

// StaticResolver always returns e.
func StaticResolver(e Endpoint) Resolver {
	return func(context.Context) (Endpoint, error) { return e, nil }
}

// Logger defines the logging interface for the broker package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives broker instrumentation events.
type Metrics interface {
	SetLaneDepth(lane string, depth int)
	IncReconnects()
	IncCorrelationEvictions()
	SetConnectionState(state string)
	IncDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SetLaneDepth(string, int)  {}
func (noopMetrics) IncReconnects()            {}
func (noopMetrics) IncCorrelationEvictions()  {}
func (noopMetrics) SetConnectionState(string) {}
func (noopMetrics) IncDropped(string)         {}
