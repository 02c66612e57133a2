package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/device"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
	"github.com/nerrad567/gray-logic-gateway/internal/variables"
)

// SourceSync tags changes applied from peer messages. Local-change hooks
// skip it so nothing is echoed back to the fleet.
const SourceSync = variables.SourceSync

const contentTypeJSON = "application/json"

// Transport is the broker surface Sync needs. *broker.Manager satisfies it.
type Transport interface {
	RegisterExchange(p broker.ExchangeParams, persist bool) error
	RegisterQueue(p broker.QueueParams, persist bool) error
	RegisterBinding(p broker.BindingParams, persist bool) error
	Subscribe(p broker.SubscriptionParams, persist bool) error
	Publish(msg broker.Message, lane broker.Lane) error
	Request(msg broker.Message, lane broker.Lane, reqCtx any) (*broker.Pending[broker.Message], error)
	OnConnect(fn func())
}

// HookRegistry registers and fires hooks. *hooks.Dispatcher satisfies it.
type HookRegistry interface {
	Register(hook, name string, fn hooks.Handler) error
	Dispatch(ctx context.Context, hook string, payload any) error
}

// DeviceRegistry is the device store Sync reads and updates.
// *device.Registry satisfies it.
type DeviceRegistry interface {
	Get(id string) (*device.Device, error)
	ListByGateway(gatewayID string) []device.Device
	SetStatus(ctx context.Context, id string, status device.Status, source string) error
	Command(ctx context.Context, c device.Command, source string) (*device.Command, error)
	UpdateCommandStatus(ctx context.Context, id string, status device.CommandStatus, message, source string) error
	CommandsByGateway(gatewayID string, includeDone bool) []device.Command
}

// Metrics receives sync instrumentation events.
type Metrics interface {
	IncReceived(component string)
	IncSent(component string)
	IncDropped(reason string)
	ObservePing(gatewayID string, roundTrip, offset time.Duration)
	SetPeerOnline(gatewayID string, online bool)
}

// Telemetry receives time series points. *influxdb.Client satisfies it.
type Telemetry interface {
	RecordPing(peerID string, rtt, offset time.Duration)
	RecordPeerStatus(peerID string, online bool)
	RecordMessage(direction, component string, size int)
}

// Logger defines the logging interface for the cluster package.
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

type noopSink struct{}

func (noopSink) IncReceived(string)                               {}
func (noopSink) IncSent(string)                                   {}
func (noopSink) IncDropped(string)                                {}
func (noopSink) ObservePing(string, time.Duration, time.Duration) {}
func (noopSink) SetPeerOnline(string, bool)                       {}
func (noopSink) RecordPing(string, time.Duration, time.Duration)  {}
func (noopSink) RecordPeerStatus(string, bool)                    {}
func (noopSink) RecordMessage(string, string, int)                {}

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Deps are the collaborators a Sync works with. Hooks may be nil, in which
// case local changes are not forwarded.
type Deps struct {
	Transport Transport
	Codec     *envelope.Codec
	Atoms     *variables.Store
	States    *variables.Store
	Devices   DeviceRegistry
	Hooks     HookRegistry
}

// Sync runs the cluster protocol for one gateway.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Sync struct {
	opts      Options
	transport Transport
	codec     *envelope.Codec
	atoms     *variables.Store
	states    *variables.Store
	devices   DeviceRegistry
	hooks     HookRegistry

	logger    Logger
	metrics   Metrics
	telemetry Telemetry

	peers  *Directory
	inLog  *MessageLog
	outLog *MessageLog

	lib         map[route]Handler
	libRequests map[route]Handler

	modMu   sync.RWMutex
	modules map[string]Handler

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	okToPublish atomic.Bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup

	now  func() time.Time
	rand func() float64
}

// New creates a Sync. Call Start to register broker resources and begin
// the presence and ping cycles.
func New(deps Deps, opts Options) (*Sync, error) {
	if opts.GatewayID == "" {
		return nil, errors.New("cluster: gateway id is required")
	}
	if deps.Transport == nil || deps.Codec == nil || deps.Atoms == nil || deps.States == nil || deps.Devices == nil {
		return nil, errors.New("cluster: transport, codec, atoms, states and devices are required")
	}
	opts = opts.withDefaults()

	s := &Sync{
		opts:      opts,
		transport: deps.Transport,
		codec:     deps.Codec,
		atoms:     deps.Atoms,
		states:    deps.States,
		devices:   deps.Devices,
		hooks:     deps.Hooks,
		logger:    noopLogger{},
		metrics:   noopSink{},
		telemetry: noopSink{},
		peers:     NewDirectory(opts.GatewayID, opts.MasterID),
		inLog:     NewMessageLog(opts.LogSize),
		outLog:    NewMessageLog(opts.LogSize),
		modules:   make(map[string]Handler),
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
		rand:      rand.Float64,
	}
	s.buildRoutes()

	if s.hooks != nil {
		if err := s.registerHooks(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetLogger sets the logger for the sync layer.
func (s *Sync) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics sets the metrics sink.
func (s *Sync) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetTelemetry sets the time series sink.
func (s *Sync) SetTelemetry(t Telemetry) {
	s.telemetry = t
}

// GatewayID returns the local gateway id.
func (s *Sync) GatewayID() string { return s.opts.GatewayID }

// Peers returns the peer directory.
func (s *Sync) Peers() *Directory { return s.peers }

// IncomingLog returns the most recent inbound envelopes, oldest first.
func (s *Sync) IncomingLog() []LogEntry { return s.inLog.Entries() }

// OutgoingLog returns the most recent outbound envelopes, oldest first.
func (s *Sync) OutgoingLog() []LogEntry { return s.outLog.Entries() }

// OKToPublish reports whether local changes are being forwarded. It turns
// true once the startup snapshot has gone out.
func (s *Sync) OKToPublish() bool { return s.okToPublish.Load() }

// RegisterModule routes module envelopes named name to h.
func (s *Sync) RegisterModule(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: empty name or nil handler", ErrUnknownModule)
	}
	s.modMu.Lock()
	defer s.modMu.Unlock()

	if _, ok := s.modules[name]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, name)
	}
	s.modules[name] = h
	return nil
}

// ===== Lifecycle =====

// Start registers the exchange, queue, bindings and subscription with the
// transport (all persistent across reconnects), hooks the connect callback
// and starts the ping and re-announce loops.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.registerTopology(); err != nil {
		return err
	}
	s.transport.OnConnect(s.handleConnect)

	s.wg.Add(2)
	go s.pingLoop(runCtx)
	go s.reannounceLoop(runCtx)

	s.logger.Info("cluster sync started",
		"gateway_id", s.opts.GatewayID,
		"master", s.opts.IsMaster,
		"queue", s.opts.Queue,
		"ping_interval", s.opts.PingInterval,
	)
	return nil
}

func (s *Sync) registerTopology() error {
	o := s.opts
	if err := s.transport.RegisterExchange(broker.ExchangeParams{Name: o.Exchange, Type: "topic", Durable: true}, true); err != nil {
		return fmt.Errorf("registering exchange: %w", err)
	}
	if err := s.transport.RegisterQueue(broker.QueueParams{Name: o.Queue, Durable: true}, true); err != nil {
		return fmt.Errorf("registering queue: %w", err)
	}
	for _, filter := range envelope.Filters(o.GatewayID) {
		b := broker.BindingParams{Exchange: o.Exchange, Queue: o.Queue, RoutingKey: filter}
		if err := s.transport.RegisterBinding(b, true); err != nil {
			return fmt.Errorf("registering binding %s: %w", filter, err)
		}
	}
	sub := broker.SubscriptionParams{
		Queue:       o.Queue,
		ConsumerTag: "gateway-sync-" + o.GatewayID,
		Handler:     s.HandleDelivery,
	}
	if err := s.transport.Subscribe(sub, true); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	return nil
}

// Stop ends the loops and waits for scheduled work to finish or ctx to
// expire. The final "offline" announcement is the transport's last will.
func (s *Sync) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("cluster sync stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// after runs fn once d has elapsed, unless the sync stops first.
func (s *Sync) after(d time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.stopped || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn(ctx)
		}
	}()
}

// spawn runs fn in a tracked goroutine.
func (s *Sync) spawn(fn func(ctx context.Context)) {
	s.after(0, fn)
}

// ===== Sending =====

// Send publishes a data envelope from this gateway to dest.
func (s *Sync) Send(dest string, ct envelope.ComponentType, name string, payload any, lane broker.Lane) error {
	env, err := envelope.New(envelope.MessageData, s.opts.GatewayID, dest, ct, name, payload)
	if err != nil {
		return err
	}
	return s.publish(env, lane)
}

// Request sends a request envelope to dest and returns its reply slot.
// Feed the reply to DecodeReply.
func (s *Sync) Request(dest string, ct envelope.ComponentType, name string, payload any) (*broker.Pending[broker.Message], error) {
	env, err := envelope.New(envelope.MessageRequest, s.opts.GatewayID, dest, ct, name, payload)
	if err != nil {
		return nil, err
	}
	return s.request(env, broker.LaneHigh)
}

// DecodeReply decodes a reply delivered to a Request slot.
func (s *Sync) DecodeReply(msg broker.Message) (envelope.Envelope, error) {
	return s.codec.Decode(msg.RoutingKey, msg.Body)
}

func (s *Sync) toMessage(env envelope.Envelope) (broker.Message, error) {
	topic, data, err := s.codec.Encode(env)
	if err != nil {
		return broker.Message{}, err
	}
	msg := broker.Message{
		Exchange:    s.opts.Exchange,
		RoutingKey:  topic,
		Body:        data,
		ContentType: contentTypeJSON,
		MessageID:   env.MessageID,
		UserID:      s.opts.UserID,
		Timestamp:   env.CreatedAt,
	}
	if env.IsReply() {
		msg.ReplyCorrelationID = env.CorrelationID
	} else {
		msg.CorrelationID = env.CorrelationID
	}
	return msg, nil
}

func (s *Sync) publish(env envelope.Envelope, lane broker.Lane) error {
	msg, err := s.toMessage(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", componentLabel(env), err)
	}
	if err := s.transport.Publish(msg, lane); err != nil {
		return fmt.Errorf("publishing %s: %w", componentLabel(env), err)
	}
	s.sent(env, len(msg.Body))
	return nil
}

func (s *Sync) request(env envelope.Envelope, lane broker.Lane) (*broker.Pending[broker.Message], error) {
	if env.CorrelationID == "" {
		env.CorrelationID = env.MessageID
	}
	msg, err := s.toMessage(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", componentLabel(env), err)
	}
	p, err := s.transport.Request(msg, lane, env.MessageID)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", componentLabel(env), err)
	}
	s.sent(env, len(msg.Body))
	return p, nil
}

func (s *Sync) sent(env envelope.Envelope, size int) {
	now := s.now()
	s.outLog.Add(newLogEntry(Outbound, env, size, now))
	if isPeerID(env.DestinationID, s.opts.GatewayID) {
		s.peers.Record(env.DestinationID, Communication{
			Direction: Outbound,
			Topic:     env.Topic().String(),
			MessageID: env.MessageID,
			At:        now,
		})
	}
	label := componentLabel(env)
	s.metrics.IncSent(label)
	s.telemetry.RecordMessage(string(Outbound), label, size)
}

// ===== Receiving =====

// HandleDelivery is the subscription handler: decode, echo suppression,
// destination filter, dispatch. Failures drop the message and are logged.
func (s *Sync) HandleDelivery(ctx context.Context, d broker.Delivery) {
	env, err := s.codec.Decode(d.RoutingKey, d.Body)
	if err != nil {
		s.drop("decode", "message dropped: decode failed", "routing_key", d.RoutingKey, "error", err)
		return
	}
	s.receive(ctx, env, len(d.Body))
}

func (s *Sync) receive(ctx context.Context, env envelope.Envelope, size int) {
	if env.SourceID == s.opts.GatewayID {
		s.metrics.IncDropped("echo")
		return
	}
	if !s.addressedHere(env.DestinationID) {
		s.drop("destination", "message dropped: not addressed here",
			"destination", env.DestinationID, "source", env.SourceID)
		return
	}

	now := s.now()
	s.peers.Record(env.SourceID, Communication{
		Direction: Inbound,
		Topic:     env.Topic().String(),
		MessageID: env.MessageID,
		At:        now,
	})
	s.inLog.Add(newLogEntry(Inbound, env, size, now))
	label := componentLabel(env)
	s.metrics.IncReceived(label)
	s.telemetry.RecordMessage(string(Inbound), label, size)

	if err := s.dispatch(ctx, env); err != nil {
		reason := "handler"
		switch {
		case errors.Is(err, ErrUnknownModule):
			reason = "unknown_module"
		case errors.Is(err, ErrUnknownComponent):
			reason = "unknown_component"
		case errors.Is(err, envelope.ErrMalformed):
			reason = "payload"
		}
		s.drop(reason, "message dropped: handler failed",
			"component", label, "source", env.SourceID, "message_id", env.MessageID, "error", err)
	}
}

func (s *Sync) addressedHere(dest string) bool {
	switch dest {
	case s.opts.GatewayID, envelope.DestinationAll, envelope.DestinationCluster:
		return true
	}
	return false
}

func (s *Sync) drop(reason, msg string, args ...any) {
	s.metrics.IncDropped(reason)
	s.logger.Warn(msg, args...)
}

func (s *Sync) dispatch(ctx context.Context, env envelope.Envelope) error {
	var h Handler
	switch env.ComponentType {
	case envelope.ComponentSystem:
		h = s.systemHandler(env)
	case envelope.ComponentLib:
		r, ok := libRoutes[env.ComponentName]
		if !ok {
			return fmt.Errorf("%w: lib %s", ErrUnknownComponent, env.ComponentName)
		}
		table := s.lib
		if env.MessageType == envelope.MessageRequest {
			table = s.libRequests
		}
		h = table[r]
	case envelope.ComponentModule:
		s.modMu.RLock()
		h = s.modules[env.ComponentName]
		s.modMu.RUnlock()
		if h == nil {
			return fmt.Errorf("%w: %s", ErrUnknownModule, env.ComponentName)
		}
	}
	if h == nil {
		return fmt.Errorf("%w: %s %s %s", ErrUnknownComponent, env.MessageType, env.ComponentType, env.ComponentName)
	}
	return safeCall(ctx, h, env)
}

func safeCall(ctx context.Context, h Handler, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return h(ctx, env)
}

// awaitReply feeds the reply for p back through the inbound path.
func (s *Sync) awaitReply(p *broker.Pending[broker.Message]) {
	s.spawn(func(ctx context.Context) {
		res, err := p.Wait(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("request ended without reply", "correlation_id", p.ID, "error", err)
			}
			return
		}
		s.HandleDelivery(ctx, broker.Delivery{Message: res.Reply})
	})
}

// jitter returns a random resync delay in [ResyncJitterMin, ResyncJitterMax].
func (s *Sync) jitter() time.Duration {
	lo, hi := s.opts.ResyncJitterMin, s.opts.ResyncJitterMax
	return lo + time.Duration(s.rand()*float64(hi-lo))
}
